package jwt

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AppTokenTTL is the lifetime GitHub accepts for app assertions.
const AppTokenTTL = 10 * time.Minute

// clockSkew backdates iat so small clock drift against GitHub is tolerated.
const clockSkew = 60 * time.Second

var errEmptyKey = errors.New("jwt: private key is empty")

// AppSigner issues RS256 assertions identifying a GitHub App.
type AppSigner struct {
	appID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewAppSigner parses a PEM private key, optionally base64 wrapped.
func NewAppSigner(appID, privateKey string) (*AppSigner, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, errors.New("jwt: app id is required")
	}
	pem, err := decodePEM(privateKey)
	if err != nil {
		return nil, err
	}
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse private key: %w", err)
	}
	return &AppSigner{appID: appID, key: key, now: time.Now}, nil
}

// AppToken returns a signed assertion valid for AppTokenTTL.
func (s *AppSigner) AppToken() (string, error) {
	now := s.now()
	claims := jwtlib.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-clockSkew)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(AppTokenTTL)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	return token.SignedString(s.key)
}

// ParseAppToken validates an assertion against the public half of key.
func ParseAppToken(token string, key *rsa.PublicKey) (*jwtlib.RegisteredClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &jwtlib.RegisteredClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return key, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodRS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*jwtlib.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

func decodePEM(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmptyKey
	}
	if strings.HasPrefix(raw, "-----BEGIN") {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("jwt: decode private key: %w", err)
	}
	return decoded, nil
}
