package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}

func TestAppTokenClaims(t *testing.T) {
	key, pemKey := testKeyPEM(t)
	signer, err := NewAppSigner("12345", base64.StdEncoding.EncodeToString([]byte(pemKey)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	now := time.Now().Truncate(time.Second)
	signer.now = func() time.Time { return now }

	token, err := signer.AppToken()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseAppToken(token, &key.PublicKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Issuer != "12345" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
	if !claims.IssuedAt.Time.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected iat %v", claims.IssuedAt.Time)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(AppTokenTTL)) {
		t.Fatalf("unexpected exp %v", claims.ExpiresAt.Time)
	}
}

func TestNewAppSignerAcceptsPlainPEM(t *testing.T) {
	_, pemKey := testKeyPEM(t)
	if _, err := NewAppSigner("1", pemKey); err != nil {
		t.Fatalf("new signer: %v", err)
	}
}

func TestNewAppSignerRejectsBadInput(t *testing.T) {
	if _, err := NewAppSigner("", "x"); err == nil {
		t.Fatal("expected error for missing app id")
	}
	if _, err := NewAppSigner("1", ""); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := NewAppSigner("1", "bm90IGEga2V5"); err == nil {
		t.Fatal("expected error for garbage key")
	}
}
