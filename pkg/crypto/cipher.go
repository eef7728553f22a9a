package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	// headerSize is the version tag plus the GCM nonce.
	headerSize = 1 + nonceSize
)

var (
	// ErrDecryptionFailed covers malformed payloads, unknown key versions and
	// authentication failures alike.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	errEmptySecret      = errors.New("crypto: vault secret must not be empty")
)

// VaultOptions configures the active key and any retired keys still readable.
type VaultOptions struct {
	ActiveVersion byte
	ActiveSecret  string
	Retired       map[byte]string
}

// Vault encrypts small secrets with AES-256-GCM. Every ciphertext starts with
// the version of the key that sealed it so retired keys keep decrypting.
type Vault struct {
	active byte
	aeads  map[byte]cipher.AEAD
}

// NewVault builds a vault from the provided key material.
func NewVault(opts VaultOptions) (*Vault, error) {
	if opts.ActiveVersion == 0 {
		opts.ActiveVersion = 1
	}
	v := &Vault{active: opts.ActiveVersion, aeads: make(map[byte]cipher.AEAD, len(opts.Retired)+1)}
	for version, secret := range opts.Retired {
		if version == opts.ActiveVersion {
			continue
		}
		aead, err := newAEAD(version, secret)
		if err != nil {
			return nil, fmt.Errorf("retired key v%d: %w", version, err)
		}
		v.aeads[version] = aead
	}
	aead, err := newAEAD(opts.ActiveVersion, opts.ActiveSecret)
	if err != nil {
		return nil, fmt.Errorf("active key v%d: %w", opts.ActiveVersion, err)
	}
	v.aeads[opts.ActiveVersion] = aead
	return v, nil
}

// ActiveVersion returns the key version used for new ciphertexts.
func (v *Vault) ActiveVersion() byte {
	return v.active
}

// Encrypt seals plaintext under the active key with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	aead := v.aeads[v.active]
	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	out[0] = v.active
	if _, err := io.ReadFull(rand.Reader, out[1:headerSize]); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return aead.Seal(out, out[1:headerSize], []byte(plaintext), []byte{v.active}), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any known key.
func (v *Vault) Decrypt(payload []byte) (string, error) {
	if len(payload) < headerSize {
		return "", ErrDecryptionFailed
	}
	aead, ok := v.aeads[payload[0]]
	if !ok {
		return "", ErrDecryptionFailed
	}
	if len(payload) < headerSize+aead.Overhead() {
		return "", ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, payload[1:headerSize], payload[headerSize:], payload[:1])
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// EncryptString returns the ciphertext as standard base64 for text columns.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return v.Decrypt(raw)
}

// NeedsRewrap reports whether payload was sealed by a key other than the active one.
func (v *Vault) NeedsRewrap(payload []byte) bool {
	return len(payload) > 0 && payload[0] != v.active
}

// Rewrap re-encrypts payload under the active key.
func (v *Vault) Rewrap(payload []byte) ([]byte, error) {
	plain, err := v.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	return v.Encrypt(plain)
}

func newAEAD(version byte, secret string) (cipher.AEAD, error) {
	key, err := deriveKey(version, secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// deriveKey uses a base64 encoded 32 byte secret as-is and stretches anything
// else with HKDF-SHA256.
func deriveKey(version byte, secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errEmptySecret
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw, nil
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte("hangar-vault"), []byte(fmt.Sprintf("v%d", version)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
