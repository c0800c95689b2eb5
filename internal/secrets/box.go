// Package secrets seals sensitive values before they reach the metadata
// store. Registry credential secrets and secret-kind variable values are
// stored only in sealed form; key management stays outside the daemon.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// marker prefixes sealed values so stored plaintext from older records can be
// told apart from ciphertext.
const marker = "enc:"

// Box encrypts and decrypts short string values with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox creates a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Box{key: k}, nil
}

// Seal encrypts plaintext and returns a marked base64 string. Sealing an
// already sealed value returns it unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return marker + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Unmarked values pass through unchanged so
// records written before encryption was enabled remain readable.
func (b *Box) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, marker))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether a stored value carries the seal marker.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, marker)
}
