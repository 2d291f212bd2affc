// Package secrets seals tenant bot credentials at rest.
//
// Tokens are stored as base64(nonce || ciphertext) under a ChaCha20-Poly1305
// key supplied via config or the JOINGUARD_CREDENTIAL_KEY environment
// variable. Plaintext credentials live in process memory only and must never
// be logged.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvKey names the environment variable holding the hex-encoded key.
const EnvKey = "JOINGUARD_CREDENTIAL_KEY"

var (
	ErrNoKey   = errors.New("secrets: credential key not configured")
	ErrBadKey  = errors.New("secrets: credential key must be 64 hex chars")
	ErrCorrupt = errors.New("secrets: ciphertext corrupt or wrong key")
)

// Keyring seals and opens credential strings.
type Keyring struct {
	key []byte
}

// NewKeyring builds a keyring from a hex-encoded 32-byte key. An empty
// hexKey falls back to the environment.
func NewKeyring(hexKey string) (*Keyring, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		hexKey = strings.TrimSpace(os.Getenv(EnvKey))
	}
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	return &Keyring{key: key}, nil
}

// Seal encrypts a credential for storage.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored credential.
func (k *Keyring) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", ErrCorrupt
	}
	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrCorrupt
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(pt), nil
}
