package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required AES-256 key length in bytes
const KeySize = 32

const nonceSize = 12 // GCM standard nonce size

// Common errors
var (
	ErrInvalidKeySize = errors.New("encryption key must be exactly 32 bytes")
	ErrCorruptSession = errors.New("session data is corrupt or has been tampered with")
)

// Vault encrypts and decrypts opaque account-session blobs at rest using
// AES-256-GCM. It is a pure transform: no storage, no state beyond the key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte key. It fails fast on a misconfigured
// key so a bad deployment never silently stores unreadable sessions.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns a base64
// token of nonce||ciphertext. Each call draws a new nonce from crypto/rand;
// nonces are never reused across calls or processes.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed or tampered
// token fails with ErrCorruptSession; wrong plaintext is never returned
// silently.
func (v *Vault) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrCorruptSession
	}
	if len(raw) < nonceSize+v.aead.Overhead() {
		return nil, ErrCorruptSession
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorruptSession
	}
	return plaintext, nil
}
