// Package vault encrypts broker credentials at rest with AES-256-GCM.
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

const keyLength = 32

var (
	ErrInvalidKeyLength   = errors.New("vault: secret must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("vault: ciphertext is not valid base64")
	ErrCiphertextTooShort = errors.New("vault: ciphertext shorter than nonce")
	ErrDecryptionFailed   = errors.New("vault: decryption failed, authentication error")
)

// Vault holds the derived AES key. It carries no mutable state and is safe
// for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New constructs a Vault from the process-wide secret.
func New(secret string) (*Vault, error) {
	if len(secret) != keyLength {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrInvalidKeyLength, len(secret))
	}
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrInvalidKeyLength
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The GCM tag check rejects tampered input.
func (v *Vault) Decrypt(encoded string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrInvalidKeyLength
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, data := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsCryptoError reports whether err belongs to the vault error family.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrInvalidKeyLength) ||
		errors.Is(err, ErrInvalidCiphertext) ||
		errors.Is(err, ErrCiphertextTooShort) ||
		errors.Is(err, ErrDecryptionFailed)
}
