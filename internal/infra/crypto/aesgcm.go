// Package crypto provides the AES-GCM field cipher protecting detected
// sensitive values at rest. Each field is sealed with the entity's encryption
// metadata as additional authenticated data, so ciphertext cannot be moved
// between fields or entities without failing its integrity check.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/piisweep/piisweep/internal/domain/pii"
)

// ciphertextPrefix versions the on-disk format so a future migration can
// support mixed formats in one entity list.
const ciphertextPrefix = "enc:v1:"

const nonceSize = 12

// ErrInvalidCiphertext is returned when a ciphertext is malformed, was sealed
// under different metadata, or has been tampered with.
var ErrInvalidCiphertext = errors.New("invalid or tampered ciphertext")

// AESGCMCipher implements pii.FieldCipher using AES-256-GCM.
type AESGCMCipher struct {
	aead cipher.AEAD
}

var _ pii.FieldCipher = (*AESGCMCipher)(nil)

// NewAESGCMCipher creates a field cipher from a raw key. The key must be 16,
// 24, or 32 bytes (AES-128/192/256).
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESGCMCipher{aead: aead}, nil
}

// NewAESGCMCipherFromPassphrase derives a 256-bit key from a passphrase and
// salt using argon2id and builds a field cipher from it.
func NewAESGCMCipherFromPassphrase(passphrase, salt []byte) (*AESGCMCipher, error) {
	key := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
	return NewAESGCMCipher(key)
}

// EncryptField seals a single plaintext field under the entity metadata.
func (c *AESGCMCipher) EncryptField(plaintext string, meta pii.Metadata, field string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), meta.Bind(field))

	encoded := base64.StdEncoding.EncodeToString(append(nonce, sealed...))
	return ciphertextPrefix + encoded, nil
}

// DecryptField reverses EncryptField. An integrity failure, including a
// metadata mismatch, returns ErrInvalidCiphertext; it is never silently
// swallowed because that would surface corrupted sensitive data.
func (c *AESGCMCipher) DecryptField(ciphertext string, meta pii.Metadata, field string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing format prefix", ErrInvalidCiphertext)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, meta.Bind(field))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether a stored field value carries the cipher's
// format prefix. Used to support mixed plaintext/ciphertext lists after a
// format migration.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, ciphertextPrefix)
}
