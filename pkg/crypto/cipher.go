// Package crypto provides at-rest encryption for broker credentials held
// by the credstore. Values are sealed with AES-256-GCM and carry a
// version prefix (`ENC[vN]:`) so keys can be rotated without re-encrypting
// everything at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("crypto: key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("crypto: malformed ciphertext")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
)

// Encryptor seals and opens strings under one versioned AES-256-GCM key.
// The AEAD is built once at construction; Seal/Open are then cheap enough
// to sit on the credential-resolve path.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor wraps key (raw bytes, not base64) as version v.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: build GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt seals plaintext as `ENC[vN]:base64(nonce || ciphertext || tag)`.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a value produced by Encrypt. The caller is responsible for
// routing the ciphertext to the Encryptor whose version matches
// ParseVersion's answer.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	_, encoded, ok := splitCiphertext(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this encryptor seals under.
func (e *Encryptor) Version() int { return e.version }

// ParseVersion reads the `ENC[vN]:` prefix; 0 means not a sealed value.
func ParseVersion(ciphertext string) int {
	v, _, ok := splitCiphertext(ciphertext)
	if !ok {
		return 0
	}
	return v
}

func splitCiphertext(s string) (version int, encoded string, ok bool) {
	if !strings.HasPrefix(s, "ENC[v") {
		return 0, "", false
	}
	sep := strings.Index(s, "]:")
	if sep < 0 {
		return 0, "", false
	}
	if _, err := fmt.Sscanf(s[:sep+2], "ENC[v%d]:", &version); err != nil || version <= 0 {
		return 0, "", false
	}
	return version, s[sep+2:], true
}
