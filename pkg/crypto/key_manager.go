package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// maxKeyVersions bounds the MASTER_ENCRYPTION_KEY_Vn env scan.
const maxKeyVersions = 10

var (
	ErrKeyNotFound  = errors.New("crypto: encryption key not found in environment")
	ErrKeyNotLoaded = errors.New("crypto: no key loaded for requested version")
)

// KeyManager holds every loaded key version and always seals with the
// newest. Decrypt routes by the ciphertext's own version prefix, so old
// values keep working for as long as their key stays in the environment.
type KeyManager struct {
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads MASTER_ENCRYPTION_KEY (v1, required) and any
// MASTER_ENCRYPTION_KEY_V2..V10 rotations present. Keys are base64 in the
// environment and never touch disk or logs.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}
	if err := km.load(1, "MASTER_ENCRYPTION_KEY"); err != nil {
		return nil, fmt.Errorf("crypto: primary key: %w", err)
	}
	km.current = 1
	for v := 2; v <= maxKeyVersions; v++ {
		if err := km.load(v, fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", v)); err == nil {
			km.current = v
		}
	}
	return km, nil
}

func (km *KeyManager) load(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	km.encryptors[version] = enc
	return nil
}

// Encrypt seals plaintext under the newest loaded key.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	enc, ok := km.encryptors[km.current]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens ciphertext with whichever key version sealed it.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("crypto: key version %d not loaded", version)
	}
	return enc.Decrypt(ciphertext)
}

// GenerateKey mints a fresh random AES-256 key, base64-encoded for the
// environment. Operator utility, not used on any engine code path.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
