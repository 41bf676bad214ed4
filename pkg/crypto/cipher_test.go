package crypto

import (
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t), 1)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"api key", "abc123XYZ789"},
		{"long secret", strings.Repeat("s3cret-", 40)},
		{"unicode", "пароль 密码 🔐"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Fatalf("sealed value missing version prefix: %s", sealed)
			}
			if tt.plaintext != "" && strings.Contains(sealed, tt.plaintext) {
				t.Fatalf("plaintext leaked into sealed value")
			}
			opened, err := enc.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if opened != tt.plaintext {
				t.Fatalf("round trip mismatch: %q != %q", opened, tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), 1)
	a, _ := enc.Encrypt("same input")
	b, _ := enc.Encrypt("same input")
	if a == b {
		t.Fatalf("two encryptions of the same plaintext must differ (nonce reuse)")
	}
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptor(make([]byte, 16), 1); err != ErrInvalidKey {
		t.Fatalf("16-byte key should be rejected, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), 1)
	for _, bad := range []string{"", "plaintext", "ENC[v1]", "ENC[v1]:!!!not-base64!!!", "ENC[v1]:QQ=="} {
		if _, err := enc.Decrypt(bad); err == nil {
			t.Fatalf("Decrypt(%q) should fail", bad)
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), 1)
	sealed, _ := enc.Encrypt("secret value")
	tampered := sealed[:len(sealed)-2] + "AA"
	if _, err := enc.Decrypt(tampered); err == nil {
		t.Fatalf("tampered ciphertext must not decrypt")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"ENC[v1]:abcd", 1},
		{"ENC[v3]:abcd", 3},
		{"not encrypted", 0},
		{"ENC[vX]:abcd", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.in); got != tt.want {
			t.Fatalf("ParseVersion(%q)=%d, expected %d", tt.in, got, tt.want)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	t.Setenv("MASTER_ENCRYPTION_KEY", k1)

	km1, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	sealedV1, err := km1.Encrypt("kraken-api-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A rotated manager seals under v2 but still opens v1 values.
	t.Setenv("MASTER_ENCRYPTION_KEY_V2", k2)
	km2, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager after rotation: %v", err)
	}
	sealedV2, err := km2.Encrypt("kraken-api-secret")
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	if !strings.HasPrefix(sealedV2, "ENC[v2]:") {
		t.Fatalf("rotated manager should seal under v2, got %s", sealedV2)
	}
	for _, sealed := range []string{sealedV1, sealedV2} {
		opened, err := km2.Decrypt(sealed)
		if err != nil || opened != "kraken-api-secret" {
			t.Fatalf("Decrypt(%s) = (%q, %v)", sealed[:8], opened, err)
		}
	}
}

func TestKeyManagerRequiresPrimaryKey(t *testing.T) {
	t.Setenv("MASTER_ENCRYPTION_KEY", "")
	if _, err := NewKeyManager(); err == nil {
		t.Fatalf("missing primary key should fail")
	}
}
