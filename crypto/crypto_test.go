package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

// TestNewAESEncryptor tests creation of AES encryptor with valid and invalid keys
func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{
			name:      "empty key",
			key:       "",
			wantError: true,
			errorMsg:  "encryption key is empty",
		},
		{
			name:      "invalid base64",
			key:       "not-valid-base64!@#$",
			wantError: true,
			errorMsg:  "base64 decode failed",
		},
		{
			name:      "key too short",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 16)),
			wantError: true,
			errorMsg:  "must be 32 bytes",
		},
		{
			name:      "key too long",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 64)),
			wantError: true,
			errorMsg:  "must be 32 bytes",
		},
		{
			name:      "valid 32-byte key",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 32)),
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Errorf("NewAESEncryptor() expected error but got nil")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("NewAESEncryptor() unexpected error = %v", err)
				}
				if enc == nil {
					t.Errorf("NewAESEncryptor() returned nil encryptor")
				}
			}
		})
	}
}

// TestEncryptDecrypt_RoundTrip tests that encryption followed by decryption returns original plaintext
func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := testEncryptor(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "short string", plaintext: "hello"},
		{name: "oauth token", plaintext: "8f7a2k9d1mxq4w5e6r7t8y9u0i1o2p3a"},
		{name: "long string", plaintext: strings.Repeat("a", 1000)},
		{name: "unicode", plaintext: "Hello 世界 🌍"},
		{name: "special characters", plaintext: "!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/~`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt([]byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(ciphertext, []byte(tt.plaintext)) {
				t.Errorf("Encrypt() returned plaintext unchanged")
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if string(decrypted) != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", string(decrypted), tt.plaintext)
			}
		})
	}
}

// TestEncryptDeterminism verifies that encrypting the same plaintext twice
// produces different ciphertexts (random nonce per call).
func TestEncryptDeterminism(t *testing.T) {
	enc := testEncryptor(t)
	plaintext := []byte("test plaintext")

	ciphertext1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(ciphertext1, ciphertext2) {
		t.Errorf("Encrypt() produced identical ciphertexts for same plaintext")
	}
}

// TestDecrypt_Tampered verifies that flipping any bit of the combined blob
// fails authentication rather than returning corrupted plaintext.
func TestDecrypt_Tampered(t *testing.T) {
	enc := testEncryptor(t)

	ciphertext, err := enc.Encrypt([]byte("secret-token"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	for _, pos := range []int{0, len(ciphertext) / 2, len(ciphertext) - 1} {
		tampered := bytes.Clone(ciphertext)
		tampered[pos] ^= 0x01
		if _, err := enc.Decrypt(tampered); err == nil {
			t.Errorf("Decrypt() accepted blob tampered at byte %d", pos)
		}
	}
}

func TestEncryptDecryptParts_RoundTrip(t *testing.T) {
	enc := testEncryptor(t)
	plaintext := []byte("app-access-token-value")

	ciphertext, iv, tag, err := enc.EncryptParts(plaintext)
	if err != nil {
		t.Fatalf("EncryptParts() error = %v", err)
	}
	if len(iv) != 12 {
		t.Errorf("iv length = %d, want 12 (96 bits)", len(iv))
	}
	if len(tag) != 16 {
		t.Errorf("auth tag length = %d, want 16 (128 bits)", len(tag))
	}

	decrypted, err := enc.DecryptParts(ciphertext, iv, tag)
	if err != nil {
		t.Fatalf("DecryptParts() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("DecryptParts() = %q, want %q", decrypted, plaintext)
	}
}

// TestDecryptParts_TamperedTag verifies a single-bit flip in the auth tag is
// rejected with an error, never decrypted.
func TestDecryptParts_TamperedTag(t *testing.T) {
	enc := testEncryptor(t)

	ciphertext, iv, tag, err := enc.EncryptParts([]byte("app-access-token-value"))
	if err != nil {
		t.Fatalf("EncryptParts() error = %v", err)
	}

	for bit := 0; bit < 8; bit++ {
		tampered := bytes.Clone(tag)
		tampered[0] ^= 1 << bit
		if _, err := enc.DecryptParts(ciphertext, iv, tampered); err == nil {
			t.Errorf("DecryptParts() accepted tag with bit %d flipped", bit)
		}
	}
}

func TestDecryptParts_InvalidLengths(t *testing.T) {
	enc := testEncryptor(t)
	ciphertext, iv, tag, err := enc.EncryptParts([]byte("x"))
	if err != nil {
		t.Fatalf("EncryptParts() error = %v", err)
	}

	if _, err := enc.DecryptParts(ciphertext, iv[:8], tag); err == nil {
		t.Errorf("DecryptParts() accepted short iv")
	}
	if _, err := enc.DecryptParts(ciphertext, iv, tag[:8]); err == nil {
		t.Errorf("DecryptParts() accepted short tag")
	}
	if _, err := enc.DecryptParts(nil, iv, tag); err == nil {
		t.Errorf("DecryptParts() accepted empty ciphertext")
	}
}

func TestEncryptDecryptString(t *testing.T) {
	enc := testEncryptor(t)

	out, err := EncryptString(enc, "refresh-token-value")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(out); err != nil {
		t.Errorf("EncryptString() output is not valid base64: %v", err)
	}

	back, err := DecryptString(enc, out)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if back != "refresh-token-value" {
		t.Errorf("DecryptString() = %q, want refresh-token-value", back)
	}

	// Empty strings pass through untouched (unset token columns).
	if out, err := EncryptString(enc, ""); err != nil || out != "" {
		t.Errorf("EncryptString(empty) = (%q, %v), want empty and nil", out, err)
	}
}
