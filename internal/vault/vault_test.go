package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	return key
}

func TestNewRejectsBadKeySizes(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := New(make([]byte, size)); !errors.Is(err, ErrInvalidKeySize) {
			t.Errorf("key size %d: expected ErrInvalidKeySize, got %v", size, err)
		}
	}

	if _, err := New(testKey()); err != nil {
		t.Fatalf("valid 32-byte key rejected: %v", err)
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v, err := New(testKey())
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("telegram session blob"),
		bytes.Repeat([]byte{0x00}, 4096),
	}

	random := make([]byte, 1024)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	payloads = append(payloads, random)

	for _, plaintext := range payloads {
		token, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed for %d bytes: %v", len(plaintext), err)
		}

		decrypted, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("decrypt failed for %d bytes: %v", len(plaintext), err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("roundtrip mismatch for %d byte payload", len(plaintext))
		}
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	v, _ := New(testKey())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := v.Encrypt([]byte("same payload"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[token] {
			t.Fatal("two encryptions of the same payload produced identical tokens")
		}
		seen[token] = true
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, _ := New(testKey())

	token, err := v.Encrypt([]byte("session bytes that must not survive tampering"))
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := base64.StdEncoding.DecodeString(token)

	// Flip a single bit at every position; each variant must be rejected.
	for i := range raw {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		got, err := v.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		if !errors.Is(err, ErrCorruptSession) {
			t.Fatalf("bit flip at byte %d: expected ErrCorruptSession, got err=%v plaintext=%q", i, err, got)
		}
	}
}

func TestDecryptRejectsMalformedTokens(t *testing.T) {
	v, _ := New(testKey())

	cases := []string{
		"",
		"not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		base64.StdEncoding.EncodeToString(make([]byte, nonceSize)), // nonce only, no ciphertext+tag
	}

	for _, token := range cases {
		if _, err := v.Decrypt(token); !errors.Is(err, ErrCorruptSession) {
			t.Errorf("token %q: expected ErrCorruptSession, got %v", token, err)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	v1, _ := New(testKey())

	otherKey := testKey()
	otherKey[0] ^= 0xff
	v2, _ := New(otherKey)

	token, err := v1.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v2.Decrypt(token); !errors.Is(err, ErrCorruptSession) {
		t.Fatalf("expected ErrCorruptSession with wrong key, got %v", err)
	}
}
