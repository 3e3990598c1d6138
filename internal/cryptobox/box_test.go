package cryptobox

import (
	"crypto/sha256"
	"errors"
	"strings"
	"testing"
)

const testSeedHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestKeyFromSeedHexAndHashed(t *testing.T) {
	key, err := KeyFromSeed(testSeedHex)
	if err != nil {
		t.Fatalf("KeyFromSeed(hex) failed: %v", err)
	}
	if key[0] != 0x00 || key[31] != 0x1f {
		t.Fatalf("expected hex seed to be used verbatim, got %x", key)
	}

	key, err = KeyFromSeed("correct horse battery staple")
	if err != nil {
		t.Fatalf("KeyFromSeed(passphrase) failed: %v", err)
	}
	if key != sha256.Sum256([]byte("correct horse battery staple")) {
		t.Fatal("expected non-hex seed to be hashed with sha256")
	}

	if _, err := KeyFromSeed("  "); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestNewRequiresKeyUnlessEphemeralAllowed(t *testing.T) {
	if _, err := New("", Options{}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	box, err := New("", Options{AllowEphemeral: true})
	if err != nil {
		t.Fatalf("New with ephemeral key failed: %v", err)
	}
	if !box.Ephemeral() {
		t.Fatal("expected ephemeral box")
	}
	stable, err := New(testSeedHex, Options{AllowEphemeral: true})
	if err != nil {
		t.Fatalf("New with seed failed: %v", err)
	}
	if stable.Ephemeral() {
		t.Fatal("did not expect a supplied seed to be ephemeral")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testSeedHex, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	secret := "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	first, err := box.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := box.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first == second {
		t.Fatal("expected fresh iv per encryption")
	}
	iv, _, ok := strings.Cut(first, ":")
	if !ok || len(iv) != 32 {
		t.Fatalf("expected 16-byte hex iv prefix, got %q", first)
	}
	if strings.Contains(first, secret) {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := box.Decrypt(first)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != secret {
		t.Fatalf("round trip mismatch: %q", got)
	}

	empty, err := box.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt(empty) failed: %v", err)
	}
	if got, err := box.Decrypt(empty); err != nil || got != "" {
		t.Fatalf("expected empty round trip, got %q err=%v", got, err)
	}
}

func TestDecryptRejectsMalformedPayloads(t *testing.T) {
	box, err := New(testSeedHex, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cases := []string{
		"",
		"nocolon",
		"zz:00",
		"00:00",
		strings.Repeat("00", 16) + ":" + strings.Repeat("00", 15),
		strings.Repeat("00", 16) + ":not-hex",
	}
	for _, payload := range cases {
		if _, err := box.Decrypt(payload); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("expected ErrDecrypt for %q, got %v", payload, err)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, _ := New(testSeedHex, Options{})
	b, _ := New("another seed", Options{})
	payload, err := a.Encrypt("secret-material")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := b.Decrypt(payload)
	if err == nil && got == "secret-material" {
		t.Fatal("decrypting with the wrong key must not recover the plaintext")
	}
}

func TestFingerprintDoesNotLeakKey(t *testing.T) {
	box, _ := New(testSeedHex, Options{})
	fp := box.Fingerprint()
	if len(fp) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", fp)
	}
	if strings.Contains(testSeedHex, fp) {
		t.Fatal("fingerprint must not be a slice of the raw key")
	}
}
