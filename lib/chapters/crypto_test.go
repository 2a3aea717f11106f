package chapters

import (
	"bytes"
	"testing"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func TestDeriveDataKeyDeterministicAndScoped(t *testing.T) {
	root := bytes.Repeat([]byte{0x42}, defaults.DataKeySize)

	k1, err := DeriveDataKey(root, "chapter-1", "file-1")
	if err != nil {
		t.Fatalf("DeriveDataKey() error: %v", err)
	}
	k2, err := DeriveDataKey(root, "chapter-1", "file-1")
	if err != nil {
		t.Fatalf("DeriveDataKey() error: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveDataKey should be deterministic for the same inputs")
	}

	k3, err := DeriveDataKey(root, "chapter-2", "file-1")
	if err != nil {
		t.Fatalf("DeriveDataKey() error: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("DeriveDataKey should differ across chapter IDs")
	}

	if len(k1) != defaults.DataKeySize {
		t.Fatalf("key length = %d, want %d", len(k1), defaults.DataKeySize)
	}
}

func TestEncryptDecryptRoundTripGCM(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, defaults.DataKeySize)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	blob, err := EncryptChapter(key, plaintext, types.SchemeAESGCM)
	if err != nil {
		t.Fatalf("EncryptChapter() error: %v", err)
	}
	got, err := DecryptChapter(key, blob)
	if err != nil {
		t.Fatalf("DecryptChapter() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptDecryptRoundTripCTRHMAC(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, defaults.DataKeySize)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	blob, err := EncryptChapter(key, plaintext, types.SchemeAESCTRHMAC)
	if err != nil {
		t.Fatalf("EncryptChapter() error: %v", err)
	}
	got, err := DecryptChapter(key, blob)
	if err != nil {
		t.Fatalf("DecryptChapter() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, defaults.DataKeySize)
	blob, err := EncryptChapter(key, []byte("hello world"), types.SchemeAESGCM)
	if err != nil {
		t.Fatalf("EncryptChapter() error: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := DecryptChapter(key, blob); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestDecryptRejectsBadMagic(t *testing.T) {
	if _, err := DecryptChapter(bytes.Repeat([]byte{0x44}, defaults.DataKeySize), []byte("not a chapter blob")); err == nil {
		t.Fatal("expected error for malformed chapter blob")
	}
}

func TestEncryptRejectsUnknownScheme(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, defaults.DataKeySize)
	if _, err := EncryptChapter(key, []byte("data"), types.CryptoScheme(99)); err == nil {
		t.Fatal("expected error for unknown crypto scheme")
	}
}
