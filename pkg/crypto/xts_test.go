package crypto

import (
	"bytes"
	"testing"
)

func TestXTSEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	xts, err := NewXTS(key, 0x200)
	if err != nil {
		t.Fatalf("NewXTS: %v", err)
	}

	plain := bytes.Repeat([]byte{0xAB}, 0x200)
	enc := make([]byte, len(plain))
	if err := xts.Encrypt(enc, plain, 3); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec := make([]byte, len(plain))
	if err := xts.Decrypt(dec, enc, 3); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", dec, plain)
	}
}

func TestXTSDifferentSectorsDifferentCiphertext(t *testing.T) {
	key := make([]byte, 32)
	xts, err := NewXTS(key, 0x200)
	if err != nil {
		t.Fatalf("NewXTS: %v", err)
	}
	plain := bytes.Repeat([]byte{0x11}, 0x200)

	enc0 := make([]byte, len(plain))
	enc1 := make([]byte, len(plain))
	if err := xts.Encrypt(enc0, plain, 0); err != nil {
		t.Fatal(err)
	}
	if err := xts.Encrypt(enc1, plain, 1); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(enc0, enc1) {
		t.Fatal("same ciphertext for different sectors")
	}
}

func TestNewXTSRejectsBadKeyLength(t *testing.T) {
	if _, err := NewXTS(make([]byte, 16), 0x200); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestNewXTSRejectsBadSectorSize(t *testing.T) {
	if _, err := NewXTS(make([]byte, 32), 10); err == nil {
		t.Fatal("expected error for non-multiple-of-16 sector size")
	}
}
