package crypto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestCTRStreamRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}
	var iv [8]byte
	binary.BigEndian.PutUint64(iv[:], 0x1234)

	plain := bytes.Repeat([]byte{0x55}, 64)

	enc, err := NewCTRStream(key, iv, 0)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	cipher := make([]byte, len(plain))
	enc.XORKeyStream(cipher, plain)

	dec, err := NewCTRStream(key, iv, 0)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	back := make([]byte, len(cipher))
	dec.XORKeyStream(back, cipher)

	if !bytes.Equal(back, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", back, plain)
	}
}

func TestCTRStreamSeekMatchesOffsetIntoLongerStream(t *testing.T) {
	key := make([]byte, 16)
	var iv [8]byte

	full, err := NewCTRStream(key, iv, 0)
	if err != nil {
		t.Fatal(err)
	}
	fullKeystream := make([]byte, 64)
	full.XORKeyStream(fullKeystream, make([]byte, 64))

	seeked, err := NewCTRStream(key, iv, 32)
	if err != nil {
		t.Fatal(err)
	}
	seekedKeystream := make([]byte, 16)
	seeked.XORKeyStream(seekedKeystream, make([]byte, 16))

	if !bytes.Equal(seekedKeystream, fullKeystream[32:48]) {
		t.Fatalf("seeked keystream %x does not match offset slice %x", seekedKeystream, fullKeystream[32:48])
	}
}

func TestNewCTRStreamHighOverridesCounterTop(t *testing.T) {
	key := make([]byte, 16)
	s1, err := NewCTRStreamHigh(key, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewCTRStreamHigh(key, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	out1 := make([]byte, 16)
	out2 := make([]byte, 16)
	s1.XORKeyStream(out1, make([]byte, 16))
	s2.XORKeyStream(out2, make([]byte, 16))
	if bytes.Equal(out1, out2) {
		t.Fatal("different counter highs produced identical keystream")
	}
}

func TestBlockOffsetAndAlign(t *testing.T) {
	cases := []struct {
		off          int64
		wantOffset   int
		wantAligned  int64
	}{
		{0, 0, 0},
		{15, 15, 0},
		{16, 0, 16},
		{31, 15, 16},
		{32, 0, 32},
	}
	for _, c := range cases {
		if got := BlockOffset(c.off); got != c.wantOffset {
			t.Errorf("BlockOffset(%d) = %d, want %d", c.off, got, c.wantOffset)
		}
		if got := BlockAlign(c.off); got != c.wantAligned {
			t.Errorf("BlockAlign(%d) = %d, want %d", c.off, got, c.wantAligned)
		}
	}
}
