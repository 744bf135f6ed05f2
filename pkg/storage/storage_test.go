package storage

import (
	"bytes"
	"testing"
)

func TestMemoryStorageReadAt(t *testing.T) {
	s := NewMemoryStorage([]byte("hello world"))
	if s.Size() != 11 {
		t.Fatalf("Size() = %d, want 11", s.Size())
	}
	buf := make([]byte, 5)
	n, err := s.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 5 || string(buf) != "world" {
		t.Fatalf("ReadAt = %q (n=%d), want %q", buf, n, "world")
	}
}

func TestMemoryStorageReadPastEnd(t *testing.T) {
	s := NewMemoryStorage([]byte("abc"))
	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 10)
	if err != nil || n != 0 {
		t.Fatalf("ReadAt past end = (%d, %v), want (0, nil)", n, err)
	}
	n, err = s.ReadAt(buf, 1)
	if err != nil || n != 2 {
		t.Fatalf("ReadAt short tail = (%d, %v), want (2, nil)", n, err)
	}
}

func TestNullStorageIsAllZero(t *testing.T) {
	s := NewNullStorage(16)
	buf := bytes.Repeat([]byte{0xFF}, 16)
	n, err := s.ReadAt(buf, 0)
	if err != nil || n != 16 {
		t.Fatalf("ReadAt = (%d, %v), want (16, nil)", n, err)
	}
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Fatalf("NullStorage did not read zeros: %x", buf)
	}
}

func TestSliceStorageViewsSubrange(t *testing.T) {
	inner := NewMemoryStorage([]byte("0123456789"))
	s, err := NewSliceStorage(inner, 3, 4)
	if err != nil {
		t.Fatalf("NewSliceStorage: %v", err)
	}
	if s.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", s.Size())
	}
	buf := make([]byte, 4)
	if _, err := s.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "3456" {
		t.Fatalf("ReadAt = %q, want %q", buf, "3456")
	}
}

func TestNewSliceStorageRejectsOutOfRange(t *testing.T) {
	inner := NewMemoryStorage(make([]byte, 10))
	if _, err := NewSliceStorage(inner, 5, 10); err == nil {
		t.Fatal("expected error for out-of-range slice")
	}
}

func TestConcatenationStorageReadsAcrossSegments(t *testing.T) {
	a := NewMemoryStorage([]byte("AAAA"))
	b := NewMemoryStorage([]byte("BBBBBB"))
	c := NewMemoryStorage([]byte("CC"))
	s, err := Join(a, b, c)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.Size() != 12 {
		t.Fatalf("Size() = %d, want 12", s.Size())
	}

	buf := make([]byte, 12)
	n, err := s.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 12 || string(buf) != "AAAABBBBBBCC" {
		t.Fatalf("ReadAt = %q (n=%d), want %q", buf, n, "AAAABBBBBBCC")
	}

	// A read straddling the A/B boundary.
	mid := make([]byte, 4)
	if _, err := s.ReadAt(mid, 2); err != nil {
		t.Fatalf("ReadAt straddling: %v", err)
	}
	if string(mid) != "AABB" {
		t.Fatalf("straddling ReadAt = %q, want %q", mid, "AABB")
	}
}

func TestNewConcatenationStorageRejectsGap(t *testing.T) {
	segs := []ConcatSegment{
		{Offset: 0, Inner: NewMemoryStorage(make([]byte, 4))},
		{Offset: 8, Inner: NewMemoryStorage(make([]byte, 4))},
	}
	if _, err := NewConcatenationStorage(segs); err == nil {
		t.Fatal("expected error for gapped segments")
	}
}

func TestNewConcatenationStorageRejectsOverlap(t *testing.T) {
	segs := []ConcatSegment{
		{Offset: 0, Inner: NewMemoryStorage(make([]byte, 8))},
		{Offset: 4, Inner: NewMemoryStorage(make([]byte, 4))},
	}
	if _, err := NewConcatenationStorage(segs); err == nil {
		t.Fatal("expected error for overlapping segments")
	}
}
