package patch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/falk/nca-go/pkg/bucket"
	"github.com/falk/nca-go/pkg/storage"
)

const (
	bucketHeaderSize    = 16
	baseOffsetTableSize = 0x3FF0
	entrySize           = 16
)

// buildBucketTree encodes a minimal one-bucket tree, in the same
// layout bucket.Parse expects.
func buildBucketTree(t *testing.T, end uint64, entries []bucket.Entry) *bucket.Tree {
	t.Helper()
	buf := make([]byte, bucketHeaderSize+baseOffsetTableSize+16+len(entries)*entrySize)
	binary.LittleEndian.PutUint32(buf[4:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], end)

	bucketStart := bucketHeaderSize + baseOffsetTableSize
	binary.LittleEndian.PutUint32(buf[bucketStart+4:bucketStart+8], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[bucketStart+8:bucketStart+16], end)

	pos := bucketStart + 16
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], e.Offset)
		binary.LittleEndian.PutUint64(buf[pos+8:pos+16], e.Payload)
		pos += entrySize
	}

	tree, err := bucket.Parse(buf)
	if err != nil {
		t.Fatalf("bucket.Parse: %v", err)
	}
	return tree
}

func TestIndirectStorageSplicesAcrossSourceBoundary(t *testing.T) {
	base := storage.NewMemoryStorage(bytes.Repeat([]byte{0xB0}, 32))
	patchData := storage.NewMemoryStorage(bytes.Repeat([]byte{0xD0}, 32))
	tree := buildBucketTree(t, 32, []bucket.Entry{
		{Offset: 0, Payload: uint64(SourceBase)},
		{Offset: 16, Payload: uint64(SourcePatch)},
	})

	s := NewIndirectStorage(base, patchData, tree, 32)
	if s.Size() != 32 {
		t.Fatalf("Size() = %d, want 32", s.Size())
	}

	buf := make([]byte, 32)
	n, err := s.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 32 {
		t.Fatalf("ReadAt returned n=%d, want 32", n)
	}
	want := append(bytes.Repeat([]byte{0xB0}, 16), bytes.Repeat([]byte{0xD0}, 16)...)
	if !bytes.Equal(buf, want) {
		t.Fatalf("ReadAt = %x, want %x", buf, want)
	}
}

func TestIndirectStorageReadWithinSingleSourceRange(t *testing.T) {
	base := storage.NewMemoryStorage(bytes.Repeat([]byte{0xAA}, 16))
	patchData := storage.NewMemoryStorage(bytes.Repeat([]byte{0xBB}, 16))
	tree := buildBucketTree(t, 16, []bucket.Entry{{Offset: 0, Payload: uint64(SourcePatch)}})

	s := NewIndirectStorage(base, patchData, tree, 16)
	buf := make([]byte, 8)
	if _, err := s.ReadAt(buf, 4); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xBB}, 8)) {
		t.Fatalf("ReadAt = %x, want all 0xBB", buf)
	}
}

func TestIndirectStorageNilTreeReadsBaseOnly(t *testing.T) {
	base := storage.NewMemoryStorage([]byte("base only content"))
	patchData := storage.NewMemoryStorage([]byte("should never be read"))

	s := NewIndirectStorage(base, patchData, nil, int64(len("base only content")))
	buf := make([]byte, s.Size())
	if _, err := s.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "base only content" {
		t.Fatalf("ReadAt = %q, want %q", buf, "base only content")
	}
}

func TestVerifyNotOverlappingAcceptsKnownSources(t *testing.T) {
	tree := buildBucketTree(t, 32, []bucket.Entry{
		{Offset: 0, Payload: uint64(SourceBase)},
		{Offset: 16, Payload: uint64(SourcePatch)},
	})
	if err := VerifyNotOverlapping(tree); err != nil {
		t.Fatalf("VerifyNotOverlapping: %v", err)
	}
}

func TestVerifyNotOverlappingRejectsUnknownSource(t *testing.T) {
	tree := buildBucketTree(t, 16, []bucket.Entry{{Offset: 0, Payload: 7}})
	if err := VerifyNotOverlapping(tree); err == nil {
		t.Fatal("expected error for a payload that is neither SourceBase nor SourcePatch")
	}
}

func TestVerifyNotOverlappingAcceptsNilTree(t *testing.T) {
	if err := VerifyNotOverlapping(nil); err != nil {
		t.Fatalf("VerifyNotOverlapping(nil) = %v, want nil", err)
	}
}
