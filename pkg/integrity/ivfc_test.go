package integrity

import (
	"bytes"
	"testing"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/storage"
)

// buildIvfcChain builds a 6-level IVFC tree over a single data block
// small enough (<= 32 bytes) that every intermediate level is exactly
// one 32-byte digest, keeping the chain of hash tables trivial to
// construct by hand.
func buildIvfcChain(t *testing.T, data []byte) (*HashLevels, []storage.Storage) {
	t.Helper()
	if len(data) > 32 {
		t.Fatalf("test data too large: %d bytes", len(data))
	}

	levelContent := make([][]byte, 6)
	levelContent[5] = data
	for i := 4; i >= 0; i-- {
		sum := ncacrypto.Sha256(levelContent[i+1])
		levelContent[i] = sum[:]
	}
	masterSum := ncacrypto.Sha256(levelContent[0])

	info := &HashLevels{MasterHash: masterSum}
	for i := range levelContent {
		info.LevelSize[i] = int64(len(levelContent[i]))
		info.BlockSizeLog2[i] = 5 // 32-byte blocks; every level here fits in one block
	}

	storages := make([]storage.Storage, 6)
	for i, c := range levelContent {
		storages[i] = storage.NewMemoryStorage(c)
	}
	return info, storages
}

func TestIvfcStorageValidChainReadsClean(t *testing.T) {
	data := []byte("sixteen byte msg")
	info, levels := buildIvfcChain(t, data)

	s, err := NewIvfcStorage(info, levels, LevelErrorOnInvalid)
	if err != nil {
		t.Fatalf("NewIvfcStorage: %v", err)
	}
	if s.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", s.Size(), len(data))
	}

	out := make([]byte, len(data))
	if _, err := s.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("ReadAt = %q, want %q", out, data)
	}
}

func TestIvfcStorageRejectsWrongLevelCount(t *testing.T) {
	info, levels := buildIvfcChain(t, []byte("x"))
	if _, err := NewIvfcStorage(info, levels[:5], LevelErrorOnInvalid); err == nil {
		t.Fatal("expected error for a level slice of the wrong length")
	}
}

func TestIvfcStorageMasterHashMismatchErrors(t *testing.T) {
	info, levels := buildIvfcChain(t, []byte("some test data.."))
	info.MasterHash[0] ^= 0xFF

	if _, err := NewIvfcStorage(info, levels, LevelErrorOnInvalid); err == nil {
		t.Fatal("expected error for a corrupted master hash")
	}
}

func TestIvfcStorageDataBlockMismatchErrorsOnRead(t *testing.T) {
	data := []byte("original message")
	info, levels := buildIvfcChain(t, data)

	s, err := NewIvfcStorage(info, levels, LevelErrorOnInvalid)
	if err != nil {
		t.Fatalf("NewIvfcStorage: %v", err)
	}

	corrupted := storage.NewMemoryStorage([]byte("tampered message"))
	s.levels[5] = corrupted

	buf := make([]byte, len(data))
	if _, err := s.ReadAt(buf, 0); err == nil {
		t.Fatal("expected hash mismatch error reading a tampered data level")
	}
}

func TestIvfcStorageLevelNoneSkipsVerification(t *testing.T) {
	info, levels := buildIvfcChain(t, []byte("whatever content"))
	info.MasterHash[0] ^= 0xFF // corrupted, but LevelNone never checks

	s, err := NewIvfcStorage(info, levels, LevelNone)
	if err != nil {
		t.Fatalf("NewIvfcStorage: %v", err)
	}
	buf := make([]byte, info.LevelSize[5])
	if _, err := s.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt under LevelNone: %v", err)
	}
}
