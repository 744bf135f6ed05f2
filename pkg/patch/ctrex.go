package patch

import (
	"encoding/binary"

	"github.com/falk/nca-go/pkg/bucket"
	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/storage"
)

// AesCtrExStorage decrypts inner with AES-128-CTR where each byte
// range's counter high-64 has its upper 32 bits replaced by the bucket
// tree's generation id (payload); the lower 32 bits always come from
// the FsHeader's counter (defaultIV). Outside any tree entry, the
// FsHeader counter is used unmodified.
type AesCtrExStorage struct {
	inner      storage.Storage
	key        []byte
	defaultIV  [8]byte
	tree       *bucket.Tree
	baseOffset int64
}

// NewAesCtrExStorage wraps inner; baseOffset is the section's absolute
// start offset within the NCA (the counter's low bits are derived from
// NCA-absolute byte offsets, matching AesCtrStorage).
func NewAesCtrExStorage(inner storage.Storage, key []byte, defaultIV [8]byte, tree *bucket.Tree, baseOffset int64) *AesCtrExStorage {
	return &AesCtrExStorage{inner: inner, key: key, defaultIV: defaultIV, tree: tree, baseOffset: baseOffset}
}

func (s *AesCtrExStorage) Size() int64 { return s.inner.Size() }

func (s *AesCtrExStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.Size() {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > s.Size() {
		end = s.Size()
	}

	if s.tree == nil || s.tree.Empty() {
		return s.decryptRange(buf[:end-off], off, binary.BigEndian.Uint64(s.defaultIV[:]))
	}

	total := 0
	var rangeErr error
	err := s.tree.Walk(uint64(off), uint64(end), func(r bucket.Range) bool {
		start := int64(r.Start)
		if start < off {
			start = off
		}
		stop := int64(r.End)
		if stop > end {
			stop = end
		}
		if stop <= start {
			return true
		}
		high := uint64(uint32(r.Payload))<<32 | uint64(uint32(binary.BigEndian.Uint64(s.defaultIV[:])))
		n, rerr := s.decryptRange(buf[start-off:stop-off], start, high)
		if rerr != nil {
			rangeErr = rerr
			return false
		}
		total += n
		return true
	})
	if err != nil {
		return total, err
	}
	return total, rangeErr
}

// decryptRange reads and decrypts [off, off+len(dst)) using counter
// high bits high, aligning to the AES block boundary so the CTR
// keystream starts on a block edge.
func (s *AesCtrExStorage) decryptRange(dst []byte, off int64, high uint64) (int, error) {
	abs := s.baseOffset + off
	blockStart := ncacrypto.BlockAlign(abs)
	discard := ncacrypto.BlockOffset(abs)

	raw := make([]byte, discard+len(dst))
	n, err := s.inner.ReadAt(raw, off-int64(discard))
	if err != nil {
		return 0, err
	}
	raw = raw[:n]
	if len(raw) <= discard {
		return 0, nil
	}

	stream, err := ncacrypto.NewCTRStreamHigh(s.key, high, blockStart)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(raw, raw)
	return copy(dst, raw[discard:]), nil
}
