// Package patch implements the two patch-composition storage layers:
// IndirectStorage (splice base vs. patch bytes by byte range) and
// AesCtrExStorage (override the AES-CTR counter's high bits per byte
// range). Both are driven by a bucket.Tree, which turns a parsed BKTR
// bucket tree into a sequence of sub-ranges tagged with either a
// base/patch selector or a counter override.
package patch

import (
	"fmt"

	"github.com/falk/nca-go/pkg/bucket"
	"github.com/falk/nca-go/pkg/storage"
)

// Source selects which underlying storage a patch-composed byte range
// is read from.
type Source uint64

const (
	SourceBase  Source = 0
	SourcePatch Source = 1
)

// IndirectStorage reads each byte range from either Base or Patch per
// the bucket tree's payload.
type IndirectStorage struct {
	base, patch storage.Storage
	tree        *bucket.Tree
	size        int64
}

// NewIndirectStorage builds an IndirectStorage of the given logical
// size (the patched section's declared size).
func NewIndirectStorage(base, patchStorage storage.Storage, tree *bucket.Tree, size int64) *IndirectStorage {
	return &IndirectStorage{base: base, patch: patchStorage, tree: tree, size: size}
}

func (s *IndirectStorage) Size() int64 { return s.size }

// ReadAt subdivides the requested range at bucket-tree interval
// boundaries and reads each piece from the selected source, so a
// single read spanning multiple intervals is handled transparently.
func (s *IndirectStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > s.size {
		end = s.size
	}

	if s.tree == nil || s.tree.Empty() {
		return s.base.ReadAt(buf[:end-off], off)
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
		src := s.base
		if Source(r.Payload) == SourcePatch {
			src = s.patch
		}
		n, rerr := src.ReadAt(buf[start-off:stop-off], start)
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
	if rangeErr != nil {
		return total, rangeErr
	}
	return total, nil
}

// VerifyNotOverlapping is a cheap sanity check: every payload in the tree must be SourceBase or SourcePatch.
func VerifyNotOverlapping(tree *bucket.Tree) error {
	if tree == nil {
		return nil
	}
	var outOfRange error
	_ = tree.Walk(0, tree.End(), func(r bucket.Range) bool {
		if r.Payload != uint64(SourceBase) && r.Payload != uint64(SourcePatch) {
			outOfRange = fmt.Errorf("patch: indirect entry has unknown source %d", r.Payload)
			return false
		}
		return true
	})
	return outOfRange
}
