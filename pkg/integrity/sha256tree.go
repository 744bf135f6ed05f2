package integrity

import (
	"fmt"
	"log"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/storage"
)

// Sha256Storage verifies a PartitionFs section's single-level hash
// tree on read: a contiguous table of SHA-256 digests (one per
// BlockSize-byte data block) immediately followed by the data itself.
// The table's own digest is checked against masterHash once, at
// construction.
type Sha256Storage struct {
	inner         storage.Storage
	hashTableSize int64
	blockSize     int64
	dataSize      int64
	level         Level
	lastValidity  Validity
}

// NewSha256Storage validates the master hash over the hash table and
// returns a Storage exposing just the data region (size =
// inner.Size()-hashTableSize). masterHash mismatches are reported the
// same way a data-block mismatch would be.
func NewSha256Storage(inner storage.Storage, hashTableSize int64, blockSize int64, masterHash [32]byte, level Level) (*Sha256Storage, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: sha256 block size must be positive", ncaerr.ErrInvalidHeader)
	}
	s := &Sha256Storage{
		inner:         inner,
		hashTableSize: hashTableSize,
		blockSize:     blockSize,
		dataSize:      inner.Size() - hashTableSize,
		level:         level,
		lastValidity:  ValidityUnchecked,
	}
	if level == LevelNone {
		return s, nil
	}

	table := make([]byte, hashTableSize)
	if _, err := inner.ReadAt(table, 0); err != nil {
		return nil, err
	}
	sum := ncacrypto.Sha256(table)
	if sum != masterHash {
		if err := s.onMismatch("master hash table"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sha256Storage) Size() int64 { return s.dataSize }

func (s *Sha256Storage) onMismatch(what string) error {
	s.lastValidity = ValidityInvalid
	switch s.level {
	case LevelErrorOnInvalid:
		return fmt.Errorf("%w: sha256 %s mismatch", ncaerr.ErrHashMismatch, what)
	case LevelWarn:
		log.Printf("nca: sha256 %s mismatch (continuing, level=Warn)", what)
	}
	return nil
}

// ReadAt reads the data region, verifying each touched block's digest
// against the hash table per the configured Level.
func (s *Sha256Storage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.dataSize {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > s.dataSize {
		end = s.dataSize
	}

	total := 0
	for cur := off; cur < end; {
		blockIdx := cur / s.blockSize
		blockStart := blockIdx * s.blockSize
		blockLen := s.blockSize
		if blockStart+blockLen > s.dataSize {
			blockLen = s.dataSize - blockStart
		}

		block := make([]byte, blockLen)
		if _, err := s.inner.ReadAt(block, s.hashTableSize+blockStart); err != nil {
			return total, err
		}

		if s.level != LevelNone {
			digest := make([]byte, 32)
			if _, err := s.inner.ReadAt(digest, blockIdx*32); err != nil {
				return total, err
			}
			sum := ncacrypto.Sha256(block)
			mismatch := false
			for i := range sum {
				if sum[i] != digest[i] {
					mismatch = true
					break
				}
			}
			if mismatch {
				if err := s.onMismatch(fmt.Sprintf("data block %d", blockIdx)); err != nil {
					return total, err
				}
				if s.level == LevelInvalid {
					for i := range block {
						block[i] = 0
					}
				}
			} else if s.lastValidity == ValidityUnchecked {
				s.lastValidity = ValidityValid
			}
		}

		copyStart := int64(0)
		if cur > blockStart {
			copyStart = cur - blockStart
		}
		copyEnd := blockLen
		if blockStart+blockLen > end {
			copyEnd = end - blockStart
		}
		n := copy(buf[cur-off:], block[copyStart:copyEnd])
		total += n
		cur = blockStart + copyEnd
	}
	return total, nil
}

// Verify reads every data block and returns
// Valid|Invalid|Unchecked, without allocating the full content.
func (s *Sha256Storage) Verify() (Validity, error) {
	buf := make([]byte, s.blockSize)
	validity := ValidityValid
	if s.level == LevelNone {
		return ValidityUnchecked, nil
	}
	for off := int64(0); off < s.dataSize; off += s.blockSize {
		n, err := s.ReadAt(buf, off)
		if err != nil {
			return ValidityInvalid, err
		}
		_ = n
		if s.lastValidity == ValidityInvalid {
			validity = ValidityInvalid
		}
	}
	return validity, nil
}
