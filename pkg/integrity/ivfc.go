package integrity

import (
	"fmt"
	"log"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/storage"
)

const ivfcLevelCount = 6

// HashLevels is the subset of an NCA's IvfcInfo this package needs,
// expressed without importing pkg/nca (whose section openers build
// one of these to construct an IvfcStorage, which would otherwise
// create an nca<->integrity import cycle).
type HashLevels struct {
	MasterHash    [32]byte
	LevelSize     [ivfcLevelCount]int64
	BlockSizeLog2 [ivfcLevelCount]uint32
}

// IvfcStorage verifies a RomFs section's 6-level IVFC hash tree. Level
// 0 is a hash table whose content hash equals MasterHash; each level
// i (1..4) is a hash table whose content, split into
// BlockSizeLog2[i-1]-sized blocks, is hashed block-by-block and
// checked against level i-1's digests; level 5 is the exposed data,
// verified the same way against level 4 but lazily, per block, on
// read (it is the only level expected to be large).
//
// The multi-level generalization of the single-level scheme in
// sha256tree.go.
type IvfcStorage struct {
	levels       []storage.Storage // levels[i] backs HashLevels level i, len == ivfcLevelCount
	sizes        [ivfcLevelCount]int64
	blkLog       [ivfcLevelCount]uint32
	level        Level
	lastValidity Validity
}

// NewIvfcStorage verifies levels 0..4 eagerly (they are hash tables,
// not section content) and returns a Storage over level 5 (the data)
// that verifies each block lazily on read.
func NewIvfcStorage(info *HashLevels, levelStorages []storage.Storage, level Level) (*IvfcStorage, error) {
	if len(levelStorages) != ivfcLevelCount {
		return nil, fmt.Errorf("%w: ivfc expects %d levels, got %d", ncaerr.ErrInvalidHeader, ivfcLevelCount, len(levelStorages))
	}
	s := &IvfcStorage{levels: levelStorages, sizes: info.LevelSize, blkLog: info.BlockSizeLog2, level: level, lastValidity: ValidityUnchecked}
	if level == LevelNone {
		return s, nil
	}

	top := readAll(levelStorages[0], info.LevelSize[0])
	if ncacrypto.Sha256(top) != info.MasterHash {
		if err := s.fail("level 0 master hash"); err != nil {
			return nil, err
		}
	}

	for i := 1; i <= 4; i++ {
		if err := s.verifyWholeLevel(i); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// verifyWholeLevel hashes level i in blockSize(i-1) chunks and checks
// each digest against level i-1's hash table, eagerly (levels 0..4 are
// small hash tables, unlike the final data level).
func (s *IvfcStorage) verifyWholeLevel(i int) error {
	blockSize := int64(1) << s.blkLog[i-1]
	size := s.sizes[i]
	buf := make([]byte, blockSize)
	for off := int64(0); off < size; off += blockSize {
		n := blockSize
		if off+n > size {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := s.levels[i].ReadAt(chunk, off); err != nil {
			return err
		}
		if err := s.checkDigest(i-1, off/blockSize, chunk, fmt.Sprintf("level %d block %d", i, off/blockSize)); err != nil {
			return err
		}
	}
	return nil
}

func (s *IvfcStorage) checkDigest(parentLevel int, blockIdx int64, chunk []byte, what string) error {
	digest := make([]byte, 32)
	if _, err := s.levels[parentLevel].ReadAt(digest, blockIdx*32); err != nil {
		return err
	}
	sum := ncacrypto.Sha256(chunk)
	if sum != [32]byte(digest) {
		return s.fail(what)
	}
	return nil
}

func readAll(s storage.Storage, size int64) []byte {
	buf := make([]byte, size)
	_, _ = s.ReadAt(buf, 0)
	return buf
}

func (s *IvfcStorage) fail(what string) error {
	s.lastValidity = ValidityInvalid
	switch s.level {
	case LevelErrorOnInvalid:
		return fmt.Errorf("%w: ivfc %s mismatch", ncaerr.ErrHashMismatch, what)
	case LevelWarn:
		log.Printf("nca: ivfc %s mismatch (continuing, level=Warn)", what)
	}
	return nil
}

func (s *IvfcStorage) Size() int64 { return s.levels[5].Size() }

// ReadAt verifies each touched data block (level 5) against level 4's
// hash table, per the configured Level.
func (s *IvfcStorage) ReadAt(buf []byte, off int64) (int, error) {
	size := s.Size()
	if off < 0 || off >= size {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > size {
		end = size
	}

	blockSize := int64(1) << s.blkLog[4]
	total := 0
	for cur := off; cur < end; {
		blockIdx := cur / blockSize
		blockStart := blockIdx * blockSize
		blockLen := blockSize
		if blockStart+blockLen > size {
			blockLen = size - blockStart
		}

		block := make([]byte, blockLen)
		if _, err := s.levels[5].ReadAt(block, blockStart); err != nil {
			return total, err
		}

		if s.level != LevelNone {
			digest := make([]byte, 32)
			if _, err := s.levels[4].ReadAt(digest, blockIdx*32); err != nil {
				return total, err
			}
			sum := ncacrypto.Sha256(block)
			if sum != [32]byte(digest) {
				if err := s.fail(fmt.Sprintf("level 5 block %d", blockIdx)); err != nil {
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

// Verify reads every level-5 data block and returns
// Valid|Invalid|Unchecked, without retaining the content.
func (s *IvfcStorage) Verify() (Validity, error) {
	if s.level == LevelNone {
		return ValidityUnchecked, nil
	}
	blockSize := int64(1) << s.blkLog[4]
	buf := make([]byte, blockSize)
	validity := ValidityValid
	for off := int64(0); off < s.Size(); off += blockSize {
		if _, err := s.ReadAt(buf, off); err != nil {
			return ValidityInvalid, err
		}
		if s.lastValidity == ValidityInvalid {
			validity = ValidityInvalid
		}
	}
	return validity, nil
}
