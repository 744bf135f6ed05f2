package nca

import (
	"fmt"

	"github.com/falk/nca-go/pkg/bucket"
	"github.com/falk/nca-go/pkg/integrity"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/patch"
	"github.com/falk/nca-go/pkg/pfs0"
	"github.com/falk/nca-go/pkg/romfs"
	"github.com/falk/nca-go/pkg/storage"
)

// RawEncrypted returns the raw, still-encrypted on-disk bytes of
// section i.
func (n *NCA) RawEncrypted(i int) (storage.Storage, error) {
	entry, _, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceStorage(n.file, entry.Offset(), entry.Size())
}

// RawDecrypted applies the section's cipher, returning
// the plaintext section content. For a patch section, this is the
// patch's own content, not yet spliced against a base.
func (n *NCA) RawDecrypted(i int) (storage.Storage, error) {
	entry, fh, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	raw, err := storage.NewSliceStorage(n.file, entry.Offset(), entry.Size())
	if err != nil {
		return nil, err
	}

	switch fh.Encryption {
	case EncryptionNone:
		return raw, nil

	case EncryptionXtsOld:
		sk, err := n.sectionKeysOnce()
		if err != nil {
			return nil, err
		}
		sectorBase := uint64(entry.StartBlock) * (MediaSize / SectorSize)
		return storage.NewAesXtsStorage(raw, sk.Content, SectorSize, sectorBase)

	case EncryptionAesCtr, EncryptionAesCtrSkipLayerHash:
		sk, err := n.sectionKeysOnce()
		if err != nil {
			return nil, err
		}
		return storage.NewAesCtrStorage(raw, sk.Ctr, fh.Counter, entry.Offset()), nil

	case EncryptionAesCtrEx, EncryptionAesCtrExSkipLayerHash:
		sk, err := n.sectionKeysOnce()
		if err != nil {
			return nil, err
		}
		if fh.Patch == nil || fh.Patch.AesCtrExSize == 0 {
			return nil, fmt.Errorf("%w: section %d has AesCtrEx encryption but no AesCtrEx bucket tree", ncaerr.ErrInvalidHeader, i)
		}
		tree, err := n.readBucketTree(entry, fh.Patch.AesCtrExOffset, fh.Patch.AesCtrExSize)
		if err != nil {
			return nil, err
		}
		return patch.NewAesCtrExStorage(raw, sk.Ctr, fh.Counter, tree, entry.Offset()), nil

	default:
		return nil, fmt.Errorf("%w: unknown encryption type %d", ncaerr.ErrUnsupportedFormat, fh.Encryption)
	}
}

// readBucketTree reads and parses the bucket tree stored at
// [treeOffset, treeOffset+treeSize) within section entry's plaintext
// range. Bucket trees are themselves stored unencrypted at the start
// of a patch section's raw bytes in the real format; here we read them
// straight from the section's raw encrypted storage.
func (n *NCA) readBucketTree(entry SectionEntry, treeOffset, treeSize int64) (*bucket.Tree, error) {
	raw := make([]byte, treeSize)
	if _, err := n.file.ReadAt(raw, entry.Offset()+treeOffset); err != nil {
		return nil, fmt.Errorf("%w: %v", ncaerr.ErrIoFailure, err)
	}
	return bucket.Parse(raw)
}

// Patched splices baseNCA's decrypted section i against
// this NCA's decrypted section i through the Indirect bucket tree,
// when this section carries patch info and baseNCA is non-nil.
// Otherwise it is just RawDecrypted(i).
func (n *NCA) Patched(i int, baseNCA *NCA) (storage.Storage, error) {
	_, fh, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	patchContent, err := n.RawDecrypted(i)
	if err != nil {
		return nil, err
	}
	if fh.Patch == nil || baseNCA == nil {
		return patchContent, nil
	}

	baseContent, err := baseNCA.RawDecrypted(i)
	if err != nil {
		return nil, err
	}

	entry, _, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	var tree *bucket.Tree
	if fh.Patch.IndirectSize > 0 {
		tree, err = n.readBucketTree(entry, fh.Patch.IndirectOffset, fh.Patch.IndirectSize)
		if err != nil {
			return nil, err
		}
	}
	return patch.NewIndirectStorage(baseContent, patchContent, tree, patchContent.Size()), nil
}

// Verified wraps section i's effective content (patched against
// baseNCA if given, else raw decrypted) in the hash layer
// fs_header.hash_type selects, at the given strictness.
func (n *NCA) Verified(i int, level integrity.Level, baseNCA *NCA) (storage.Storage, error) {
	_, fh, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	content, err := n.Patched(i, baseNCA)
	if err != nil {
		return nil, err
	}

	switch fh.Hash {
	case HashNone:
		return content, nil

	case HashSha256:
		if fh.Sha256 == nil {
			return nil, fmt.Errorf("%w: section %d has sha256 hash type but no Sha256Info", ncaerr.ErrInvalidHeader, i)
		}
		return integrity.NewSha256Storage(content, int64(fh.Sha256.HashTableSize), int64(fh.Sha256.BlockSize), fh.Sha256.MasterHash, level)

	case HashIvfc:
		if fh.Ivfc == nil {
			return nil, fmt.Errorf("%w: section %d has ivfc hash type but no IvfcInfo", ncaerr.ErrInvalidHeader, i)
		}
		return n.openIvfc(content, fh.Ivfc, level)

	default:
		return nil, fmt.Errorf("%w: unknown hash type %d", ncaerr.ErrUnsupportedFormat, fh.Hash)
	}
}

// VerifySection verifies section i's full content against the hash
// tree fs_header.hash_type declares (patched against baseNCA if given)
// and returns the resulting verdict. Verification never aborts on a
// mismatch: mismatched blocks are read as zeros and the verdict is
// Invalid, mirroring the per-read behavior of LevelInvalid. Sections
// with hash_type == HashNone have nothing to verify and report
// Unchecked.
func (n *NCA) VerifySection(i int, baseNCA *NCA) (integrity.Validity, error) {
	_, fh, err := n.enabledSection(i)
	if err != nil {
		return integrity.ValidityUnchecked, err
	}
	if fh.Hash == HashNone {
		return integrity.ValidityUnchecked, nil
	}

	verified, err := n.Verified(i, integrity.LevelInvalid, baseNCA)
	if err != nil {
		return integrity.ValidityInvalid, err
	}
	verifier, ok := verified.(interface {
		Verify() (integrity.Validity, error)
	})
	if !ok {
		return integrity.ValidityUnchecked, nil
	}
	return verifier.Verify()
}

// openIvfc slices content into its 6 IVFC levels per ivfc's declared
// per-level offset/size and hands them to integrity.NewIvfcStorage.
func (n *NCA) openIvfc(content storage.Storage, ivfc *IvfcInfo, level integrity.Level) (storage.Storage, error) {
	var sizes [6]int64
	var logs [6]uint32
	levels := make([]storage.Storage, 6)
	for l := 0; l < 6; l++ {
		sizes[l] = int64(ivfc.Levels[l].Size)
		logs[l] = ivfc.Levels[l].BlockSizeLog2
		ls, err := storage.NewSliceStorage(content, int64(ivfc.Levels[l].Offset), sizes[l])
		if err != nil {
			return nil, err
		}
		levels[l] = ls
	}
	hl := &integrity.HashLevels{MasterHash: ivfc.MasterHash, LevelSize: sizes, BlockSizeLog2: logs}
	return integrity.NewIvfcStorage(hl, levels, level)
}

// Filesystem parses the verified section as PartitionFs
// (ExeFS/CNMT-PFS, fs_header.format == PartitionFs) or RomFs
// (fs_header.format == RomFs).
func (n *NCA) Filesystem(i int, level integrity.Level, baseNCA *NCA) (FileSystem, error) {
	_, fh, err := n.enabledSection(i)
	if err != nil {
		return nil, err
	}
	verified, err := n.Verified(i, level, baseNCA)
	if err != nil {
		return nil, err
	}

	switch fh.Format {
	case FormatPartitionFs:
		return pfs0.Open(verified)
	case FormatRomFs:
		return romfs.Open(verified)
	default:
		return nil, fmt.Errorf("%w: unknown format type %d", ncaerr.ErrUnsupportedFormat, fh.Format)
	}
}
