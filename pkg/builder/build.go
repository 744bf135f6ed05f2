// Package builder assembles a merged NCA from a base NCA and a patch
// NCA: Logo carried from base, ExeFS from patch, and RomFS as the
// logical indirect+CTR-EX composition of the two, all re-hashed and
// sealed behind a freshly encrypted header. Every stage composes
// storage.Storage values lazily and defers byte production to the
// final ConcatenationStorage, rather than copying section data up
// front.
package builder

import (
	"fmt"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/storage"
)

// state is the builder's internal progress marker, enforcing the
// Init -> HeaderCopied -> SectionsAdded(k)* -> HashesFinalized ->
// HeaderEncrypted -> Sealed sequence.
type state int

const (
	stateInit state = iota
	stateHeaderCopied
	stateSectionsAdded
	stateHashesFinalized
	stateHeaderEncrypted
	stateSealed
)

// blockSize1000 is the hash block size used for freshly computed
// SHA-256 integrity tables.
const blockSize1000 = 0x1000

// emittedSection holds one section's output content plus the
// FsHeader it will serialize under, pending hash-table computation.
type emittedSection struct {
	content storage.Storage
	header  nca.FsHeader
}

// Builder drives a single NCA's build/merge.
type Builder struct {
	st     state
	header *nca.NcaHeader
	ks     *keys.KeySet

	sections [4]*emittedSection
}

// NewFromBase starts a build by copying base's header verbatim
// (signatures, title ID, content type, key generation — everything up
// to the section-entries offset). The section table and FsHeaders are
// cleared; AddSection fills them in.
func NewFromBase(base *nca.NcaHeader, ks *keys.KeySet) *Builder {
	h := *base
	h.Sections = [4]nca.SectionEntry{}
	h.FsHeaderHash = [4][32]byte{}
	h.FsHeaders = [4]nca.FsHeader{}
	return &Builder{st: stateHeaderCopied, header: &h, ks: ks}
}

// AddSection installs i's output content and FsHeader (with
// encryption already cleared to None), failing with ErrAlreadyAdded
// if i is already enabled.
func (b *Builder) AddSection(i int, content storage.Storage, fh nca.FsHeader) error {
	if b.st != stateHeaderCopied && b.st != stateSectionsAdded {
		return fmt.Errorf("%w: AddSection called out of order", ncaerr.ErrPreconditionViolation)
	}
	if i < 0 || i >= 4 {
		return fmt.Errorf("%w: section index %d out of range", ncaerr.ErrInvalidHeader, i)
	}
	if b.header.Sections[i].Enabled {
		return fmt.Errorf("%w: section %d", ncaerr.ErrAlreadyAdded, i)
	}
	b.sections[i] = &emittedSection{content: content, header: fh}
	b.header.Sections[i] = nca.SectionEntry{Enabled: true}
	b.st = stateSectionsAdded
	return nil
}

// AddLogoFromBase copies baseNCA's raw decrypted Logo section (i=2)
// verbatim, clearing its encryption and patch info.
func AddLogoFromBase(b *Builder, baseNCA *nca.NCA) error {
	content, err := baseNCA.RawDecrypted(2)
	if err != nil {
		return err
	}
	fh := baseNCA.Header().FsHeaders[2]
	fh.Encryption = nca.EncryptionNone
	fh.ClearPatchInfo()
	return b.AddSection(2, content, fh)
}

// AddExeFsFromPatch copies patchNCA's raw decrypted ExeFS section
// (i=0) verbatim, clearing its encryption and patch info.
func AddExeFsFromPatch(b *Builder, patchNCA *nca.NCA) error {
	content, err := patchNCA.RawDecrypted(0)
	if err != nil {
		return err
	}
	fh := patchNCA.Header().FsHeaders[0]
	fh.Encryption = nca.EncryptionNone
	fh.ClearPatchInfo()
	return b.AddSection(0, content, fh)
}

// AddRomFsMerged builds RomFS (i=1)'s logical merge — patchNCA's
// section with baseNCA's as the indirect/CTR-EX fallback source — and
// installs it with encryption and patch info cleared, since the
// output is no longer itself a patch.
func AddRomFsMerged(b *Builder, baseNCA, patchNCA *nca.NCA) error {
	content, err := patchNCA.Patched(1, baseNCA)
	if err != nil {
		return err
	}
	fh := patchNCA.Header().FsHeaders[1]
	fh.Encryption = nca.EncryptionNone
	fh.ClearPatchInfo()
	return b.AddSection(1, content, fh)
}

// FinalizeHashes computes each emitted section's integrity hash table:
// fresh SHA-256 tables for sections whose hash type is Sha256 (the
// PartitionFs ExeFS/CNMT-PFS sections this package emits),
// carried-through IVFC for RomFS (content bytes are reproduced
// bit-exact by patch composition, so the existing master hash and
// level tables remain valid).
func (b *Builder) FinalizeHashes() error {
	if b.st != stateSectionsAdded {
		return fmt.Errorf("%w: FinalizeHashes called out of order", ncaerr.ErrPreconditionViolation)
	}
	for i, sec := range b.sections {
		if sec == nil {
			continue
		}
		switch sec.header.Hash {
		case nca.HashSha256:
			table, master, err := buildSha256Table(sec.content, blockSize1000)
			if err != nil {
				return fmt.Errorf("section %d: %w", i, err)
			}
			// Zero-pad the table so table+data fills whole media blocks and
			// Seal adds no tail padding inside the hashed data region.
			if rem := (int64(len(table)) + sec.content.Size()) % nca.MediaSize; rem != 0 {
				table = append(table, make([]byte, nca.MediaSize-rem)...)
				master = ncacrypto.Sha256(table)
			}
			sec.header.Sha256 = &nca.Sha256Info{
				MasterHash:    master,
				HashTableSize: uint32(len(table)),
				BlockSize:     blockSize1000,
			}
			joined, err := storage.Join(storage.NewMemoryStorage(table), sec.content)
			if err != nil {
				return fmt.Errorf("section %d: %w", i, err)
			}
			sec.content = joined
		case nca.HashIvfc:
			// Carried through unchanged: sec.header.Ivfc already holds
			// the patch NCA's master hash and level table, valid
			// because RomFS bytes are bit-exact after composition.
		}
	}
	b.st = stateHashesFinalized
	return nil
}

// buildSha256Table hashes content in blockSize chunks and returns the
// contiguous digest table plus its own master hash.
func buildSha256Table(content storage.Storage, blockSize int64) ([]byte, [32]byte, error) {
	size := content.Size()
	numBlocks := (size + blockSize - 1) / blockSize
	table := make([]byte, numBlocks*32)
	buf := make([]byte, blockSize)
	for i := int64(0); i < numBlocks; i++ {
		off := i * blockSize
		n := blockSize
		if off+n > size {
			n = size - off
		}
		if _, err := content.ReadAt(buf[:n], off); err != nil {
			return nil, [32]byte{}, err
		}
		sum := ncacrypto.Sha256(buf[:n])
		copy(table[i*32:], sum[:])
	}
	return table, ncacrypto.Sha256(table), nil
}

// Seal lays out sections contiguously, recomputes per-section
// FsHeader hashes and header.content_size, encrypts the header, and
// returns the final assembled Storage.
func (b *Builder) Seal() (storage.Storage, error) {
	if b.st != stateHashesFinalized {
		return nil, fmt.Errorf("%w: Seal called out of order", ncaerr.ErrPreconditionViolation)
	}

	var segments []storage.ConcatSegment
	offset := int64(nca.HeaderSize)
	for i, sec := range b.sections {
		if sec == nil {
			continue
		}
		size := sec.content.Size()
		aligned := alignUp(size, nca.MediaSize)
		b.header.Sections[i] = nca.SectionEntry{
			StartBlock: uint32(offset / nca.MediaSize),
			EndBlock:   uint32((offset + aligned) / nca.MediaSize),
			Enabled:    true,
		}
		b.header.FsHeaders[i] = sec.header
		padded := sec.content
		if aligned != size {
			var err error
			padded, err = storage.Join(sec.content, storage.NewNullStorage(aligned-size))
			if err != nil {
				return nil, err
			}
		}
		segments = append(segments, storage.ConcatSegment{Offset: offset, Inner: padded})
		offset += aligned
	}
	b.header.ContentSize = uint64(offset)
	b.st = stateHeaderEncrypted

	headerBytes, err := nca.EmitHeader(b.header, b.ks)
	if err != nil {
		return nil, err
	}
	headerSeg := storage.ConcatSegment{Offset: 0, Inner: storage.NewMemoryStorage(headerBytes)}
	all := append([]storage.ConcatSegment{headerSeg}, segments...)

	out, err := storage.NewConcatenationStorage(all)
	if err != nil {
		return nil, err
	}
	b.st = stateSealed
	return out, nil
}

func alignUp(n, align int64) int64 {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}
