package nca

import (
	"encoding/binary"
	"fmt"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/storage"
)

const (
	// HeaderSize is the fixed, AES-XTS-encrypted NCA header size.
	HeaderSize = 0xC00
	// SectorSize is the AES-XTS sector size used for both the header
	// and legacy NCA2 "XtsOld" sections.
	SectorSize = 0x200
	// MediaSize expresses section entry start/end blocks.
	MediaSize = 0x200

	offMagic         = 0x200
	offDistType      = 0x204
	offContentType   = 0x205
	offKeyGen        = 0x206
	offKeyAreaIdx    = 0x207
	offContentSize   = 0x208
	offTitleID       = 0x210
	offContentIdx    = 0x218
	offSdkVersion    = 0x21C
	offKeyGen2       = 0x220
	offRightsID      = 0x230
	offSectionTables = 0x240
	offFsHeaderHash  = 0x280
	offKeyArea       = 0x300

	sectionEntrySize = 0x10
	fsHeaderSize     = 0x200
	fsHeaderHashSize = 0x20

	fsHeaderVersionOff  = 0x00
	fsHeaderFormatOff   = 0x02
	fsHeaderHashOff     = 0x03
	fsHeaderEncOff      = 0x04
	fsHeaderInfoOff     = 0x08
	fsHeaderPatchOff    = 0x100
	fsHeaderCounterOff  = 0x140

	ivfcInfoSize   = 0xF8
	sha256InfoSize = 0x28
	patchInfoSize  = 0x40

	ivfcLevels = 6
)

// SectionEntry is one of the four section descriptors at header
// offset 0x240.
type SectionEntry struct {
	StartBlock uint32
	EndBlock   uint32
	Enabled    bool
}

// Size returns the section's byte length.
func (e SectionEntry) Size() int64 {
	return int64(e.EndBlock-e.StartBlock) * MediaSize
}

// Offset returns the section's absolute byte offset within the NCA.
func (e SectionEntry) Offset() int64 {
	return int64(e.StartBlock) * MediaSize
}

// IvfcLevel is one level of a 6-level IVFC hash tree.
type IvfcLevel struct {
	Offset        uint64
	Size          uint64
	BlockSizeLog2 uint32
}

// IvfcInfo describes a RomFS section's multi-level hash tree.
type IvfcInfo struct {
	Magic      uint32
	Version    uint32
	Levels     [ivfcLevels]IvfcLevel
	MasterHash [32]byte
}

// Sha256Info describes a PartitionFs section's single-level hash
// tree: a contiguous hash table (HashTableSize bytes) immediately
// followed by the data it protects, hashed in BlockSize chunks.
type Sha256Info struct {
	MasterHash    [32]byte
	HashTableSize uint32
	BlockSize     uint32
}

// PatchInfo describes the two bucket trees that compose a
// patch section's effective content: Indirect splices base vs. patch
// bytes, AesCtrEx overrides the CTR counter's high bits per extent.
type PatchInfo struct {
	IndirectOffset int64
	IndirectSize   int64
	AesCtrExOffset int64
	AesCtrExSize   int64
}

// IsPatch reports whether this FsHeader carries patch info at all
// ("fs_header.is_patch_section").
func (p *PatchInfo) IsPatch() bool {
	return p != nil && (p.IndirectSize > 0 || p.AesCtrExSize > 0)
}

// FsHeader is the 0x200-byte per-section metadata block.
type FsHeader struct {
	Version        uint16
	Format         FormatType
	Hash           HashType
	Encryption     EncryptionType
	Ivfc           *IvfcInfo   // set iff Hash == HashIvfc
	Sha256         *Sha256Info // set iff Hash == HashSha256
	Patch          *PatchInfo  // nil if this section carries no patch info
	Counter        [8]byte     // IV base, big-endian high64 of the CTR counter
}

// NcaHeader is the parsed, plaintext form of the 0xC00-byte header.
type NcaHeader struct {
	FixedKeySig [0x100]byte
	NpdmSig     [0x100]byte
	Signature   SignatureVerdict

	Magic           Magic
	DistType        uint8
	ContentType     ContentType
	KeyGeneration   uint8 // old field, 0x206
	KeyAreaKeyIndex uint8
	ContentSize     uint64
	TitleID         uint64
	ContentIndex    uint32
	SdkVersion      uint32
	KeyGeneration2  uint8 // new field, 0x220; effective = max(old,new)
	RightsID        [0x10]byte

	Sections      [4]SectionEntry
	FsHeaderHash  [4][32]byte
	EncryptedKeys [4][16]byte // raw key area, decrypted per the key-area derivation

	// Nca0KeyAreaRSA holds the NCA0-only RSA-OAEP-wrapped key area.
	// Only meaningful when Magic == MagicNCA0; overlaps the
	// same on-disk region as EncryptedKeys/Reserved2 for that magic.
	Nca0KeyAreaRSA [0x100]byte

	FsHeaders [4]FsHeader
}

// EffectiveKeyGeneration returns max(KeyGeneration, KeyGeneration2),
// per the header's key-generation duplication.
func (h *NcaHeader) EffectiveKeyGeneration() int {
	g := int(h.KeyGeneration)
	if int(h.KeyGeneration2) > g {
		g = int(h.KeyGeneration2)
	}
	return g
}

// MasterKeyRevision returns max(0, EffectiveKeyGeneration-1).
func (h *NcaHeader) MasterKeyRevision() int {
	g := h.EffectiveKeyGeneration() - 1
	if g < 0 {
		return 0
	}
	return g
}

// HasRightsID reports whether this NCA is title-key-encrypted.
func (h *NcaHeader) HasRightsID() bool {
	var zero [0x10]byte
	return h.RightsID != zero
}

// ParseHeader reads bytes 0..0xC00 from s, decrypts them with the
// header key (AES-XTS, sector base 0), and parses the fixed layout.
// Handles all three magics and all four FsHeaders, including the
// IVFC/SHA-256/PatchInfo sub-layouts and FsHeader hash verification.
func ParseHeader(s storage.Storage, ks *keys.KeySet) (*NcaHeader, error) {
	enc := make([]byte, HeaderSize)
	if _, err := s.ReadAt(enc, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ncaerr.ErrIoFailure, err)
	}

	headerKey := ks.HeaderKey()
	if headerKey == nil {
		return nil, fmt.Errorf("%w: header_key not loaded", ncaerr.ErrMissingDecryptionKey)
	}
	xts, err := ncacrypto.NewXTS(headerKey, SectorSize)
	if err != nil {
		return nil, err
	}

	dec := make([]byte, HeaderSize)
	for sector := 0; sector < HeaderSize/SectorSize; sector++ {
		start := sector * SectorSize
		if err := xts.Decrypt(dec[start:start+SectorSize], enc[start:start+SectorSize], uint64(sector)); err != nil {
			return nil, fmt.Errorf("%w: sector %d: %v", ncaerr.ErrInvalidHeader, sector, err)
		}
	}

	h, err := parsePlaintextHeader(dec)
	if err != nil {
		return nil, err
	}
	h.Signature = verifySignatures(h, dec, ks)
	return h, nil
}

func parsePlaintextHeader(dec []byte) (*NcaHeader, error) {
	if len(dec) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ncaerr.ErrInvalidHeader)
	}

	h := &NcaHeader{}
	copy(h.FixedKeySig[:], dec[0x000:0x100])
	copy(h.NpdmSig[:], dec[0x100:0x200])
	copy(h.Magic[:], dec[offMagic:offMagic+4])

	if h.Magic != MagicNCA3 && h.Magic != MagicNCA2 && h.Magic != MagicNCA0 {
		return nil, fmt.Errorf("%w: bad magic %q", ncaerr.ErrInvalidHeader, h.Magic.String())
	}

	h.DistType = dec[offDistType]
	h.ContentType = ContentType(dec[offContentType])
	h.KeyGeneration = dec[offKeyGen]
	h.KeyAreaKeyIndex = dec[offKeyAreaIdx]
	h.ContentSize = binary.LittleEndian.Uint64(dec[offContentSize:])
	h.TitleID = binary.LittleEndian.Uint64(dec[offTitleID:])
	h.ContentIndex = binary.LittleEndian.Uint32(dec[offContentIdx:])
	h.SdkVersion = binary.LittleEndian.Uint32(dec[offSdkVersion:])
	h.KeyGeneration2 = dec[offKeyGen2]
	copy(h.RightsID[:], dec[offRightsID:offRightsID+0x10])

	for i := 0; i < 4; i++ {
		off := offSectionTables + i*sectionEntrySize
		h.Sections[i] = SectionEntry{
			StartBlock: binary.LittleEndian.Uint32(dec[off:]),
			EndBlock:   binary.LittleEndian.Uint32(dec[off+4:]),
			Enabled:    dec[off+8] != 0,
		}
		copy(h.FsHeaderHash[i][:], dec[offFsHeaderHash+i*fsHeaderHashSize:offFsHeaderHash+(i+1)*fsHeaderHashSize])
		copy(h.EncryptedKeys[i][:], dec[offKeyArea+i*16:offKeyArea+(i+1)*16])
	}

	if h.Magic == MagicNCA0 {
		copy(h.Nca0KeyAreaRSA[:], dec[offKeyArea:offKeyArea+0x100])
	}

	for i := 0; i < 4; i++ {
		off := 0x400 + i*fsHeaderSize
		fh, err := parseFsHeader(dec[off : off+fsHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("%w: fs header %d: %v", ncaerr.ErrInvalidHeader, i, err)
		}
		if h.Sections[i].Enabled {
			sum := ncacrypto.Sha256(dec[off : off+fsHeaderSize])
			if sum != h.FsHeaderHash[i] {
				return nil, fmt.Errorf("%w: fs header %d hash mismatch", ncaerr.ErrInvalidHeader, i)
			}
		}
		h.FsHeaders[i] = *fh
	}

	if err := validateSections(h); err != nil {
		return nil, err
	}

	return h, nil
}

func validateSections(h *NcaHeader) error {
	for i, e := range h.Sections {
		if !e.Enabled {
			continue
		}
		if e.EndBlock < e.StartBlock {
			return fmt.Errorf("%w: section %d end block %d < start block %d", ncaerr.ErrInvalidHeader, i, e.EndBlock, e.StartBlock)
		}
	}
	return nil
}

func parseFsHeader(b []byte) (*FsHeader, error) {
	fh := &FsHeader{
		Version:    binary.LittleEndian.Uint16(b[fsHeaderVersionOff:]),
		Format:     FormatType(b[fsHeaderFormatOff]),
		Hash:       HashType(b[fsHeaderHashOff]),
		Encryption: EncryptionType(b[fsHeaderEncOff]),
	}
	copy(fh.Counter[:], b[fsHeaderCounterOff:fsHeaderCounterOff+8])

	info := b[fsHeaderInfoOff : fsHeaderInfoOff+ivfcInfoSize]
	switch fh.Hash {
	case HashIvfc:
		ivfc := &IvfcInfo{
			Magic:   binary.LittleEndian.Uint32(info[0:]),
			Version: binary.LittleEndian.Uint32(info[4:]),
		}
		pos := 8
		for l := 0; l < ivfcLevels; l++ {
			ivfc.Levels[l] = IvfcLevel{
				Offset:        binary.LittleEndian.Uint64(info[pos:]),
				Size:          binary.LittleEndian.Uint64(info[pos+8:]),
				BlockSizeLog2: binary.LittleEndian.Uint32(info[pos+16:]),
			}
			pos += 24
		}
		copy(ivfc.MasterHash[:], info[pos:pos+32])
		fh.Ivfc = ivfc
	case HashSha256:
		sha := &Sha256Info{
			HashTableSize: binary.LittleEndian.Uint32(info[32:]),
			BlockSize:     binary.LittleEndian.Uint32(info[36:]),
		}
		copy(sha.MasterHash[:], info[0:32])
		fh.Sha256 = sha
	}

	patch := b[fsHeaderPatchOff : fsHeaderPatchOff+patchInfoSize]
	pi := &PatchInfo{
		IndirectOffset: int64(binary.LittleEndian.Uint64(patch[0:])),
		IndirectSize:   int64(binary.LittleEndian.Uint64(patch[8:])),
		AesCtrExOffset: int64(binary.LittleEndian.Uint64(patch[32:])),
		AesCtrExSize:   int64(binary.LittleEndian.Uint64(patch[40:])),
	}
	if pi.IsPatch() {
		fh.Patch = pi
	}

	return fh, nil
}

// EmitHeader serializes h back into a 0xC00 plaintext buffer and
// AES-XTS-encrypts it, the inverse of ParseHeader. Used by the builder
// to re-seal a freshly assembled header; signatures are
// copied through verbatim by the builder and are not recomputed here
// (the private keys required to do so are not public).
func EmitHeader(h *NcaHeader, ks *keys.KeySet) ([]byte, error) {
	dec := make([]byte, HeaderSize)
	copy(dec[0x000:0x100], h.FixedKeySig[:])
	copy(dec[0x100:0x200], h.NpdmSig[:])
	copy(dec[offMagic:], h.Magic[:])
	dec[offDistType] = h.DistType
	dec[offContentType] = uint8(h.ContentType)
	dec[offKeyGen] = h.KeyGeneration
	dec[offKeyAreaIdx] = h.KeyAreaKeyIndex
	binary.LittleEndian.PutUint64(dec[offContentSize:], h.ContentSize)
	binary.LittleEndian.PutUint64(dec[offTitleID:], h.TitleID)
	binary.LittleEndian.PutUint32(dec[offContentIdx:], h.ContentIndex)
	binary.LittleEndian.PutUint32(dec[offSdkVersion:], h.SdkVersion)
	dec[offKeyGen2] = h.KeyGeneration2
	copy(dec[offRightsID:offRightsID+0x10], h.RightsID[:])

	for i := 0; i < 4; i++ {
		off := offSectionTables + i*sectionEntrySize
		binary.LittleEndian.PutUint32(dec[off:], h.Sections[i].StartBlock)
		binary.LittleEndian.PutUint32(dec[off+4:], h.Sections[i].EndBlock)
		if h.Sections[i].Enabled {
			dec[off+8] = 1
		}
		copy(dec[offKeyArea+i*16:offKeyArea+(i+1)*16], h.EncryptedKeys[i][:])
	}

	if h.Magic == MagicNCA0 {
		copy(dec[offKeyArea:offKeyArea+0x100], h.Nca0KeyAreaRSA[:])
	}

	for i := 0; i < 4; i++ {
		off := 0x400 + i*fsHeaderSize
		emitFsHeader(dec[off:off+fsHeaderSize], &h.FsHeaders[i])
		if h.Sections[i].Enabled {
			h.FsHeaderHash[i] = ncacrypto.Sha256(dec[off : off+fsHeaderSize])
		}
		copy(dec[offFsHeaderHash+i*fsHeaderHashSize:offFsHeaderHash+(i+1)*fsHeaderHashSize], h.FsHeaderHash[i][:])
	}

	headerKey := ks.HeaderKey()
	if headerKey == nil {
		return nil, fmt.Errorf("%w: header_key not loaded", ncaerr.ErrMissingDecryptionKey)
	}
	xts, err := ncacrypto.NewXTS(headerKey, SectorSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize)
	for sector := 0; sector < HeaderSize/SectorSize; sector++ {
		start := sector * SectorSize
		if err := xts.Encrypt(out[start:start+SectorSize], dec[start:start+SectorSize], uint64(sector)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func emitFsHeader(b []byte, fh *FsHeader) {
	binary.LittleEndian.PutUint16(b[fsHeaderVersionOff:], fh.Version)
	b[fsHeaderFormatOff] = uint8(fh.Format)
	b[fsHeaderHashOff] = uint8(fh.Hash)
	b[fsHeaderEncOff] = uint8(fh.Encryption)
	copy(b[fsHeaderCounterOff:fsHeaderCounterOff+8], fh.Counter[:])

	info := b[fsHeaderInfoOff : fsHeaderInfoOff+ivfcInfoSize]
	switch fh.Hash {
	case HashIvfc:
		if fh.Ivfc != nil {
			binary.LittleEndian.PutUint32(info[0:], fh.Ivfc.Magic)
			binary.LittleEndian.PutUint32(info[4:], fh.Ivfc.Version)
			pos := 8
			for l := 0; l < ivfcLevels; l++ {
				lvl := fh.Ivfc.Levels[l]
				binary.LittleEndian.PutUint64(info[pos:], lvl.Offset)
				binary.LittleEndian.PutUint64(info[pos+8:], lvl.Size)
				binary.LittleEndian.PutUint32(info[pos+16:], lvl.BlockSizeLog2)
				pos += 24
			}
			copy(info[pos:pos+32], fh.Ivfc.MasterHash[:])
		}
	case HashSha256:
		if fh.Sha256 != nil {
			copy(info[0:32], fh.Sha256.MasterHash[:])
			binary.LittleEndian.PutUint32(info[32:], fh.Sha256.HashTableSize)
			binary.LittleEndian.PutUint32(info[36:], fh.Sha256.BlockSize)
		}
	}

	patch := b[fsHeaderPatchOff : fsHeaderPatchOff+patchInfoSize]
	if fh.Patch != nil {
		binary.LittleEndian.PutUint64(patch[0:], uint64(fh.Patch.IndirectOffset))
		binary.LittleEndian.PutUint64(patch[8:], uint64(fh.Patch.IndirectSize))
		binary.LittleEndian.PutUint64(patch[32:], uint64(fh.Patch.AesCtrExOffset))
		binary.LittleEndian.PutUint64(patch[40:], uint64(fh.Patch.AesCtrExSize))
	}
}

// ClearPatchInfo drops a section's PatchInfo, used by the builder to
// mark merged sections as no longer being patches.
func (fh *FsHeader) ClearPatchInfo() {
	fh.Patch = nil
}
