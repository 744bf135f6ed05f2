// Package nsz implements the NCZ distribution-compression container:
// an NCA's header bytes copied through as stored (still encrypted), followed by a
// section table (recording each section's crypto parameters so a
// decompressor can re-encrypt on the fly) and a block table of
// independently zstd-compressed chunks. Compression runs directly
// over an already-opened NCA's parsed section table rather than a
// second from-scratch parse of a plain file handle.
package nsz

import (
	"encoding/binary"
	"io"
)

const (
	MagicNCZSECTN = "NCZSECTN"
	MagicNCZBLOCK = "NCZBLOCK"
)

// SectionEntry records one NCA section's crypto parameters, so a
// decompressor can re-derive the exact keystream CompressNca stripped
// out before compressing.
type SectionEntry struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

type sectionHeader struct {
	Magic        [8]byte
	SectionCount uint64
}

// WriteSectionTable serializes sections, prefixed by the NCZSECTN
// header.
func WriteSectionTable(w io.Writer, sections []SectionEntry) error {
	var h sectionHeader
	copy(h.Magic[:], MagicNCZSECTN)
	h.SectionCount = uint64(len(sections))
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, s := range sections {
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadSectionTable parses a section table previously written by
// WriteSectionTable.
func ReadSectionTable(r io.Reader) ([]SectionEntry, error) {
	var h sectionHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	sections := make([]SectionEntry, h.SectionCount)
	if err := binary.Read(r, binary.LittleEndian, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

// BlockHeader describes the fixed-size-input, variable-size-output
// block table that follows the section table.
type BlockHeader struct {
	Magic            [8]byte // NCZBLOCK
	Version          uint8   // 2
	Type             uint8   // 1
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

// WriteBlockHeader writes h with the NCZBLOCK magic already set.
func WriteBlockHeader(w io.Writer, h BlockHeader) error {
	copy(h.Magic[:], MagicNCZBLOCK)
	return binary.Write(w, binary.LittleEndian, h)
}

// ReadBlockHeader reads a block header; it does not check the magic
// (Decompress does).
func ReadBlockHeader(r io.Reader) (BlockHeader, error) {
	var h BlockHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}
	return h, nil
}
