// Package cnmt parses and rewrites a title's "Content Meta" descriptor:
// the PFS0-embedded file that enumerates the NCAs a title is built
// from. The builder's meta-NCA patching step rewrites only the
// content-entries list; every other header field is preserved
// verbatim.
package cnmt

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize       = 0x20
	contentEntrySize = 0x38
)

// ContentType classifies a CNMT content entry.
type ContentType uint8

const (
	ContentTypeMeta ContentType = iota
	ContentTypeProgram
	ContentTypeData
	ContentTypeControl
	ContentTypeHtmlDocument
	ContentTypeLegalInformation
	ContentTypeDeltaFragment
)

// ContentEntry is one entry in a CNMT's content-entries list: the NCA
// a title is built from, identified by its content hash and the NCA id
// (the hash's first 16 bytes).
type ContentEntry struct {
	Hash  [32]byte
	NcaID [16]byte
	Size  uint64 // 48 bits on disk
	Type  ContentType
}

// Meta is a parsed CNMT file. The fixed header and the per-type
// extended header that follows it (title id, version, type, and
// content-type-specific fields this package doesn't interpret) are
// preserved verbatim; only the content-entries list is mutable.
type Meta struct {
	header      []byte // headerSize bytes; NumContentEntries is rewritten on Emit
	extended    []byte // fieldSize bytes, opaque
	entries     []ContentEntry
	metaEntries []byte // trailing meta-entry table and digest, opaque
}

// Parse reads a CNMT file's fixed header, skips its extended header
// (sized per the header's declared field size), and decodes the
// content-entries array that follows.
func Parse(data []byte) (*Meta, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("cnmt: file too short")
	}
	fieldSize := binary.LittleEndian.Uint16(data[0x0E:])
	numContent := binary.LittleEndian.Uint16(data[0x10:])

	extStart := headerSize
	extEnd := extStart + int(fieldSize)
	if extEnd > len(data) {
		return nil, fmt.Errorf("cnmt: extended header overruns file")
	}

	entriesStart := extEnd
	entriesEnd := entriesStart + int(numContent)*contentEntrySize
	if entriesEnd > len(data) {
		return nil, fmt.Errorf("cnmt: content entries overrun file")
	}

	m := &Meta{
		header:      append([]byte{}, data[:headerSize]...),
		extended:    append([]byte{}, data[extStart:extEnd]...),
		metaEntries: append([]byte{}, data[entriesEnd:]...),
	}
	for i := 0; i < int(numContent); i++ {
		off := entriesStart + i*contentEntrySize
		var e ContentEntry
		copy(e.Hash[:], data[off:off+32])
		copy(e.NcaID[:], data[off+32:off+48])
		e.Size = readUint48(data[off+48 : off+54])
		e.Type = ContentType(data[off+54])
		m.entries = append(m.entries, e)
	}
	return m, nil
}

// Entries returns a copy of the current content-entries list.
func (m *Meta) Entries() []ContentEntry {
	return append([]ContentEntry(nil), m.entries...)
}

// SetContentEntries replaces the content-entries list wholesale. Used
// by the builder to describe the NCAs a full-title re-emission just
// produced, in place of the base title's original content list.
func (m *Meta) SetContentEntries(entries []ContentEntry) {
	m.entries = entries
}

// Emit serializes the header (with NumContentEntries updated),
// extended header, content entries, and trailing meta-entry table back
// into a single CNMT file.
func (m *Meta) Emit() []byte {
	header := append([]byte(nil), m.header...)
	binary.LittleEndian.PutUint16(header[0x10:], uint16(len(m.entries)))

	out := make([]byte, 0, len(header)+len(m.extended)+len(m.entries)*contentEntrySize+len(m.metaEntries))
	out = append(out, header...)
	out = append(out, m.extended...)
	for _, e := range m.entries {
		buf := make([]byte, contentEntrySize)
		copy(buf[0:32], e.Hash[:])
		copy(buf[32:48], e.NcaID[:])
		writeUint48(buf[48:54], e.Size)
		buf[54] = uint8(e.Type)
		out = append(out, buf...)
	}
	out = append(out, m.metaEntries...)
	return out
}

func readUint48(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func writeUint48(b []byte, v uint64) {
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
