package pfs0

import (
	"encoding/binary"
	"fmt"
	"io"
)

// entry mirrors the on-disk 24-byte PFS0 file entry while it is being
// assembled (data offset/size are filled in as files are added).
type entry struct {
	dataOffset int64
	dataSize   int64
	nameOffset uint32
}

// Writer builds a PFS0 partition into an io.Writer, used by the
// builder's meta-NCA CNMT patching step (rewriting the CNMT file list
// after merging a base and a patch NCA) so the builder can feed it
// straight into an in-progress NCA section rather than a standalone
// file.
type Writer struct {
	stringTable []byte
	entries     []entry
	headerSize  int64
	pending     []fileContent
}

// NewWriter precomputes the header/entry-table/string-table layout for
// fileNames; call AddFileContent once per index, then Finalize.
func NewWriter(fileNames []string) *Writer {
	var stringTable []byte
	entries := make([]entry, len(fileNames))
	for i, name := range fileNames {
		entries[i].nameOffset = uint32(len(stringTable))
		stringTable = append(stringTable, []byte(name)...)
		stringTable = append(stringTable, 0)
	}
	return &Writer{
		stringTable: stringTable,
		entries:     entries,
		headerSize:  int64(headerSize + len(entries)*fileEntrySize + len(stringTable)),
	}
}

// HeaderSize returns the byte offset file data begins at in the image
// Finalize writes (header, entry table and string table).
func (w *Writer) HeaderSize() int64 { return w.headerSize }

// fileContent accumulates data written by AddFileContent so Finalize
// can emit header, entries, string table, and data in the correct
// on-disk order in one pass.
type fileContent struct {
	index int
	data  []byte
}

// AddFileContent registers index's content in memory; CNMT files are
// always small (a handful of KB), so buffering is simpler than a
// two-pass streaming writer here.
func (w *Writer) AddFileContent(index int, data []byte) {
	w.entries[index].dataSize = int64(len(data))
	w.pending = append(w.pending, fileContent{index: index, data: data})
}

// Finalize writes the complete PFS0 image (header, entry table, string
// table, then file data in index order) to out.
func (w *Writer) Finalize(out io.Writer) error {
	byIndex := make(map[int][]byte, len(w.pending))
	for _, fc := range w.pending {
		byIndex[fc.index] = fc.data
	}
	offset := int64(0)
	for i := range w.entries {
		data, ok := byIndex[i]
		if !ok {
			return fmt.Errorf("pfs0: file index %d has no content", i)
		}
		w.entries[i].dataOffset = offset
		offset += int64(len(data))
	}

	header := make([]byte, headerSize)
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(w.entries)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(w.stringTable)))
	if _, err := out.Write(header); err != nil {
		return err
	}

	entryTable := make([]byte, len(w.entries)*fileEntrySize)
	for i, e := range w.entries {
		off := i * fileEntrySize
		binary.LittleEndian.PutUint64(entryTable[off:], uint64(e.dataOffset))
		binary.LittleEndian.PutUint64(entryTable[off+8:], uint64(e.dataSize))
		binary.LittleEndian.PutUint32(entryTable[off+16:], e.nameOffset)
	}
	if _, err := out.Write(entryTable); err != nil {
		return err
	}
	if _, err := out.Write(w.stringTable); err != nil {
		return err
	}

	for i := range w.entries {
		if _, err := out.Write(byIndex[i]); err != nil {
			return err
		}
	}
	return nil
}
