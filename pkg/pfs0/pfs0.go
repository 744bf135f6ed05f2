// Package pfs0 reads the PartitionFs container format used by ExeFS
// and CNMT-PFS sections: a fixed header, a flat array of file entries,
// and a string table, followed immediately by file data.
//
// Implements nca.FileSystem over a Storage rather than a plain file,
// since sections are opened through the decrypt/verify storage chain.
package pfs0

import (
	"encoding/binary"
	"fmt"

	"github.com/falk/nca-go/pkg/storage"
)

const (
	headerSize    = 16
	fileEntrySize = 24
)

var magic = [4]byte{'P', 'F', 'S', '0'}

type fileEntry struct {
	dataOffset int64
	dataSize   int64
}

// Reader is an opened PartitionFs: the file-name-to-entry map plus the
// storage its data lives in.
type Reader struct {
	inner   storage.Storage
	entries map[string]fileEntry
	names   []string
}

// Open parses a PFS0 header, file entry table, and string table off
// the front of inner, and returns a Reader over the content that
// follows.
func Open(inner storage.Storage) (*Reader, error) {
	hdr := make([]byte, headerSize)
	if _, err := inner.ReadAt(hdr, 0); err != nil {
		return nil, err
	}
	if [4]byte(hdr[0:4]) != magic {
		return nil, fmt.Errorf("pfs0: bad magic %q", hdr[0:4])
	}
	numFiles := binary.LittleEndian.Uint32(hdr[4:8])
	stringTableSize := binary.LittleEndian.Uint32(hdr[8:12])

	entryTable := make([]byte, int(numFiles)*fileEntrySize)
	if _, err := inner.ReadAt(entryTable, headerSize); err != nil {
		return nil, err
	}
	stringTableOff := int64(headerSize) + int64(len(entryTable))
	stringTable := make([]byte, stringTableSize)
	if _, err := inner.ReadAt(stringTable, stringTableOff); err != nil {
		return nil, err
	}
	dataStart := stringTableOff + int64(stringTableSize)

	r := &Reader{inner: inner, entries: make(map[string]fileEntry, numFiles)}
	for i := uint32(0); i < numFiles; i++ {
		off := int(i) * fileEntrySize
		dataOffset := int64(binary.LittleEndian.Uint64(entryTable[off:]))
		dataSize := int64(binary.LittleEndian.Uint64(entryTable[off+8:]))
		nameOffset := binary.LittleEndian.Uint32(entryTable[off+16:])

		name, err := readName(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}
		r.entries[name] = fileEntry{dataOffset: dataStart + dataOffset, dataSize: dataSize}
		r.names = append(r.names, name)
	}
	return r, nil
}

func readName(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("pfs0: name offset %d out of bounds", offset)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

// List returns every file name in the partition, in header order.
func (r *Reader) List() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Open returns a Storage over the named file's content.
func (r *Reader) Open(name string) (storage.Storage, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("pfs0: no such file %q", name)
	}
	return storage.NewSliceStorage(r.inner, e.dataOffset, e.dataSize)
}
