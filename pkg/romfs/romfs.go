// Package romfs reads the RomFs container format used by Data
// sections: a small fixed header locating four tables (directory hash
// buckets, directory entries, file hash buckets, file entries) that
// together form a B-tree-like hierarchy over a trailing data region.
//
// Uses the same Storage-over-Storage reader shape pkg/pfs0 uses for
// the sibling PartitionFs format.
package romfs

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/falk/nca-go/pkg/storage"
)

const headerSize = 0x50

type header struct {
	dirHashTableOff   int64
	dirHashTableSize  int64
	dirMetaTableOff   int64
	dirMetaTableSize  int64
	fileHashTableOff  int64
	fileHashTableSize int64
	fileMetaTableOff  int64
	fileMetaTableSize int64
	dataOffset        int64
}

const invalidEntry = 0xFFFFFFFF

// Reader is an opened RomFs: every file's logical path mapped to its
// data range, resolved by walking the directory tree once at Open
// time rather than on every lookup.
type Reader struct {
	inner storage.Storage
	files map[string]fileRange
	names []string
}

type fileRange struct {
	offset int64
	size   int64
}

// Open parses inner's RomFs header and directory/file metadata tables,
// and returns a Reader exposing every file by its full slash-separated
// path from the root.
func Open(inner storage.Storage) (*Reader, error) {
	raw := make([]byte, headerSize)
	if _, err := inner.ReadAt(raw, 0); err != nil {
		return nil, err
	}
	h := header{
		dirHashTableOff:   int64(binary.LittleEndian.Uint64(raw[0x08:])),
		dirHashTableSize:  int64(binary.LittleEndian.Uint64(raw[0x10:])),
		dirMetaTableOff:   int64(binary.LittleEndian.Uint64(raw[0x18:])),
		dirMetaTableSize:  int64(binary.LittleEndian.Uint64(raw[0x20:])),
		fileHashTableOff:  int64(binary.LittleEndian.Uint64(raw[0x28:])),
		fileHashTableSize: int64(binary.LittleEndian.Uint64(raw[0x30:])),
		fileMetaTableOff:  int64(binary.LittleEndian.Uint64(raw[0x38:])),
		fileMetaTableSize: int64(binary.LittleEndian.Uint64(raw[0x40:])),
		dataOffset:        int64(binary.LittleEndian.Uint64(raw[0x48:])),
	}

	dirMeta := make([]byte, h.dirMetaTableSize)
	if _, err := inner.ReadAt(dirMeta, h.dirMetaTableOff); err != nil {
		return nil, err
	}
	fileMeta := make([]byte, h.fileMetaTableSize)
	if _, err := inner.ReadAt(fileMeta, h.fileMetaTableOff); err != nil {
		return nil, err
	}

	r := &Reader{inner: inner, files: make(map[string]fileRange)}
	if err := r.walkDir(dirMeta, fileMeta, 0, "", h.dataOffset); err != nil {
		return nil, err
	}
	return r, nil
}

// walkDir recurses over dirMeta's directory-entry linked lists
// (sibling chain for entries in the same directory, child for the
// first subdirectory, file for the first file), accumulating every
// file's absolute path and data range.
func (r *Reader) walkDir(dirMeta, fileMeta []byte, dirOffset uint32, prefix string, dataOffset int64) error {
	if dirOffset == invalidEntry {
		return nil
	}
	d, err := parseDirEntry(dirMeta, dirOffset)
	if err != nil {
		return err
	}

	for fileOff := d.file; fileOff != invalidEntry; {
		f, err := parseFileEntry(fileMeta, fileOff)
		if err != nil {
			return err
		}
		full := path.Join(prefix, f.name)
		r.files[full] = fileRange{offset: dataOffset + f.dataOffset, size: f.dataSize}
		r.names = append(r.names, full)
		fileOff = f.sibling
	}

	for childOff := d.child; childOff != invalidEntry; {
		child, err := parseDirEntry(dirMeta, childOff)
		if err != nil {
			return err
		}
		if err := r.walkDir(dirMeta, fileMeta, childOff, path.Join(prefix, child.name), dataOffset); err != nil {
			return err
		}
		childOff = child.sibling
	}
	return nil
}

type dirEntry struct {
	sibling uint32
	child   uint32
	file    uint32
	name    string
}

func parseDirEntry(table []byte, off uint32) (dirEntry, error) {
	if int64(off)+0x14 > int64(len(table)) {
		return dirEntry{}, fmt.Errorf("romfs: directory entry at %d out of bounds", off)
	}
	b := table[off:]
	nameSize := binary.LittleEndian.Uint32(b[0x14:])
	nameStart := off + 0x18
	if int64(nameStart)+int64(nameSize) > int64(len(table)) {
		return dirEntry{}, fmt.Errorf("romfs: directory name at %d out of bounds", off)
	}
	return dirEntry{
		sibling: binary.LittleEndian.Uint32(b[0x04:]),
		child:   binary.LittleEndian.Uint32(b[0x08:]),
		file:    binary.LittleEndian.Uint32(b[0x0C:]),
		name:    string(table[nameStart : nameStart+nameSize]),
	}, nil
}

type fileEntry struct {
	sibling    uint32
	dataOffset int64
	dataSize   int64
	name       string
}

func parseFileEntry(table []byte, off uint32) (fileEntry, error) {
	if int64(off)+0x20 > int64(len(table)) {
		return fileEntry{}, fmt.Errorf("romfs: file entry at %d out of bounds", off)
	}
	b := table[off:]
	nameSize := binary.LittleEndian.Uint32(b[0x1C:])
	nameStart := off + 0x20
	if int64(nameStart)+int64(nameSize) > int64(len(table)) {
		return fileEntry{}, fmt.Errorf("romfs: file name at %d out of bounds", off)
	}
	return fileEntry{
		sibling:    binary.LittleEndian.Uint32(b[0x04:]),
		dataOffset: int64(binary.LittleEndian.Uint64(b[0x08:])),
		dataSize:   int64(binary.LittleEndian.Uint64(b[0x10:])),
		name:       string(table[nameStart : nameStart+nameSize]),
	}, nil
}

// List returns every file path in the RomFs, root-relative and
// slash-separated (no leading slash).
func (r *Reader) List() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Open returns a Storage over the named file's content. name may be
// given with or without a leading slash.
func (r *Reader) Open(name string) (storage.Storage, error) {
	name = strings.TrimPrefix(name, "/")
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("romfs: no such file %q", name)
	}
	return storage.NewSliceStorage(r.inner, f.offset, f.size)
}
