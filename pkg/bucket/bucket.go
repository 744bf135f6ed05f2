// Package bucket implements the sorted, on-disk interval index used to
// splice patch data into base data (IndirectStorage) and to override
// the AES-CTR counter's high bits per byte range (AesCtrExStorage). A
// single reader serves both consumers, walking a bucket-header +
// base-offset-table + per-bucket entry-list layout to recover a
// sequence of {virtualOffset, payload} ranges, with payload
// interpreted by the caller (base/patch selector, or CTR-EX
// generation id).
package bucket

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Entry is one {virtualOffset, payload} record. The interval it
// covers runs from Offset to the next entry's Offset (or to the
// tree's declared end offset for the last entry).
type Entry struct {
	Offset  uint64
	Payload uint64
}

// Tree is a parsed, in-memory bucket tree: entries across all buckets,
// flattened and sorted by virtual offset, since the trees sized for
// NCA sections comfortably fit in memory.
type Tree struct {
	entries []Entry
	end     uint64
}

const (
	bucketHeaderSize    = 16
	baseOffsetTableSize = 0x3FF0
	entrySize           = 16
)

// Parse decodes a bucket tree from raw, already-decrypted bytes, per
// the on-disk layout: a 16-byte header (padding, bucketCount u32,
// totalSize/end-offset u64), a base-offset table, then bucketCount
// buckets each with {padding u32, entryCount u32, endOffset u64}
// followed by entryCount {virtualOffset u64, payload u64} entries.
func Parse(raw []byte) (*Tree, error) {
	if len(raw) < bucketHeaderSize {
		return nil, fmt.Errorf("bucket: tree too small (%d bytes)", len(raw))
	}
	bucketCount := binary.LittleEndian.Uint32(raw[4:8])
	end := binary.LittleEndian.Uint64(raw[8:16])
	if bucketCount == 0 {
		return &Tree{end: end}, nil
	}

	pos := bucketHeaderSize + baseOffsetTableSize
	if pos > len(raw) {
		return nil, fmt.Errorf("bucket: tree missing base offset table")
	}

	var entries []Entry
	for i := uint32(0); i < bucketCount; i++ {
		if pos+16 > len(raw) {
			return nil, fmt.Errorf("bucket: truncated bucket header at bucket %d", i)
		}
		entryCount := binary.LittleEndian.Uint32(raw[pos+4 : pos+8])
		pos += 16
		for j := uint32(0); j < entryCount; j++ {
			if pos+entrySize > len(raw) {
				return nil, fmt.Errorf("bucket: truncated entry at bucket %d entry %d", i, j)
			}
			entries = append(entries, Entry{
				Offset:  binary.LittleEndian.Uint64(raw[pos : pos+8]),
				Payload: binary.LittleEndian.Uint64(raw[pos+8 : pos+16]),
			})
			pos += entrySize
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return &Tree{entries: entries, end: end}, nil
}

// End returns the virtual end offset the tree was declared over.
func (t *Tree) End() uint64 { return t.end }

// Empty reports whether the tree has no entries (e.g. a non-patch
// section with a zeroed PatchInfo).
func (t *Tree) Empty() bool { return len(t.entries) == 0 }

// Range is an interval [Start,End) sharing one Payload. Find returns
// the whole interval; Walk clips it to the caller's [start,end).
type Range struct {
	Start, End uint64
	Payload    uint64
}

// Find returns the interval containing virtualOffset. The caller must
// re-invoke Find with the previous range's End to continue walking
// a read that spans multiple intervals.
func (t *Tree) Find(virtualOffset uint64) (Range, error) {
	if len(t.entries) == 0 {
		return Range{}, fmt.Errorf("bucket: empty tree has no entries")
	}
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Offset > virtualOffset
	}) - 1
	if idx < 0 {
		return Range{}, fmt.Errorf("bucket: offset %d before first entry", virtualOffset)
	}
	entry := t.entries[idx]
	end := t.end
	if idx+1 < len(t.entries) {
		end = t.entries[idx+1].Offset
	}
	return Range{Start: entry.Offset, End: end, Payload: entry.Payload}, nil
}

// Walk invokes fn for every interval overlapping [start,end), in
// ascending order, stopping early if fn returns false.
func (t *Tree) Walk(start, end uint64, fn func(Range) bool) error {
	for cur := start; cur < end; {
		r, err := t.Find(cur)
		if err != nil {
			return err
		}
		clipped := r
		if clipped.Start < start {
			clipped.Start = start
		}
		if clipped.End > end {
			clipped.End = end
		}
		if !fn(clipped) {
			return nil
		}
		cur = r.End
	}
	return nil
}
