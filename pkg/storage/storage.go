// Package storage provides the byte-addressable logical storage
// abstraction that every decrypt/verify/patch layer in the NCA codec
// composes over: an explicit, size-aware interface in the pervasive
// io.ReaderAt / io.SectionReader style.
package storage

import (
	"fmt"
	"os"
	"sort"
)

// Storage is a random-access byte source of known size. Reads past
// the end of the storage return a short count without error, matching
// io.ReaderAt's "read what's there" contract rather than io.EOF-on-short-read.
type Storage interface {
	// ReadAt reads len(buf) bytes starting at off, returning the
	// number of bytes actually read. A read entirely past the end of
	// the storage returns 0, nil.
	ReadAt(buf []byte, off int64) (int, error)
	// Size returns the total addressable length of the storage.
	Size() int64
}

// FileStorage wraps an on-disk file opened for random-access reads.
type FileStorage struct {
	f    *os.File
	size int64
}

// OpenFileStorage opens path read-only as a Storage.
func OpenFileStorage(path string) (*FileStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileStorage{f: f, size: info.Size()}, nil
}

// NewFileStorage wraps an already-open file, taking ownership of it.
func NewFileStorage(f *os.File) (*FileStorage, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &FileStorage{f: f, size: info.Size()}, nil
}

func (s *FileStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, nil
	}
	n, err := s.f.ReadAt(buf, off)
	if n > 0 {
		return n, nil
	}
	return n, err
}

func (s *FileStorage) Size() int64 { return s.size }

// Close releases the underlying file descriptor.
func (s *FileStorage) Close() error { return s.f.Close() }

// MemoryStorage serves reads out of an in-memory byte slice.
type MemoryStorage struct {
	buf []byte
}

// NewMemoryStorage wraps buf directly (no copy); callers must not
// mutate buf concurrently with reads.
func NewMemoryStorage(buf []byte) *MemoryStorage {
	return &MemoryStorage{buf: buf}
}

func (s *MemoryStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		return 0, nil
	}
	n := copy(buf, s.buf[off:])
	return n, nil
}

func (s *MemoryStorage) Size() int64 { return int64(len(s.buf)) }

// Bytes returns the underlying buffer, for callers that built the
// header in place and now want to re-encrypt it.
func (s *MemoryStorage) Bytes() []byte { return s.buf }

// NullStorage reads as an all-zero region of the given size, used for
// disabled sections and alignment padding.
type NullStorage struct {
	size int64
}

// NewNullStorage creates a zero-filled Storage of the given size.
func NewNullStorage(size int64) *NullStorage {
	return &NullStorage{size: size}
}

func (s *NullStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, nil
	}
	n := len(buf)
	if off+int64(n) > s.size {
		n = int(s.size - off)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

func (s *NullStorage) Size() int64 { return s.size }

// SliceStorage exposes [offset, offset+size) of inner as a
// zero-based Storage.
type SliceStorage struct {
	inner  Storage
	offset int64
	size   int64
}

// NewSliceStorage validates that [offset, offset+size) lies within
// inner before returning the view.
func NewSliceStorage(inner Storage, offset, size int64) (*SliceStorage, error) {
	if offset < 0 || size < 0 || offset+size > inner.Size() {
		return nil, fmt.Errorf("storage: slice [%d,%d) out of range of size %d", offset, offset+size, inner.Size())
	}
	return &SliceStorage{inner: inner, offset: offset, size: size}, nil
}

func (s *SliceStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, nil
	}
	want := int64(len(buf))
	if off+want > s.size {
		want = s.size - off
	}
	return s.inner.ReadAt(buf[:want], s.offset+off)
}

func (s *SliceStorage) Size() int64 { return s.size }

// ConcatSegment is one input storage placed at a fixed offset within a
// ConcatenationStorage.
type ConcatSegment struct {
	Offset int64
	Inner  Storage
}

// ConcatenationStorage presents a list of non-overlapping, ascending,
// zero-based-contiguous segments as one logical Storage, used to
// assemble the final NCA image (header || sections || padding).
type ConcatenationStorage struct {
	segments []ConcatSegment
	size     int64
}

// NewConcatenationStorage validates full, gapless, non-overlapping
// coverage from offset 0.
func NewConcatenationStorage(segments []ConcatSegment) (*ConcatenationStorage, error) {
	sorted := make([]ConcatSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var want int64
	for _, seg := range sorted {
		if seg.Offset != want {
			return nil, fmt.Errorf("storage: concatenation gap/overlap at offset %d (expected %d)", seg.Offset, want)
		}
		want += seg.Inner.Size()
	}
	return &ConcatenationStorage{segments: sorted, size: want}, nil
}

// Join concatenates storages in order into one logical Storage, with
// offsets computed automatically. A convenience wrapper around
// NewConcatenationStorage for callers (the builder's SHA-256 table
// prepend and section padding) that just want "these pieces, back to back".
func Join(storages ...Storage) (Storage, error) {
	segments := make([]ConcatSegment, len(storages))
	offset := int64(0)
	for i, s := range storages {
		segments[i] = ConcatSegment{Offset: offset, Inner: s}
		offset += s.Size()
	}
	return NewConcatenationStorage(segments)
}

func (s *ConcatenationStorage) Size() int64 { return s.size }

func (s *ConcatenationStorage) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, nil
	}
	// Binary search for the segment containing off.
	idx := sort.Search(len(s.segments), func(i int) bool {
		seg := s.segments[i]
		return seg.Offset+seg.Inner.Size() > off
	})
	total := 0
	for idx < len(s.segments) && total < len(buf) {
		seg := s.segments[idx]
		localOff := off + int64(total) - seg.Offset
		if localOff < 0 || localOff >= seg.Inner.Size() {
			break
		}
		n, err := seg.Inner.ReadAt(buf[total:], localOff)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		idx++
	}
	return total, nil
}
