package storage

import (
	ncacrypto "github.com/falk/nca-go/pkg/crypto"
)

// AesCtrStorage decrypts inner on the fly with AES-128-CTR, using a
// 128-bit counter whose high 64 bits are a fixed IV and whose low 64
// bits are the absolute byte offset (baseOffset+off) divided by 16.
// Seeking to any 16-byte-aligned offset is O(1).
type AesCtrStorage struct {
	inner      Storage
	key        []byte
	iv         [8]byte
	baseOffset int64
}

// NewAesCtrStorage wraps inner; baseOffset is the absolute byte offset
// inner's own offset 0 corresponds to (the section's start within the
// NCA file), since the counter is computed from the NCA-absolute
// offset, not the section-relative one.
func NewAesCtrStorage(inner Storage, key []byte, iv [8]byte, baseOffset int64) *AesCtrStorage {
	return &AesCtrStorage{inner: inner, key: key, iv: iv, baseOffset: baseOffset}
}

func (s *AesCtrStorage) Size() int64 { return s.inner.Size() }

func (s *AesCtrStorage) ReadAt(buf []byte, off int64) (int, error) {
	return readCtr(s.inner, s.key, s.iv, s.baseOffset, buf, off)
}

// readCtr implements AesCtrStorage.ReadAt: it aligns the read to a 16-byte AES block boundary so the
// CTR counter's low bits always start a stream, then discards the
// leading bytes the caller didn't ask for.
func readCtr(inner Storage, key []byte, iv [8]byte, baseOffset int64, buf []byte, off int64) (int, error) {
	abs := baseOffset + off
	blockStart := ncacrypto.BlockAlign(abs)
	discard := ncacrypto.BlockOffset(abs)

	raw := make([]byte, discard+len(buf))
	n, err := inner.ReadAt(raw, off-int64(discard))
	if err != nil {
		return 0, err
	}
	raw = raw[:n]
	if len(raw) <= discard {
		return 0, nil
	}

	stream, err := ncacrypto.NewCTRStream(key, iv, blockStart)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(raw, raw)

	return copy(buf, raw[discard:]), nil
}
