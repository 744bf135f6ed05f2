package crypto

import (
	"crypto/cipher"
	"encoding/binary"
)

// CTRCounter is the 128-bit AES-CTR counter used by NCA sections:
// the high 64 bits come from the FsHeader's section counter (for
// AES-CTR-EX ranges, the upper 32 of them are replaced by the bucket
// tree's per-extent generation id);
// the low 64 bits are the absolute byte offset divided by the AES
// block size (16), big-endian.
type CTRCounter struct {
	High uint64
	Low  uint64
}

func (c CTRCounter) bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], c.High)
	binary.BigEndian.PutUint64(b[8:16], c.Low)
	return b
}

// NewCTRStream returns an AES-CTR keystream positioned so that the
// first keystream byte produced corresponds to absoluteOffset. Callers
// seeking within a 16-byte block must discard the leading bytes of the
// keystream themselves (see storage.AesCtrStorage).
func NewCTRStream(key []byte, iv [8]byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	counter := CTRCounter{
		High: binary.BigEndian.Uint64(iv[:]),
		Low:  uint64(absoluteOffset) >> 4,
	}
	b := counter.bytes()
	return cipher.NewCTR(block, b[:]), nil
}

// NewCTRStreamHigh is like NewCTRStream but takes the high 64 bits of
// the counter directly, e.g. the combined value of an AES-CTR-EX range
// (generation id in the upper 32 bits, FsHeader counter in the lower).
func NewCTRStreamHigh(key []byte, high uint64, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	counter := CTRCounter{High: high, Low: uint64(absoluteOffset) >> 4}
	b := counter.bytes()
	return cipher.NewCTR(block, b[:]), nil
}

// BlockOffset returns how many bytes into its 16-byte AES block the
// given absolute offset falls, i.e. how many leading keystream bytes
// must be discarded after seeking a CTR stream to that block.
func BlockOffset(absoluteOffset int64) int {
	return int(absoluteOffset & 0xF)
}

// BlockAlign rounds an offset down to the start of its 16-byte block.
func BlockAlign(absoluteOffset int64) int64 {
	return absoluteOffset &^ 0xF
}
