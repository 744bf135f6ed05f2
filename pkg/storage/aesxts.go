package storage

import (
	ncacrypto "github.com/falk/nca-go/pkg/crypto"
)

// AesXtsStorage decrypts inner on the fly with AES-128-XTS, addressed
// by sector (sectorBase + off/sectorSize). Used for legacy NCA2
// "XtsOld" sections.
type AesXtsStorage struct {
	inner      Storage
	xts        *ncacrypto.XTS
	sectorBase uint64
}

// NewAesXtsStorage wraps inner for decryption; sectorBase
// is the absolute sector index inner's offset 0 corresponds to.
func NewAesXtsStorage(inner Storage, key []byte, sectorSize int, sectorBase uint64) (*AesXtsStorage, error) {
	xts, err := ncacrypto.NewXTS(key, sectorSize)
	if err != nil {
		return nil, err
	}
	return &AesXtsStorage{inner: inner, xts: xts, sectorBase: sectorBase}, nil
}

func (s *AesXtsStorage) Size() int64 { return s.inner.Size() }

func (s *AesXtsStorage) ReadAt(buf []byte, off int64) (int, error) {
	sectorSize := int64(s.xts.SectorSize())
	start := off - off%sectorSize
	sectorsNeeded := (off + int64(len(buf)) - start + sectorSize - 1) / sectorSize
	raw := make([]byte, sectorsNeeded*sectorSize)
	n, err := s.inner.ReadAt(raw, start)
	if err != nil {
		return 0, err
	}
	raw = raw[:n]
	raw = raw[:len(raw)-len(raw)%int(sectorSize)]

	dec := make([]byte, len(raw))
	for i := int64(0); i+sectorSize <= int64(len(raw)); i += sectorSize {
		sector := s.sectorBase + uint64(start+i)/uint64(sectorSize)
		if err := s.xts.Decrypt(dec[i:i+sectorSize], raw[i:i+sectorSize], sector); err != nil {
			return 0, err
		}
	}
	// Copy out only the bytes actually requested, handling the
	// possible trailing partial sector at EOF by truncating to what
	// was read.
	skip := off - start
	if skip >= int64(len(dec)) {
		return 0, nil
	}
	avail := dec[skip:]
	return copy(buf, avail), nil
}
