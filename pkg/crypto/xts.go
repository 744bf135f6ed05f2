package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const xtsBlockSize = 16

// XTS implements AES-128-XTS addressed by sector index, tweak derived
// from a big-endian 128-bit sector number rather than a random IV, as
// used for the NCA header (sector base 0) and legacy NCA2 "XtsOld"
// sections (sector base = section start offset / 0x200).
type XTS struct {
	k1, k2     cipher.Block
	sectorSize int
}

// NewXTS builds an AES-128-XTS cipher from a 32-byte key (two 16-byte
// AES-128 keys concatenated: data key || tweak key).
func NewXTS(key []byte, sectorSize int) (*XTS, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: xts key must be 32 bytes, got %d", len(key))
	}
	if sectorSize < xtsBlockSize || sectorSize%xtsBlockSize != 0 {
		return nil, fmt.Errorf("crypto: xts sector size must be a positive multiple of %d", xtsBlockSize)
	}
	k1, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	k2, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}
	return &XTS{k1: k1, k2: k2, sectorSize: sectorSize}, nil
}

// SectorSize returns the configured sector size in bytes.
func (x *XTS) SectorSize() int { return x.sectorSize }

func (x *XTS) tweak(sector uint64) [xtsBlockSize]byte {
	var t [xtsBlockSize]byte
	binary.BigEndian.PutUint64(t[8:], sector)
	var enc [xtsBlockSize]byte
	x.k2.Encrypt(enc[:], t[:])
	return enc
}

// Decrypt decrypts a single sector's worth (or any multiple-of-16-bytes
// prefix of it) of ciphertext starting at the given sector index.
func (x *XTS) Decrypt(dst, src []byte, sector uint64) error {
	if len(src)%xtsBlockSize != 0 {
		return fmt.Errorf("crypto: xts input length %d not a multiple of %d", len(src), xtsBlockSize)
	}
	tweak := x.tweak(sector)
	var buf, dec [xtsBlockSize]byte
	for i := 0; i < len(src); i += xtsBlockSize {
		chunk := src[i : i+xtsBlockSize]
		xorBlock(buf[:], chunk, tweak[:])
		x.k1.Decrypt(dec[:], buf[:])
		xorBlock(dst[i:i+xtsBlockSize], dec[:], tweak[:])
		mul2(&tweak)
	}
	return nil
}

// Encrypt is the inverse of Decrypt, used to re-seal the NCA header on
// build.
func (x *XTS) Encrypt(dst, src []byte, sector uint64) error {
	if len(src)%xtsBlockSize != 0 {
		return fmt.Errorf("crypto: xts input length %d not a multiple of %d", len(src), xtsBlockSize)
	}
	tweak := x.tweak(sector)
	var buf, enc [xtsBlockSize]byte
	for i := 0; i < len(src); i += xtsBlockSize {
		chunk := src[i : i+xtsBlockSize]
		xorBlock(buf[:], chunk, tweak[:])
		x.k1.Encrypt(enc[:], buf[:])
		xorBlock(dst[i:i+xtsBlockSize], enc[:], tweak[:])
		mul2(&tweak)
	}
	return nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < xtsBlockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// mul2 multiplies the tweak by the primitive element x in GF(2^128),
// reducing with the IEEE P1619 polynomial 0x87 on overflow.
func mul2(tweak *[xtsBlockSize]byte) {
	var carry byte
	for i := 0; i < xtsBlockSize; i++ {
		b := tweak[i]
		next := b >> 7
		tweak[i] = (b << 1) | carry
		carry = next
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
