package nsz

import (
	"encoding/binary"
	"fmt"
	"io"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/nca"
	ncazstd "github.com/falk/nca-go/pkg/zstd"
)

// Decompress reads an NCZ stream from r and writes the reconstituted,
// fully re-encrypted NCA bytes to w: the header bytes copied through
// as stored (still encrypted), then each block zstd-decompressed and, where its section
// table entry names a CTR/CTR-EX section, re-encrypted with the
// recorded key before being written out.
func Decompress(r io.Reader, w io.Writer) error {
	headerBuf := make([]byte, nca.HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return fmt.Errorf("nsz: read header: %w", err)
	}
	if _, err := w.Write(headerBuf); err != nil {
		return err
	}

	sections, err := ReadSectionTable(r)
	if err != nil {
		return fmt.Errorf("nsz: read section table: %w", err)
	}

	blockHeader, err := ReadBlockHeader(r)
	if err != nil {
		return fmt.Errorf("nsz: read block header: %w", err)
	}
	if string(blockHeader.Magic[:]) != MagicNCZBLOCK {
		return fmt.Errorf("nsz: bad block header magic %q", blockHeader.Magic)
	}

	sizes := make([]uint32, blockHeader.BlockCount)
	if err := binary.Read(r, binary.LittleEndian, &sizes); err != nil {
		return fmt.Errorf("nsz: read size table: %w", err)
	}

	blockSize := int64(1) << blockHeader.BlockSizeExp
	offset := int64(nca.HeaderSize)
	for i, sz := range sizes {
		compressed := make([]byte, sz)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return fmt.Errorf("nsz: read block %d: %w", i, err)
		}

		want := blockSize
		if offset+want > int64(blockHeader.DecompressedSize)+nca.HeaderSize {
			want = int64(blockHeader.DecompressedSize) + nca.HeaderSize - offset
		}

		var plain []byte
		if int64(len(compressed)) == want {
			// Stored raw (compression didn't help this block).
			plain = compressed
		} else {
			plain, err = ncazstd.Decompress(compressed)
			if err != nil {
				return fmt.Errorf("nsz: decompress block %d: %w", i, err)
			}
		}

		reencryptChunkInPlace(plain, offset, sections)
		if _, err := w.Write(plain); err != nil {
			return err
		}
		offset += int64(len(plain))
	}
	return nil
}

// reencryptChunkInPlace is CompressNca's decryptChunkInPlace run in
// reverse: CTR is its own inverse, so re-applying the same keystream
// at the same absolute offset restores ciphertext.
func reencryptChunkInPlace(chunk []byte, chunkOffset int64, sections []SectionEntry) {
	chunkStart := uint64(chunkOffset)
	chunkEnd := chunkStart + uint64(len(chunk))

	for _, sec := range sections {
		if sec.CryptoType != cryptoTypeCtr && sec.CryptoType != cryptoTypeCtrEx {
			continue
		}
		secEnd := sec.Offset + sec.Size
		if chunkStart >= secEnd || chunkEnd <= sec.Offset {
			continue
		}
		start := chunkStart
		if sec.Offset > start {
			start = sec.Offset
		}
		end := chunkEnd
		if secEnd < end {
			end = secEnd
		}
		slice := chunk[start-chunkStart : end-chunkStart]

		var iv [8]byte
		copy(iv[:], sec.CryptoCounter[:8])
		stream, err := ncacrypto.NewCTRStream(sec.CryptoKey[:], iv, int64(start))
		if err == nil {
			stream.XORKeyStream(slice, slice)
		}
	}
}
