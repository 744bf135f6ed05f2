package nsz

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/nca"
	ncazstd "github.com/falk/nca-go/pkg/zstd"
)

const (
	// DefaultBlockSizeExp gives 1MB blocks (2^20), matching the
	// reference NSZ tool's default.
	DefaultBlockSizeExp      = 20
	DefaultCompressionLevel  = 18
)

// cryptoType values recorded per section, consumed by Decompress to
// re-derive the keystream a block's compressed bytes were stripped of.
const (
	cryptoTypeNone  = 0
	cryptoTypeXts   = 1
	cryptoTypeCtr   = 3
	cryptoTypeCtrEx = 4
)

// CompressNca writes n's ADD distribution-compressed form to ws: the
// header bytes copied through as stored (still encrypted), a section table recording each
// enabled section's cipher, and a block table of independently
// zstd-compressed chunks (smaller of compressed/raw kept per block).
// src reads n's raw encrypted bytes directly (not through the decrypt
// storage chain), so whole blocks can be sliced and selectively
// decrypted in place before compression.
func CompressNca(n *nca.NCA, src io.ReaderAt, totalSize int64, ws io.WriteSeeker, compressionLevel int) (int64, error) {
	startPos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	headerBuf := make([]byte, nca.HeaderSize)
	if _, err := src.ReadAt(headerBuf, 0); err != nil {
		return 0, err
	}
	if _, err := ws.Write(headerBuf); err != nil {
		return 0, err
	}

	sections, err := sectionTableFor(n)
	if err != nil {
		return 0, err
	}
	if err := WriteSectionTable(ws, sections); err != nil {
		return 0, err
	}

	blockSize := int64(1) << DefaultBlockSizeExp
	dataSize := totalSize - nca.HeaderSize
	blockCount := uint32((dataSize + blockSize - 1) / blockSize)

	if err := WriteBlockHeader(ws, BlockHeader{
		Version:          2,
		Type:             1,
		BlockSizeExp:     DefaultBlockSizeExp,
		BlockCount:       blockCount,
		DecompressedSize: uint64(dataSize),
	}); err != nil {
		return 0, err
	}

	sizeListOffset, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := ws.Write(make([]byte, blockCount*4)); err != nil {
		return 0, err
	}

	compressedBlocks, err := compressBlocks(src, totalSize, blockSize, blockCount, sections, compressionLevel)
	if err != nil {
		return 0, err
	}

	compressedSizes := make([]uint32, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		if _, err := ws.Write(compressedBlocks[i]); err != nil {
			return 0, fmt.Errorf("nsz: write block %d: %w", i, err)
		}
		compressedSizes[i] = uint32(len(compressedBlocks[i]))
	}

	endPos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := ws.Seek(sizeListOffset, io.SeekStart); err != nil {
		return 0, err
	}
	for _, sz := range compressedSizes {
		var b [4]byte
		b[0] = byte(sz)
		b[1] = byte(sz >> 8)
		b[2] = byte(sz >> 16)
		b[3] = byte(sz >> 24)
		if _, err := ws.Write(b[:]); err != nil {
			return 0, err
		}
	}
	if _, err := ws.Seek(endPos, io.SeekStart); err != nil {
		return 0, err
	}

	return endPos - startPos, nil
}

// sectionTableFor derives each enabled section's on-disk offset/size
// and crypto parameters (including the actual section ctr key, needed
// to undo CTR/CTR-EX encryption before compression) from n's
// already-parsed header. CTR-EX sections record only the FsHeader
// counter; per-extent generation ids are not recorded.
func sectionTableFor(n *nca.NCA) ([]SectionEntry, error) {
	h := n.Header()
	var sections []SectionEntry
	var sk nca.SectionKeys
	var skLoaded bool
	for i, e := range h.Sections {
		if !e.Enabled {
			continue
		}
		fh := h.FsHeaders[i]
		entry := SectionEntry{Offset: uint64(e.Offset()), Size: uint64(e.Size())}
		switch fh.Encryption {
		case nca.EncryptionAesCtr, nca.EncryptionAesCtrSkipLayerHash, nca.EncryptionAesCtrEx, nca.EncryptionAesCtrExSkipLayerHash:
			if !skLoaded {
				var err error
				sk, err = n.SectionKeys()
				if err != nil {
					return nil, err
				}
				skLoaded = true
			}
			if fh.Encryption == nca.EncryptionAesCtrEx || fh.Encryption == nca.EncryptionAesCtrExSkipLayerHash {
				entry.CryptoType = cryptoTypeCtrEx
			} else {
				entry.CryptoType = cryptoTypeCtr
			}
			copy(entry.CryptoKey[:], sk.Ctr)
			copy(entry.CryptoCounter[:8], fh.Counter[:])
		case nca.EncryptionXtsOld:
			entry.CryptoType = cryptoTypeXts
		default:
			entry.CryptoType = cryptoTypeNone
		}
		sections = append(sections, entry)
	}
	return sections, nil
}

// compressBlocks reads, decrypts (for CTR/CTR-EX sections), and
// zstd-compresses every block in parallel via a fixed worker pool.
func compressBlocks(src io.ReaderAt, totalSize, blockSize int64, blockCount uint32, sections []SectionEntry, compressionLevel int) ([][]byte, error) {
	numWorkers := runtime.NumCPU()
	results := make([][]byte, blockCount)

	type work struct {
		index  uint32
		offset int64
		size   int64
	}

	workCh := make(chan work, numWorkers*4)
	resultCh := make(chan struct {
		index uint32
		data  []byte
	}, numWorkers*4)

	var collectWg sync.WaitGroup
	collectWg.Add(1)
	go func() {
		defer collectWg.Done()
		for r := range resultCh {
			results[r.index] = r.data
		}
	}()

	var workerWg sync.WaitGroup
	var workerErr error
	var errOnce sync.Once

	for i := 0; i < numWorkers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			buf := make([]byte, blockSize)
			for w := range workCh {
				chunk := buf[:w.size]
				n, err := src.ReadAt(chunk, w.offset)
				if err != nil && n == 0 {
					errOnce.Do(func() { workerErr = fmt.Errorf("nsz: read block %d: %w", w.index, err) })
					continue
				}
				chunk = chunk[:n]

				decryptChunkInPlace(chunk, w.offset, sections)

				compressed := ncazstd.Compress(chunk, compressionLevel)
				var data []byte
				if len(compressed) < len(chunk) {
					data = compressed
				} else {
					data = make([]byte, len(chunk))
					copy(data, chunk)
				}

				resultCh <- struct {
					index uint32
					data  []byte
				}{w.index, data}
			}
		}()
	}

	for i := uint32(0); i < blockCount; i++ {
		offset := int64(nca.HeaderSize) + int64(i)*blockSize
		size := blockSize
		if offset+size > totalSize {
			size = totalSize - offset
		}
		workCh <- work{i, offset, size}
	}

	close(workCh)
	workerWg.Wait()
	close(resultCh)
	collectWg.Wait()

	if workerErr != nil {
		return nil, workerErr
	}
	return results, nil
}

// decryptChunkInPlace XORs out the CTR/CTR-EX keystream of any section
// overlapping [chunkOffset, chunkOffset+len(chunk)), so the compressor
// sees plaintext bytes (which compress far better than ciphertext).
// Both kinds use the plain section counter: extents of a CTR-EX
// section whose generation id is non-zero are not turned into
// plaintext, though the round trip through Decompress still restores
// the original bytes.
func decryptChunkInPlace(chunk []byte, chunkOffset int64, sections []SectionEntry) {
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
