package nsz

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/storage"
)

func writeKeysFile(t *testing.T, lines map[string][]byte) *keys.KeySet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for name, val := range lines {
		if _, err := f.WriteString(name + " = " + hex.EncodeToString(val) + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	f.Close()
	ks := keys.NewKeySet()
	if err := ks.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return ks
}

func randomBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// memWriteSeeker is an in-memory io.WriteSeeker, standing in for the
// output file CompressNca normally writes to.
type memWriteSeeker struct {
	buf []byte
	pos int64
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	}
	m.pos = newPos
	return newPos, nil
}

func TestCompressDecompressRoundTripsUnencryptedSection(t *testing.T) {
	ks := writeKeysFile(t, map[string][]byte{"header_key": randomBytes(32, 0x01)})

	content := bytes.Repeat([]byte("plain section bytes"), 200)
	aligned := int64(len(content))
	if r := aligned % nca.MediaSize; r != 0 {
		aligned += nca.MediaSize - r
	}

	h := &nca.NcaHeader{Magic: nca.MagicNCA3, ContentType: nca.ContentProgram}
	h.Sections[0] = nca.SectionEntry{
		StartBlock: uint32(nca.HeaderSize / nca.MediaSize),
		EndBlock:   uint32((int64(nca.HeaderSize) + aligned) / nca.MediaSize),
		Enabled:    true,
	}
	h.FsHeaders[0] = nca.FsHeader{Format: nca.FormatPartitionFs, Hash: nca.HashNone, Encryption: nca.EncryptionNone}
	h.ContentSize = uint64(nca.HeaderSize) + uint64(aligned)

	headerBytes, err := nca.EmitHeader(h, ks)
	if err != nil {
		t.Fatalf("EmitHeader: %v", err)
	}
	padded := make([]byte, aligned)
	copy(padded, content)
	image := append(append([]byte{}, headerBytes...), padded...)

	n, err := nca.Open(storage.NewMemoryStorage(image), ks, nil)
	if err != nil {
		t.Fatalf("nca.Open: %v", err)
	}

	ws := &memWriteSeeker{}
	src := bytes.NewReader(image)
	if _, err := CompressNca(n, src, int64(len(image)), ws, DefaultCompressionLevel); err != nil {
		t.Fatalf("CompressNca: %v", err)
	}

	var out bytes.Buffer
	if err := Decompress(bytes.NewReader(ws.buf), &out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	if !bytes.Equal(out.Bytes(), image) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes equal to original image", out.Len(), len(image))
	}
}

func TestCompressDecompressRoundTripsCtrEncryptedSection(t *testing.T) {
	masterKey := randomBytes(16, 0x10)
	aesKekGen := randomBytes(16, 0x20)
	aesKeyGen := randomBytes(16, 0x30)
	appSource := randomBytes(16, 0x40)
	ctrKey := randomBytes(16, 0x50)
	contentKey := randomBytes(16, 0x60)

	ks := writeKeysFile(t, map[string][]byte{
		"header_key":                      randomBytes(32, 0x01),
		"master_key_00":                   masterKey,
		"aes_kek_generation_source":       aesKekGen,
		"aes_key_generation_source":       aesKeyGen,
		"key_area_key_application_source": appSource,
	})

	kak, err := ks.KeyAreaKey(0, keys.KeyAreaApplication)
	if err != nil {
		t.Fatalf("KeyAreaKey: %v", err)
	}
	plainArea := make([]byte, 64)
	copy(plainArea[32:48], contentKey)
	copy(plainArea[48:64], ctrKey)
	encArea, err := ncacrypto.ECBEncrypt(plainArea, kak)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}

	content := bytes.Repeat([]byte("ctr section payload!"), 300)
	aligned := int64(len(content))
	if r := aligned % nca.MediaSize; r != 0 {
		aligned += nca.MediaSize - r
	}

	h := &nca.NcaHeader{Magic: nca.MagicNCA3, ContentType: nca.ContentProgram, KeyAreaKeyIndex: 0}
	sectionOffset := int64(nca.HeaderSize)
	h.Sections[0] = nca.SectionEntry{
		StartBlock: uint32(sectionOffset / nca.MediaSize),
		EndBlock:   uint32((sectionOffset + aligned) / nca.MediaSize),
		Enabled:    true,
	}
	var counter [8]byte
	counter[7] = 0x01
	h.FsHeaders[0] = nca.FsHeader{
		Format:     nca.FormatPartitionFs,
		Hash:       nca.HashNone,
		Encryption: nca.EncryptionAesCtr,
		Counter:    counter,
	}
	h.ContentSize = uint64(sectionOffset) + uint64(aligned)
	for i := 0; i < 4; i++ {
		copy(h.EncryptedKeys[i][:], encArea[i*16:(i+1)*16])
	}

	headerBytes, err := nca.EmitHeader(h, ks)
	if err != nil {
		t.Fatalf("EmitHeader: %v", err)
	}

	plainPadded := make([]byte, aligned)
	copy(plainPadded, content)
	cipherPadded := make([]byte, aligned)
	stream, err := ncacrypto.NewCTRStream(ctrKey, counter, sectionOffset)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	stream.XORKeyStream(cipherPadded, plainPadded)

	image := append(append([]byte{}, headerBytes...), cipherPadded...)

	n, err := nca.Open(storage.NewMemoryStorage(image), ks, nil)
	if err != nil {
		t.Fatalf("nca.Open: %v", err)
	}

	ws := &memWriteSeeker{}
	src := bytes.NewReader(image)
	if _, err := CompressNca(n, src, int64(len(image)), ws, DefaultCompressionLevel); err != nil {
		t.Fatalf("CompressNca: %v", err)
	}

	var out bytes.Buffer
	if err := Decompress(bytes.NewReader(ws.buf), &out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	if !bytes.Equal(out.Bytes(), image) {
		t.Fatal("round trip did not reproduce the original ciphertext bytes")
	}

	// The CTR section of the NCA that was compressed must decrypt to
	// the original plaintext.
	decrypted, err := n.RawDecrypted(0)
	if err != nil {
		t.Fatalf("RawDecrypted: %v", err)
	}
	readBack := make([]byte, len(content))
	if _, err := decrypted.ReadAt(readBack, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(readBack, content) {
		t.Fatal("RawDecrypted on the original NCA did not match the original plaintext")
	}
}
