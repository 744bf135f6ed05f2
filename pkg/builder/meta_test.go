package builder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/falk/nca-go/pkg/cnmt"
	"github.com/falk/nca-go/pkg/integrity"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/pfs0"
)

func buildRawCnmtForTest(t *testing.T, entries []cnmt.ContentEntry) []byte {
	t.Helper()
	header := make([]byte, 0x20)
	binary.LittleEndian.PutUint16(header[0x0E:], 0) // no extended header
	binary.LittleEndian.PutUint16(header[0x10:], uint16(len(entries)))
	buf := append([]byte{}, header...)
	for _, e := range entries {
		b := make([]byte, 0x38)
		copy(b[0:32], e.Hash[:])
		copy(b[32:48], e.NcaID[:])
		size := e.Size
		for i := 0; i < 6; i++ {
			b[48+i] = byte(size >> (8 * i))
		}
		b[54] = uint8(e.Type)
		buf = append(buf, b...)
	}
	return buf
}

func buildMetaPfs0(t *testing.T, cnmtName string, raw []byte) []byte {
	t.Helper()
	w := pfs0.NewWriter([]string{cnmtName})
	w.AddFileContent(0, raw)
	var out bytes.Buffer
	if err := w.Finalize(&out); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return out.Bytes()
}

func TestPatchMetaRewritesContentEntries(t *testing.T) {
	ks := testKeySet(t)

	oldEntries := []cnmt.ContentEntry{
		{Hash: [32]byte{0xAA}, NcaID: [16]byte{0xAA}, Size: 100, Type: cnmt.ContentTypeProgram},
	}
	rawCnmt := buildRawCnmtForTest(t, oldEntries)
	pfs0Bytes := buildMetaPfs0(t, "0100000000001000.cnmt", rawCnmt)

	metaNCA := buildInputNca(t, ks, nca.ContentMeta, map[int]sectionSpec{
		0: {data: pfs0Bytes, format: nca.FormatPartitionFs, hash: nca.HashNone},
	})

	var newHash [32]byte
	newHash[0] = 0x11
	produced := []ProducedContent{{Hash: newHash, Size: 0x2000, Type: cnmt.ContentTypeProgram}}

	out, err := PatchMeta(metaNCA, ks, produced)
	if err != nil {
		t.Fatalf("PatchMeta: %v", err)
	}

	reopened, err := nca.Open(out, ks, nil)
	if err != nil {
		t.Fatalf("nca.Open(patched meta): %v", err)
	}
	filesys, err := reopened.Filesystem(0, integrity.LevelErrorOnInvalid, nil)
	if err != nil {
		t.Fatalf("Filesystem(0): %v", err)
	}
	names := filesys.List()
	if len(names) != 1 || names[0] != "0100000000001000.cnmt" {
		t.Fatalf("names = %v, want single cnmt entry", names)
	}

	src, err := filesys.Open(names[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, src.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	m, err := cnmt.Parse(buf)
	if err != nil {
		t.Fatalf("cnmt.Parse: %v", err)
	}
	got := m.Entries()
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	wantID := produced[0].NcaID()
	if got[0].Hash != newHash || got[0].NcaID != wantID || got[0].Size != 0x2000 || got[0].Type != cnmt.ContentTypeProgram {
		t.Fatalf("entry = %+v, want hash=%x ncaId=%x size=0x2000 type=Program", got[0], newHash, wantID)
	}
}
