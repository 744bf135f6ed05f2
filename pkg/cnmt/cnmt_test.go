package cnmt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildRawCnmt(t *testing.T, extended []byte, entries []ContentEntry, trailing []byte) []byte {
	t.Helper()
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0x00:], 0x0100000000001000)
	binary.LittleEndian.PutUint16(header[0x0E:], uint16(len(extended)))
	binary.LittleEndian.PutUint16(header[0x10:], uint16(len(entries)))

	buf := append([]byte{}, header...)
	buf = append(buf, extended...)
	for _, e := range entries {
		b := make([]byte, contentEntrySize)
		copy(b[0:32], e.Hash[:])
		copy(b[32:48], e.NcaID[:])
		writeUint48(b[48:54], e.Size)
		b[54] = uint8(e.Type)
		buf = append(buf, b...)
	}
	buf = append(buf, trailing...)
	return buf
}

func TestParseEmitRoundTrip(t *testing.T) {
	entries := []ContentEntry{
		{Hash: [32]byte{1, 2, 3}, NcaID: [16]byte{1, 2}, Size: 0x1234, Type: ContentTypeProgram},
		{Hash: [32]byte{4, 5, 6}, NcaID: [16]byte{3, 4}, Size: 0x5678, Type: ContentTypeControl},
	}
	trailing := []byte{0xAA, 0xBB, 0xCC}
	extended := bytes.Repeat([]byte{0xEE}, 8)
	raw := buildRawCnmt(t, extended, entries, trailing)

	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := m.Entries()
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}

	out := m.Emit()
	if !bytes.Equal(out, raw) {
		t.Fatalf("Emit round trip mismatch:\ngot  %x\nwant %x", out, raw)
	}
}

func TestSetContentEntriesRewritesListAndCount(t *testing.T) {
	raw := buildRawCnmt(t, nil, []ContentEntry{
		{Hash: [32]byte{9}, NcaID: [16]byte{9}, Size: 10, Type: ContentTypeProgram},
	}, []byte{0x01, 0x02})

	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	newEntries := []ContentEntry{
		{Hash: [32]byte{0x11}, NcaID: [16]byte{0x11}, Size: 0x2000, Type: ContentTypeProgram},
		{Hash: [32]byte{0x22}, NcaID: [16]byte{0x22}, Size: 0x3000, Type: ContentTypeData},
		{Hash: [32]byte{0x33}, NcaID: [16]byte{0x33}, Size: 0x4000, Type: ContentTypeControl},
	}
	m.SetContentEntries(newEntries)

	out := m.Emit()
	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	got := reparsed.Entries()
	if len(got) != len(newEntries) {
		t.Fatalf("got %d entries, want %d", len(got), len(newEntries))
	}
	for i := range newEntries {
		if got[i] != newEntries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], newEntries[i])
		}
	}
	if gotCount := int(binary.LittleEndian.Uint16(out[0x10:])); gotCount != len(newEntries) {
		t.Fatalf("header NumContentEntries = %d, want %d", gotCount, len(newEntries))
	}
}

func TestParseRejectsTruncatedFile(t *testing.T) {
	if _, err := Parse(make([]byte, 4)); err == nil {
		t.Fatal("expected error parsing a file shorter than the fixed header")
	}
}
