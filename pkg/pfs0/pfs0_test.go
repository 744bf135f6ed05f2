package pfs0

import (
	"bytes"
	"testing"

	"github.com/falk/nca-go/pkg/storage"
)

func TestWriterThenOpenRoundTrip(t *testing.T) {
	names := []string{"main.npdm", "rtld", "subsdk0"}
	w := NewWriter(names)
	w.AddFileContent(0, []byte("npdm content"))
	w.AddFileContent(1, []byte("rtld content.."))
	w.AddFileContent(2, []byte("subsdk content!"))

	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := Open(storage.NewMemoryStorage(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() = %v, want 3 entries", list)
	}
	for i, name := range names {
		if list[i] != name {
			t.Fatalf("List()[%d] = %q, want %q", i, list[i], name)
		}
	}

	check := func(name string, want string) {
		t.Helper()
		s, err := r.Open(name)
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		got := make([]byte, s.Size())
		if _, err := s.ReadAt(got, 0); err != nil {
			t.Fatalf("ReadAt(%q): %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("content of %q = %q, want %q", name, got, want)
		}
	}
	check("main.npdm", "npdm content")
	check("rtld", "rtld content..")
	check("subsdk0", "subsdk content!")
}

func TestOpenMissingFileErrors(t *testing.T) {
	w := NewWriter([]string{"a"})
	w.AddFileContent(0, []byte("x"))
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	r, err := Open(storage.NewMemoryStorage(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Open("does-not-exist"); err == nil {
		t.Fatal("expected error opening a nonexistent file")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	bad := bytes.Repeat([]byte{0}, 16)
	if _, err := Open(storage.NewMemoryStorage(bad)); err == nil {
		t.Fatal("expected error for a header with no PFS0 magic")
	}
}

func TestFinalizeErrorsOnMissingContent(t *testing.T) {
	w := NewWriter([]string{"a", "b"})
	w.AddFileContent(0, []byte("only a"))
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err == nil {
		t.Fatal("expected error finalizing with file b's content unset")
	}
}
