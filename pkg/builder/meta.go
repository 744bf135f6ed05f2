package builder

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/falk/nca-go/pkg/cnmt"
	"github.com/falk/nca-go/pkg/integrity"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/pfs0"
	"github.com/falk/nca-go/pkg/storage"
)

// ProducedContent describes one NCA a full-title re-emission just
// produced, as the Meta NCA's CNMT content-entries list records it.
type ProducedContent struct {
	Hash [32]byte
	Size uint64
	Type cnmt.ContentType
}

// NcaID returns the first 16 bytes of Hash, the id the content store
// addresses this NCA by.
func (p ProducedContent) NcaID() [16]byte {
	var id [16]byte
	copy(id[:], p.Hash[:16])
	return id
}

// PatchMeta rewrites a base Meta NCA's CNMT content-entries list to
// describe produced in place of the base title's original content, and
// builds a fresh single-section Meta NCA around the result:
// PartitionFs, encryption_type = None, SHA-256 integrity at block size
// 0x1000. Called when re-emitting a full title after merging its
// program NCA, so the installed title's metadata matches the new
// content set.
func PatchMeta(baseMetaNCA *nca.NCA, ks *keys.KeySet, produced []ProducedContent) (storage.Storage, error) {
	filesys, err := baseMetaNCA.Filesystem(0, integrity.LevelWarn, nil)
	if err != nil {
		return nil, fmt.Errorf("opening meta data section: %w", err)
	}

	var cnmtName string
	for _, name := range filesys.List() {
		if strings.HasSuffix(name, ".cnmt") {
			cnmtName = name
			break
		}
	}
	if cnmtName == "" {
		return nil, fmt.Errorf("%w: no .cnmt entry in meta NCA", ncaerr.ErrInvalidHeader)
	}

	src, err := filesys.Open(cnmtName)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, src.Size())
	if _, err := src.ReadAt(raw, 0); err != nil {
		return nil, err
	}

	meta, err := cnmt.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing cnmt: %w", err)
	}
	entries := make([]cnmt.ContentEntry, len(produced))
	for i, p := range produced {
		entries[i] = cnmt.ContentEntry{Hash: p.Hash, NcaID: p.NcaID(), Size: p.Size, Type: p.Type}
	}
	meta.SetContentEntries(entries)
	newCnmt := meta.Emit()

	w := pfs0.NewWriter([]string{cnmtName})
	w.AddFileContent(0, newCnmt)
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		return nil, fmt.Errorf("serializing cnmt partition: %w", err)
	}

	b := NewFromBase(baseMetaNCA.Header(), ks)
	fh := nca.FsHeader{
		Format:     nca.FormatPartitionFs,
		Hash:       nca.HashSha256,
		Encryption: nca.EncryptionNone,
	}
	if err := b.AddSection(0, storage.NewMemoryStorage(buf.Bytes()), fh); err != nil {
		return nil, err
	}
	if err := b.FinalizeHashes(); err != nil {
		return nil, err
	}
	return b.Seal()
}
