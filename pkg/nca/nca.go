package nca

import (
	"fmt"

	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/ncaerr"
	"github.com/falk/nca-go/pkg/storage"
)

// NCA is an opened container: its decrypted header plus the file
// storage it was parsed from. Section content is obtained on demand
// through the openers in sections.go rather than eagerly decrypted.
type NCA struct {
	file   storage.Storage
	header *NcaHeader
	keys   *keys.KeySet
	ext    *keys.ExternalKeySet

	// sectionKeys is filled in lazily, once per NCA, the first time any
	// section opener needs it (DeriveSectionKeys does real RSA/ECB work
	// and shouldn't run for callers that only want header fields).
	sectionKeys   *SectionKeys
	sectionKeyErr error
}

// Open parses file's header and returns a ready-to-use NCA. ext may be
// nil if the caller knows the title is not rights-ID encrypted.
func Open(file storage.Storage, ks *keys.KeySet, ext *keys.ExternalKeySet) (*NCA, error) {
	h, err := ParseHeader(file, ks)
	if err != nil {
		return nil, err
	}
	return &NCA{file: file, header: h, keys: ks, ext: ext}, nil
}

// Header returns the parsed header, for callers that need raw
// metadata (content type, title ID, section table) without opening
// any section.
func (n *NCA) Header() *NcaHeader { return n.header }

// SectionKeys derives (once, cached) the content/ctr keys this NCA's
// sections are encrypted under.
func (n *NCA) SectionKeys() (SectionKeys, error) {
	return n.sectionKeysOnce()
}

func (n *NCA) sectionKeysOnce() (SectionKeys, error) {
	if n.sectionKeys != nil {
		return *n.sectionKeys, nil
	}
	if n.sectionKeyErr != nil {
		return SectionKeys{}, n.sectionKeyErr
	}
	sk, err := DeriveSectionKeys(n.header, n.keys, n.ext)
	if err != nil {
		n.sectionKeyErr = err
		return SectionKeys{}, err
	}
	n.sectionKeys = &sk
	return sk, nil
}

// enabledSection returns the section table entry and FsHeader for
// index i, or an error if that slot isn't enabled.
func (n *NCA) enabledSection(i int) (SectionEntry, *FsHeader, error) {
	if i < 0 || i >= 4 {
		return SectionEntry{}, nil, fmt.Errorf("%w: section index %d out of range", ncaerr.ErrInvalidHeader, i)
	}
	entry := n.header.Sections[i]
	if !entry.Enabled {
		return SectionEntry{}, nil, fmt.Errorf("%w: section %d not enabled", ncaerr.ErrPreconditionViolation, i)
	}
	return entry, &n.header.FsHeaders[i], nil
}
