// Package nca implements the NCA header codec and section openers:
// parsing/emitting the encrypted 0xC00-byte header and FsHeader
// entries, and assembling the decrypt/verify/patch storage pipeline
// over a section's raw bytes.
package nca

import (
	"fmt"

	"github.com/falk/nca-go/pkg/storage"
)

// FileSystem is the mount-target interface returned by a section's
// filesystem opener: PartitionFs and RomFs both expose their contents
// this way regardless of on-disk layout.
type FileSystem interface {
	// List returns every file path the filesystem contains.
	List() []string
	// Open returns a Storage over path's content, or an error if path
	// is not present.
	Open(path string) (storage.Storage, error)
}

// Magic identifies the header version/generation.
type Magic [4]byte

var (
	MagicNCA3 = Magic{'N', 'C', 'A', '3'}
	MagicNCA2 = Magic{'N', 'C', 'A', '2'}
	MagicNCA0 = Magic{'N', 'C', 'A', '0'}
)

func (m Magic) String() string { return string(m[:]) }

// ContentType classifies the title content an NCA carries, which in
// turn determines what each of its four section slots means.
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// FormatType is a section's file-system family.
type FormatType uint8

const (
	FormatRomFs FormatType = iota
	FormatPartitionFs
)

// HashType selects which integrity scheme, if any, protects a section.
type HashType uint8

const (
	HashNone HashType = iota
	HashSha256
	HashIvfc
)

// EncryptionType selects the section's content cipher.
type EncryptionType uint8

const (
	EncryptionNone EncryptionType = iota
	EncryptionXtsOld
	EncryptionAesCtr
	EncryptionAesCtrEx
	EncryptionAesCtrSkipLayerHash
	EncryptionAesCtrExSkipLayerHash
)

// SectionKind is the logical kind of data a (content type, section
// slot) pair holds; see SectionKindFor.
type SectionKind uint8

const (
	SectionUnknown SectionKind = iota
	SectionCode    // ExeFS (Program, index 0)
	SectionData    // RomFS / generic Data (Program idx1, Control/Manual/Data/PublicData idx0)
	SectionLogo    // Logo (Program, index 2)
	SectionCnmt    // CNMT-PFS (Meta, index 0)
)

// SectionKindFor returns what section index i means for contentType,
// or SectionUnknown if that slot isn't used by this content type.
func SectionKindFor(contentType ContentType, i int) SectionKind {
	switch contentType {
	case ContentProgram:
		switch i {
		case 0:
			return SectionCode
		case 1:
			return SectionData
		case 2:
			return SectionLogo
		}
	case ContentMeta:
		if i == 0 {
			return SectionCnmt
		}
	case ContentControl, ContentManual, ContentData, ContentPublicData:
		if i == 0 {
			return SectionData
		}
	}
	return SectionUnknown
}

func (c ContentType) String() string {
	switch c {
	case ContentProgram:
		return "Program"
	case ContentMeta:
		return "Meta"
	case ContentControl:
		return "Control"
	case ContentManual:
		return "Manual"
	case ContentData:
		return "Data"
	case ContentPublicData:
		return "PublicData"
	default:
		return fmt.Sprintf("ContentType(%d)", uint8(c))
	}
}
