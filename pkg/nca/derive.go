package nca

import (
	"fmt"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/ncaerr"
)

// SectionKeys holds the two 16-byte AES keys a section's cipher needs:
// Content (used for AES-XTS / legacy slots) and Ctr (used for
// AES-CTR/AES-CTR-EX). For a title-key-encrypted NCA both fields are
// the same decrypted access key.
type SectionKeys struct {
	Content []byte
	Ctr     []byte
}

// DeriveSectionKeys resolves the master-key-revision lookup, then
// either the rights-ID/external-title-key path or the legacy key-area
// path (decrypt all four key-area slots under key_area_key[kind][mkr];
// slots 2/3 are the content/ctr keys).
func DeriveSectionKeys(h *NcaHeader, ks *keys.KeySet, eks *keys.ExternalKeySet) (SectionKeys, error) {
	mkr := h.MasterKeyRevision()

	if h.HasRightsID() {
		if eks == nil {
			return SectionKeys{}, fmt.Errorf("%w: no external key set provided", ncaerr.ErrMissingTitleKey)
		}
		var rid keys.RightsID
		copy(rid[:], h.RightsID[:])
		access, err := eks.Lookup(rid)
		if err != nil {
			return SectionKeys{}, fmt.Errorf("%w: %v", ncaerr.ErrMissingTitleKey, err)
		}
		sectionKey, err := ks.DecryptTitleKey(access[:], mkr)
		if err != nil {
			return SectionKeys{}, fmt.Errorf("%w: %v", ncaerr.ErrMissingTitleKey, err)
		}
		return SectionKeys{Content: sectionKey, Ctr: sectionKey}, nil
	}

	kind := keys.KeyAreaKind(h.KeyAreaKeyIndex)
	kak, err := ks.KeyAreaKey(mkr, kind)
	if err != nil {
		return SectionKeys{}, fmt.Errorf("%w: %v", ncaerr.ErrMissingKeyAreaKey, err)
	}

	rawArea := make([]byte, 0, 64)
	for _, k := range h.EncryptedKeys {
		rawArea = append(rawArea, k[:]...)
	}

	if h.Magic == MagicNCA0 {
		if ks.Nca0PrivateKey() == nil {
			return SectionKeys{}, fmt.Errorf("%w: NCA0 private key not loaded", ncaerr.ErrMissingDecryptionKey)
		}
		decrypted, err := ncacrypto.DecryptOAEP(ks.Nca0PrivateKey(), h.Nca0KeyAreaRSA[:])
		if err != nil {
			return SectionKeys{}, err
		}
		if len(decrypted) < 64 {
			return SectionKeys{}, fmt.Errorf("%w: NCA0 key area too short after RSA-OAEP decrypt", ncaerr.ErrInvalidHeader)
		}
		rawArea = decrypted[:64]
	}

	decrypted, err := ncacrypto.ECBDecrypt(rawArea, kak)
	if err != nil {
		return SectionKeys{}, err
	}
	return SectionKeys{
		Content: decrypted[32:48], // slot index 2
		Ctr:     decrypted[48:64], // slot index 3
	}, nil
}
