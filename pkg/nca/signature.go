package nca

import (
	ncacrypto "github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/integrity"
	"github.com/falk/nca-go/pkg/keys"
)

// rsaPublicExponent is the fixed public exponent used for both the
// header's fixed-key and NPDM RSA-2048-PSS signatures.
const rsaPublicExponent = 65537

// SignatureVerdict reports the outcome of verifying an NCA header's
// two RSA-2048-PSS signatures. Signature verification never aborts
// Open; a verdict is attached to the header and left for callers that
// care (e.g. an info report) to surface.
type SignatureVerdict struct {
	// FixedKey is the verdict for FixedKeySig (header bytes
	// 0x200..0xC00) against the well-known fixed public key.
	FixedKey integrity.Validity
	// Npdm is the verdict for NpdmSig, which verifies against the
	// per-title ACID public key carried inside the NPDM metadata in
	// ExeFS. This package does not parse NPDM, so it is always
	// Unchecked: no NPDM is ever consulted here, the same verdict an
	// absent NPDM would produce.
	Npdm integrity.Validity
}

// verifySignatures checks FixedKeySig over dec[0x200:HeaderSize]
// against ks's fixed-key modulus. dec is the decrypted, plaintext
// header buffer ParseHeader just produced.
func verifySignatures(h *NcaHeader, dec []byte, ks *keys.KeySet) SignatureVerdict {
	v := SignatureVerdict{Npdm: integrity.ValidityUnchecked}

	modulus := ks.FixedKeyModulus()
	if modulus == nil {
		v.FixedKey = integrity.ValidityUnchecked
		return v
	}

	message := dec[offMagic:HeaderSize]
	if err := ncacrypto.VerifyPSS(modulus, rsaPublicExponent, message, h.FixedKeySig[:]); err != nil {
		v.FixedKey = integrity.ValidityInvalid
	} else {
		v.FixedKey = integrity.ValidityValid
	}
	return v
}
