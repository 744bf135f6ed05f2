package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// VerifyPSS verifies a 256-byte RSA-2048-PSS signature (salt length 32,
// SHA-256) over message, used for the NCA fixed-key and NPDM
// signatures (header bytes 0x200..0xC00).
func VerifyPSS(modulus []byte, exponent int, message, signature []byte) error {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: exponent}
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, opts); err != nil {
		return fmt.Errorf("crypto: rsa-pss verify failed: %w", err)
	}
	return nil
}

// DecryptOAEP decrypts NCA0's key area, which is wrapped with
// RSA-OAEP under the console-local NCA0 private key.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: rsa-oaep decrypt failed: %w", err)
	}
	return out, nil
}
