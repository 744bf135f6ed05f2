package crypto

import "crypto/sha256"

// Sha256 computes a one-shot SHA-256 digest, used for 16 KiB PFS0 hash
// blocks and FsHeader hashing.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// StreamingSha256 wraps crypto/sha256's incremental hasher for hashing
// a full section's worth of data during a build without buffering it.
type StreamingSha256 struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
}

// NewStreamingSha256 starts a fresh streaming SHA-256 computation.
func NewStreamingSha256() *StreamingSha256 {
	return &StreamingSha256{h: sha256.New()}
}

// Write feeds more bytes into the running digest.
func (s *StreamingSha256) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the final 32-byte digest without resetting state.
func (s *StreamingSha256) Sum() [32]byte {
	var out [32]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// Reset restarts the digest for reuse across multiple sections.
func (s *StreamingSha256) Reset() {
	s.h.Reset()
}
