// Package crypto implements the AES/SHA/RSA primitives the NCA codec
// needs: sector-addressed AES-128-XTS, counter-addressed AES-128-CTR
// (with per-extent counter override), SHA-256, and RSA-2048-PSS/OAEP.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// cipherCache avoids re-expanding the AES key schedule for keys that
// are reused across many section reads (header key, key-area keys).
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("crypto: key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}
