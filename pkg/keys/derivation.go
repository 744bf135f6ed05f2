package keys

import (
	"fmt"

	ncacrypto "github.com/falk/nca-go/pkg/crypto"
)

// deriveKeys rebuilds every master-key-generation's key-area keys
// (Application/Ocean/System) and title kek from the raw seeds.
func (k *KeySet) deriveKeys() {
	aesKekGen := k.raw["aes_kek_generation_source"]
	aesKeyGen := k.raw["aes_key_generation_source"]
	titleKekSource := k.raw["titlekek_source"]

	keyAreaSources := [3][]byte{
		k.raw["key_area_key_application_source"],
		k.raw["key_area_key_ocean_source"],
		k.raw["key_area_key_system_source"],
	}

	if aesKekGen == nil || aesKeyGen == nil {
		return
	}

	for i := 0; i < masterKeyCount; i++ {
		masterKey := k.raw[fmt.Sprintf("master_key_%02x", i)]
		if masterKey == nil {
			continue
		}

		if titleKekSource != nil {
			if tk, err := ecbDecrypt(titleKekSource, masterKey); err == nil {
				k.titleKeks[i] = tk
			}
		}

		for kind := 0; kind < 3; kind++ {
			if keyAreaSources[kind] == nil {
				continue
			}
			if kak, err := generateKek(keyAreaSources[kind], masterKey, aesKekGen, aesKeyGen); err == nil {
				k.keyAreaKeys[i][kind] = kak
			}
		}
	}
}

// generateKek computes kek = D(kekSeed, masterKey); srcKek = D(src,
// kek); result = D(keySeed, srcKek) if a key seed is given, else
// srcKek itself.
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := ecbDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}
	srcKek, err := ecbDecrypt(src, kek)
	if err != nil {
		return nil, err
	}
	if keySeed != nil {
		return ecbDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

func ecbDecrypt(data, key []byte) ([]byte, error) {
	return ncacrypto.ECBDecrypt(data, key)
}

// KeyAreaKey returns the key-area key for (masterKeyRevision, kind),
// or an error if it wasn't derived (missing seed or master key).
func (k *KeySet) KeyAreaKey(masterKeyRevision int, kind KeyAreaKind) ([]byte, error) {
	if masterKeyRevision < 0 || masterKeyRevision >= masterKeyCount {
		return nil, fmt.Errorf("keys: master key revision %d out of range", masterKeyRevision)
	}
	kak := k.keyAreaKeys[masterKeyRevision][kind]
	if kak == nil {
		return nil, fmt.Errorf("keys: key_area_key[%d][%d] not derived", masterKeyRevision, kind)
	}
	return kak, nil
}

// TitleKek returns the title-key-encryption-key for a master key
// revision, or an error if it wasn't derived.
func (k *KeySet) TitleKek(masterKeyRevision int) ([]byte, error) {
	if masterKeyRevision < 0 || masterKeyRevision >= masterKeyCount {
		return nil, fmt.Errorf("keys: master key revision %d out of range", masterKeyRevision)
	}
	kek := k.titleKeks[masterKeyRevision]
	if kek == nil {
		return nil, fmt.Errorf("keys: title_kek_%02x not derived", masterKeyRevision)
	}
	return kek, nil
}

// UnwrapKeyArea decrypts a single 16-byte key-area entry under the
// application key-area key for masterKeyRevision, for the legacy
// (title-key-less) path.
func (k *KeySet) UnwrapKeyArea(masterKeyRevision int, wrapped []byte) ([]byte, error) {
	kak, err := k.KeyAreaKey(masterKeyRevision, KeyAreaApplication)
	if err != nil {
		return nil, err
	}
	return ecbDecrypt(wrapped, kak)
}

// DecryptTitleKey decrypts a rights-ID NCA's access key under the
// title kek for masterKeyRevision.
func (k *KeySet) DecryptTitleKey(encrypted []byte, masterKeyRevision int) ([]byte, error) {
	kek, err := k.TitleKek(masterKeyRevision)
	if err != nil {
		return nil, err
	}
	return ecbDecrypt(encrypted, kek)
}
