package identity

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // chain key checksums are defined over ripemd160
)

// Public keys on the wire are a 3-character chain prefix followed by
// base58(33-byte compressed secp256k1 key || first 4 bytes of
// ripemd160(key)).
const (
	keyPrefixLen   = 3
	compressedLen  = 33
	keyChecksumLen = 4
)

// KeySet holds the public keys published for an account, one slice per
// authority role.
type KeySet struct {
	Owner   []string
	Active  []string
	Posting []string
	Memo    []string
}

// Contains reports whether key appears in any role of the set.
func (ks KeySet) Contains(key string) bool {
	for _, role := range [][]string{ks.Owner, ks.Active, ks.Posting, ks.Memo} {
		for _, k := range role {
			if k == key {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the set carries no keys at all.
func (ks KeySet) Empty() bool {
	return len(ks.Owner)+len(ks.Active)+len(ks.Posting)+len(ks.Memo) == 0
}

// DecodePublicKey converts a prefixed key string to its 33 compressed bytes,
// validating the embedded checksum.
func DecodePublicKey(key string) ([]byte, error) {
	if len(key) <= keyPrefixLen {
		return nil, fmt.Errorf("public key too short: %q", key)
	}
	raw := base58.Decode(key[keyPrefixLen:])
	if len(raw) != compressedLen+keyChecksumLen {
		return nil, fmt.Errorf("public key payload is %d bytes, want %d", len(raw), compressedLen+keyChecksumLen)
	}
	keyBytes := raw[:compressedLen]
	sum := keyChecksum(keyBytes)
	if !bytes.Equal(sum, raw[compressedLen:]) {
		return nil, fmt.Errorf("public key checksum mismatch")
	}
	return keyBytes, nil
}

// EncodePublicKey renders 33 compressed key bytes with the given prefix.
func EncodePublicKey(prefix string, keyBytes []byte) (string, error) {
	if len(keyBytes) != compressedLen {
		return "", fmt.Errorf("key is %d bytes, want %d", len(keyBytes), compressedLen)
	}
	payload := make([]byte, 0, compressedLen+keyChecksumLen)
	payload = append(payload, keyBytes...)
	payload = append(payload, keyChecksum(keyBytes)...)
	return prefix + base58.Encode(payload), nil
}

func keyChecksum(keyBytes []byte) []byte {
	h := ripemd160.New()
	h.Write(keyBytes)
	return h.Sum(nil)[:keyChecksumLen]
}
