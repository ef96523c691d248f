package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// compactSigLen is a recoverable signature: one recovery header byte plus
// the 32-byte r and s scalars.
const compactSigLen = 65

// VerifySignature checks that sigHex is a compact recoverable secp256k1
// signature over sha256(challenge) by the holder of pubkey (prefixed key
// string). The recovered key must match pubkey byte for byte.
func VerifySignature(challenge, sigHex, pubkey string) error {
	keyBytes, err := DecodePublicKey(pubkey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != compactSigLen {
		return fmt.Errorf("signature is %d bytes, want %d", len(sig), compactSigLen)
	}

	digest := sha256.Sum256([]byte(challenge))
	recovered, _, err := secpecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if !bytes.Equal(recovered.SerializeCompressed(), keyBytes) {
		return fmt.Errorf("recovered key does not match supplied key")
	}
	return nil
}
