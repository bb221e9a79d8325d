// Package walletauth implements stateless wallet-signature authentication.
// A caller proves control of a wallet address by signing a canonical,
// timestamped message with the address's ed25519 key; no session or nonce
// store is involved.
package walletauth

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"
)

// Verify checks a detached ed25519 signature over message against the
// base58-encoded wallet address. Malformed addresses or signatures return
// false, indistinguishable from an invalid signature.
func Verify(message []byte, signature []byte, wallet string) bool {
	publicKey, err := base58.Decode(wallet)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// DecodeSignature decodes a base58-encoded signature. Callers treat a
// decode failure the same as a failed verification.
func DecodeSignature(encoded string) ([]byte, bool) {
	sig, err := base58.Decode(encoded)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, false
	}
	return sig, true
}
