package walletauth

import (
	"fmt"
	"time"

	"github.com/atelier-network/atelier/internal/errors"
)

// FreshnessWindow bounds how far a proof's timestamp may drift from the
// server clock, in either direction. Future-dated proofs beyond the window
// are rejected to close the pre-signed replay vector.
const FreshnessWindow = 5 * time.Minute

// Proof is a transient assertion of wallet control. It is consumed per
// request and never persisted.
type Proof struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signed_at"` // unix milliseconds
}

// Authenticator validates wallet proofs against the canonical message
// format and freshness window.
//
// A proof remains valid for multiple verifications inside its freshness
// window; callers wanting single-use proofs must layer a nonce store on
// top.
type Authenticator struct {
	window time.Duration
	now    func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an Authenticator with the standard freshness window.
func New(opts ...Option) *Authenticator {
	a := &Authenticator{window: FreshnessWindow, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CanonicalMessage builds the exact message a wallet must sign:
// "atelier:" + wallet + ":" + decimal unix-millis timestamp.
func CanonicalMessage(wallet string, signedAt int64) string {
	return fmt.Sprintf("atelier:%s:%d", wallet, signedAt)
}

// Authenticate verifies the proof and returns the authenticated wallet
// address. When expectedWallet is non-empty the proof must be for exactly
// that address.
func (a *Authenticator) Authenticate(proof Proof, expectedWallet string) (string, error) {
	if proof.Wallet == "" || proof.Signature == "" || proof.SignedAt == 0 {
		return "", errors.Validation("wallet, signature and signed_at are required")
	}
	if expectedWallet != "" && proof.Wallet != expectedWallet {
		return "", errors.WalletMismatch()
	}

	age := a.now().UnixMilli() - proof.SignedAt
	if age < 0 {
		age = -age
	}
	if age > a.window.Milliseconds() {
		return "", errors.SignatureExpired()
	}

	sig, ok := DecodeSignature(proof.Signature)
	if !ok {
		return "", errors.InvalidSignature()
	}
	message := CanonicalMessage(proof.Wallet, proof.SignedAt)
	if !Verify([]byte(message), sig, proof.Wallet) {
		return "", errors.InvalidSignature()
	}
	return proof.Wallet, nil
}
