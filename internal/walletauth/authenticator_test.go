package walletauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/atelier-network/atelier/internal/errors"
)

type testWallet struct {
	address string
	priv    ed25519.PrivateKey
}

func newTestWallet(t *testing.T) testWallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testWallet{address: base58.Encode(pub), priv: priv}
}

func (w testWallet) sign(signedAt int64) Proof {
	msg := CanonicalMessage(w.address, signedAt)
	sig := ed25519.Sign(w.priv, []byte(msg))
	return Proof{Wallet: w.address, Signature: base58.Encode(sig), SignedAt: signedAt}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestAuthenticateValidProof(t *testing.T) {
	now := time.Now()
	w := newTestWallet(t)
	auth := New(WithClock(fixedClock(now)))

	wallet, err := auth.Authenticate(w.sign(now.UnixMilli()), "")
	require.NoError(t, err)
	require.Equal(t, w.address, wallet)

	// Same proof verifies again inside the window.
	wallet, err = auth.Authenticate(w.sign(now.UnixMilli()), w.address)
	require.NoError(t, err)
	require.Equal(t, w.address, wallet)
}

func TestAuthenticateMissingFields(t *testing.T) {
	auth := New()
	_, err := auth.Authenticate(Proof{Wallet: "abc"}, "")
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	require.Equal(t, errors.CodeValidation, svcErr.Code)
}

func TestAuthenticateFreshness(t *testing.T) {
	now := time.Now()
	w := newTestWallet(t)
	auth := New(WithClock(fixedClock(now)))

	cases := []struct {
		name     string
		signedAt int64
		code     errors.Code
	}{
		{"stale beyond window", now.Add(-5*time.Minute - time.Second).UnixMilli(), errors.CodeSignatureExpired},
		{"future beyond window", now.Add(5*time.Minute + time.Second).UnixMilli(), errors.CodeSignatureExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := auth.Authenticate(w.sign(tc.signedAt), "")
			svcErr := errors.GetServiceError(err)
			require.NotNil(t, svcErr)
			require.Equal(t, tc.code, svcErr.Code)
		})
	}

	// Edges of the window are still valid.
	_, err := auth.Authenticate(w.sign(now.Add(-5*time.Minute).UnixMilli()), "")
	require.NoError(t, err)
	_, err = auth.Authenticate(w.sign(now.Add(4*time.Minute).UnixMilli()), "")
	require.NoError(t, err)
}

func TestAuthenticateExpiredEvenIfSignatureValid(t *testing.T) {
	now := time.Now()
	w := newTestWallet(t)
	auth := New(WithClock(fixedClock(now.Add(10 * time.Minute))))

	// Signature itself is genuine; only the timestamp is stale.
	_, err := auth.Authenticate(w.sign(now.UnixMilli()), "")
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	require.Equal(t, errors.CodeSignatureExpired, svcErr.Code)
}

func TestAuthenticateWalletMismatch(t *testing.T) {
	now := time.Now()
	w := newTestWallet(t)
	other := newTestWallet(t)
	auth := New(WithClock(fixedClock(now)))

	_, err := auth.Authenticate(w.sign(now.UnixMilli()), other.address)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	require.Equal(t, errors.CodeWalletMismatch, svcErr.Code)
}

func TestSignatureBinding(t *testing.T) {
	now := time.Now()
	w := newTestWallet(t)
	other := newTestWallet(t)
	auth := New(WithClock(fixedClock(now)))

	proof := w.sign(now.UnixMilli())

	// Signature valid for wallet A presented as wallet B.
	stolen := proof
	stolen.Wallet = other.address
	_, err := auth.Authenticate(stolen, "")
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	require.Equal(t, errors.CodeInvalidSignature, svcErr.Code)

	// Signature valid for timestamp T presented with timestamp T'.
	shifted := proof
	shifted.SignedAt = proof.SignedAt + 1
	_, err = auth.Authenticate(shifted, "")
	svcErr = errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	require.Equal(t, errors.CodeInvalidSignature, svcErr.Code)
}

func TestVerifyMalformedInput(t *testing.T) {
	w := newTestWallet(t)
	msg := []byte("atelier:test:1")
	sig := ed25519.Sign(w.priv, msg)

	require.True(t, Verify(msg, sig, w.address))
	require.False(t, Verify(msg, sig, "not-base58-0OIl"))
	require.False(t, Verify(msg, sig, base58.Encode([]byte("short"))))
	require.False(t, Verify(msg, sig[:10], w.address))
	require.False(t, Verify([]byte("other message"), sig, w.address))

	_, ok := DecodeSignature("0OIl")
	require.False(t, ok)
	_, ok = DecodeSignature(base58.Encode(sig))
	require.True(t, ok)
}
