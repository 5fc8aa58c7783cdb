package signing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/storage"
	"github.com/sigilid/sigil/storage/memory"
)

const testPassphrase = "correct horse battery staple zebra canyon telephone"

func newTestStore(t *testing.T) *Store {
	stem, err := keyvault.NewStem([]string{testPassphrase})
	require.NoError(t, err)
	st, err := NewStore(memory.New(nil), stem, storage.SigningKeyUsageIDToken, nil)
	require.NoError(t, err)
	return st
}

func TestRotateCreatesCurrentAndNextKey(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	require.NoError(t, st.Rotate(context.Background(), now))

	signer, err := st.CurrentSigner(context.Background(), now)
	require.NoError(t, err)
	require.NotEmpty(t, signer.KeyID)

	verificationKeys, err := st.VerificationKeys(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, verificationKeys, 2)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	require.NoError(t, st.Rotate(context.Background(), now))

	signer, err := st.CurrentSigner(context.Background(), now)
	require.NoError(t, err)

	token, err := signer.Sign(now, Claims{Issuer: "https://issuer.example", Subject: "principal-1", Audience: "client-1"})
	require.NoError(t, err)

	keys, err := st.VerificationKeys(context.Background(), now)
	require.NoError(t, err)

	claims, err := ParseAndVerify(token, keys, now)
	require.NoError(t, err)
	require.Equal(t, "principal-1", claims["sub"])
}

func TestParseAndVerifyRejectsExpired(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	require.NoError(t, st.Rotate(context.Background(), now))

	signer, err := st.CurrentSigner(context.Background(), now)
	require.NoError(t, err)

	token, err := signer.Sign(now, Claims{Issuer: "https://issuer.example", Subject: "p", Audience: "c"})
	require.NoError(t, err)

	keys, err := st.VerificationKeys(context.Background(), now)
	require.NoError(t, err)

	_, err = ParseAndVerify(token, keys, now.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrExpired)
}

func TestRotateTwiceIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	require.NoError(t, st.Rotate(context.Background(), now))
	require.NoError(t, st.Rotate(context.Background(), now))

	keys, err := st.VerificationKeys(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestRotationOverlapKeepsOldKeyVerifiable(t *testing.T) {
	st := newTestStore(t)
	t0 := time.Now()
	require.NoError(t, st.Rotate(context.Background(), t0))

	oldSigner, err := st.CurrentSigner(context.Background(), t0)
	require.NoError(t, err)
	token, err := oldSigner.Sign(t0, Claims{Issuer: "https://issuer.example", Subject: "p", Audience: "c"})
	require.NoError(t, err)

	// One rotation period later the "next" key has become current, but
	// the retired key is still in the verification set, so tokens
	// checked against a freshly fetched JWKS keep verifying.
	t1 := t0.Add(RotationPeriod).Add(time.Hour)
	require.NoError(t, st.Rotate(context.Background(), t1))

	newSigner, err := st.CurrentSigner(context.Background(), t1)
	require.NoError(t, err)
	require.NotEqual(t, oldSigner.KeyID, newSigner.KeyID)

	keys, err := st.VerificationKeys(context.Background(), t1)
	require.NoError(t, err)
	_, err = ParseAndVerify(token, keys, t0.Add(30*time.Second))
	require.NoError(t, err)
}

func TestNextKeyAlreadyServesCachedJWKS(t *testing.T) {
	st := newTestStore(t)
	t0 := time.Now()
	require.NoError(t, st.Rotate(context.Background(), t0))

	// An RP that cached the JWKS now must be able to verify tokens
	// signed after the next rotation boundary: the soon-to-be-current
	// key is published ahead of its signing window.
	set, err := st.JWKS(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)

	t1 := t0.Add(RotationPeriod).Add(time.Hour)
	signer, err := st.CurrentSigner(context.Background(), t1)
	require.NoError(t, err)

	var kids []string
	for _, k := range set.Keys {
		kids = append(kids, k.KeyID)
	}
	require.Contains(t, kids, signer.KeyID)
}

func TestRotateBackfillsAfterLongDowntime(t *testing.T) {
	st := newTestStore(t)
	t0 := time.Now()
	require.NoError(t, st.Rotate(context.Background(), t0))

	// Far past every key's expiry: old keys are deleted, and a fresh
	// current/next pair exists.
	t1 := t0.Add(10 * RotationPeriod)
	require.NoError(t, st.Rotate(context.Background(), t1))

	keys, err := st.VerificationKeys(context.Background(), t1)
	require.NoError(t, err)
	require.NotEmpty(t, keys)

	_, err = st.CurrentSigner(context.Background(), t1)
	require.NoError(t, err)
}
