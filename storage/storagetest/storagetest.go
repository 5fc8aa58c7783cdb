// Package storagetest provides a conformance test suite that any
// storage.Storage implementation -- memory or sql.Postgres -- can run
// itself against, so behavior doesn't silently drift between backends.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/storage"
)

// RunTestSuite runs every conformance test against s.
func RunTestSuite(t *testing.T, s storage.Storage) {
	t.Run("ClientRoundTrip", func(t *testing.T) { testClientRoundTrip(t, s) })
	t.Run("OAuthCallbackStateRoundTrip", func(t *testing.T) { testOAuthCallbackStateRoundTrip(t, s) })
	t.Run("OAuthCallbackStateExpiry", func(t *testing.T) { testOAuthCallbackStateExpiry(t, s) })
	t.Run("OidcTokenSingleUse", func(t *testing.T) { testOidcTokenSingleUse(t, s) })
	t.Run("FindOrCreateOAuthIdentityConverges", func(t *testing.T) { testFindOrCreateConverges(t, s) })
	t.Run("FindOrCreateOAuthIdentityConcurrent", func(t *testing.T) { testFindOrCreateConcurrent(t, s) })
	t.Run("SigningKeyRotationLock", func(t *testing.T) { testSigningKeyRotationLock(t, s) })
}

func testClientRoundTrip(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	c := storage.OidcClient{
		ID:           storage.NewClientID(),
		Name:         "conformance client",
		RedirectURIs: []string{"https://rp.example/callback"},
		JWKSURI:      "https://rp.example/jwks",
	}
	require.NoError(t, s.CreateClient(ctx, c))

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
	require.Equal(t, c.JWKSURI, got.JWKSURI)
	require.True(t, got.HasRedirectURI("https://rp.example/callback"))

	require.ErrorIs(t, s.CreateClient(ctx, c), storage.ErrAlreadyExists)
}

func testOAuthCallbackStateRoundTrip(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	client := storage.OidcClient{ID: storage.NewClientID(), Name: "c"}
	require.NoError(t, s.CreateClient(ctx, client))

	cs := storage.OAuthCallbackState{
		ID:            uuid.New(),
		OidcClient:    client.ID,
		ProviderKind:  storage.OAuthProviderGitHub,
		CSRFTokenHash: []byte("hash"),
		Context:       []byte("sealed-context"),
		ExpiredFrom:   time.Now().Add(4 * time.Hour),
	}
	require.NoError(t, s.CreateOAuthCallbackState(ctx, cs))

	got, err := s.GetOAuthCallbackState(ctx, cs.ID)
	require.NoError(t, err)
	require.Equal(t, cs.Context, got.Context)

	require.NoError(t, s.DeleteOAuthCallbackState(ctx, cs.ID))
	_, err = s.GetOAuthCallbackState(ctx, cs.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testOAuthCallbackStateExpiry(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	client := storage.OidcClient{ID: storage.NewClientID(), Name: "c"}
	require.NoError(t, s.CreateClient(ctx, client))

	now := time.Now()
	expired := storage.OAuthCallbackState{
		ID:            uuid.New(),
		OidcClient:    client.ID,
		ProviderKind:  storage.OAuthProviderGitHub,
		CSRFTokenHash: []byte("hash"),
		ExpiredFrom:   now.Add(-time.Minute),
	}
	live := expired
	live.ID = uuid.New()
	live.ExpiredFrom = now.Add(time.Hour)

	require.NoError(t, s.CreateOAuthCallbackState(ctx, expired))
	require.NoError(t, s.CreateOAuthCallbackState(ctx, live))

	n, err := s.DeleteExpiredOAuthCallbackStates(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetOAuthCallbackState(ctx, live.ID)
	require.NoError(t, err)
}

func testOidcTokenSingleUse(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	client := storage.OidcClient{ID: storage.NewClientID(), Name: "c"}
	require.NoError(t, s.CreateClient(ctx, client))

	tok := storage.OidcToken{
		JTI:           uuid.New(),
		OidcClient:    client.ID,
		Token:         "eyJ.fake.jwt",
		RedirectURI:   "https://rp.example/callback",
		CodeChallenge: "xyzzy123",
		ValidBefore:   time.Now().Add(60 * time.Second),
	}
	require.NoError(t, s.CreateOidcToken(ctx, tok))

	got, err := s.GetOidcToken(ctx, tok.JTI)
	require.NoError(t, err)
	require.Equal(t, tok.Token, got.Token)
	require.Equal(t, tok.RedirectURI, got.RedirectURI)

	require.NoError(t, s.DeleteOidcToken(ctx, tok.JTI))
	_, err = s.GetOidcToken(ctx, tok.JTI)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The second delete of the same token must fail: the token endpoint
	// leans on this to guarantee at-most-once code exchange.
	require.ErrorIs(t, s.DeleteOidcToken(ctx, tok.JTI), storage.ErrNotFound)
}

func testFindOrCreateConverges(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p1, err := s.FindOrCreateOAuthIdentity(ctx, storage.OAuthProviderGitHub, "12345")
	require.NoError(t, err)

	p2, err := s.FindOrCreateOAuthIdentity(ctx, storage.OAuthProviderGitHub, "12345")
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)

	p3, err := s.FindOrCreateOAuthIdentity(ctx, storage.OAuthProviderGitHub, "67890")
	require.NoError(t, err)
	require.NotEqual(t, p1.ID, p3.ID)
}

// Concurrent first logins of the same upstream identity must converge
// on a single principal, however the backend serializes them.
func testFindOrCreateConcurrent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	const workers = 8

	results := make([]storage.Principal, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.FindOrCreateOAuthIdentity(ctx, storage.OAuthProviderGitLab, "race-331")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].ID, results[i].ID)
	}
}

func testSigningKeyRotationLock(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	const space, id = int32(1), int32(1088700994)

	err := s.RunSerializable(ctx, func(ctx context.Context, tx storage.Tx) error {
		held, err := tx.TryAdvisoryLock(ctx, space, id)
		require.NoError(t, err)
		require.True(t, held)

		key := storage.SigningKey{
			ID:          uuid.New(),
			Usage:       storage.SigningKeyUsageIDToken,
			Key:         []byte("sealed"),
			UsedFrom:    time.Now(),
			NotUsedFrom: time.Now().Add(7 * 24 * time.Hour),
			ExpiredFrom: time.Now().Add(14 * 24 * time.Hour),
		}
		require.NoError(t, tx.CreateSigningKey(ctx, key))

		keys, err := tx.ListSigningKeys(ctx, storage.SigningKeyUsageIDToken)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		return nil
	})
	require.NoError(t, err)

	// A separate transaction can still take the same lock once the first
	// one has committed: the lock is transaction-scoped, not held forever.
	err = s.RunSerializable(ctx, func(ctx context.Context, tx storage.Tx) error {
		held, err := tx.TryAdvisoryLock(ctx, space, id)
		require.NoError(t, err)
		require.True(t, held)
		return nil
	})
	require.NoError(t, err)
}
