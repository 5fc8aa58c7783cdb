package oauthbroker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/storage"
	"github.com/sigilid/sigil/storage/memory"
)

type fakeProvider struct {
	kind        storage.OAuthProviderKind
	identity    Identity
	exchangeErr error
}

func (f *fakeProvider) Kind() storage.OAuthProviderKind { return f.kind }

func (f *fakeProvider) LoginURL(redirectURL, state string) (string, error) {
	return "https://upstream.example/authorize?state=" + state, nil
}

func (f *fakeProvider) ExchangeIdentity(ctx context.Context, code, redirectURL string) (Identity, error) {
	if f.exchangeErr != nil {
		return Identity{}, f.exchangeErr
	}
	return f.identity, nil
}

func registerClient(t *testing.T, s storage.Storage, tokenForwardJWKURI string) storage.OidcClient {
	t.Helper()
	client := storage.OidcClient{
		ID:                 storage.NewClientID(),
		Name:               "test rp",
		RedirectURIs:       []string{"https://rp.example/callback"},
		JWKSURI:            "https://rp.example/jwks",
		TokenForwardJWKURI: tokenForwardJWKURI,
	}
	require.NoError(t, s.CreateClient(context.Background(), client))
	return client
}

func TestStateRoundTrip(t *testing.T) {
	id := uuid.New()
	got, err := DecodeState(EncodeState(id))
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = DecodeState("not!base64url")
	require.Error(t, err)
}

func TestBeginLoginAndHandleCallback(t *testing.T) {
	s := memory.New(nil)
	provider := &fakeProvider{
		kind:     storage.OAuthProviderGitHub,
		identity: Identity{ProviderUserID: "12345", Attributes: []Attribute{{Kind: AttributeUsername, Value: "octocat"}}},
	}
	b := New(s, nil, nil, provider)

	ctx := context.Background()
	now := time.Now()
	client := registerClient(t, s, "")

	loginURL, stateID, err := b.BeginLogin(ctx, storage.OAuthProviderGitHub, client.ID, "https://idp.example/authenticate/oauth_callback", "csrf-token", []byte("sealed-context"), now)
	require.NoError(t, err)
	require.Contains(t, loginURL, EncodeState(stateID))

	result, err := b.HandleCallback(ctx, stateID, "csrf-token", "auth-code", "https://idp.example/authenticate/oauth_callback", now)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed-context"), result.SealedContext)
	require.Len(t, result.Attributes, 1)

	// Calling back a second time must fail: the state was deleted.
	_, err = b.HandleCallback(ctx, stateID, "csrf-token", "auth-code", "https://idp.example/authenticate/oauth_callback", now)
	require.Error(t, err)
}

func TestHandleCallbackRejectsCSRFMismatch(t *testing.T) {
	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: Identity{ProviderUserID: "12345"}}
	b := New(s, nil, nil, provider)

	client := registerClient(t, s, "")
	now := time.Now()

	_, stateID, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf-token", nil, now)
	require.NoError(t, err)

	_, err = b.HandleCallback(context.Background(), stateID, "wrong-token", "auth-code", "https://idp.example/cb", now)
	require.ErrorIs(t, err, ErrCSRFMismatch)
}

func TestHandleCallbackRejectsExpiredState(t *testing.T) {
	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: Identity{ProviderUserID: "12345"}}
	b := New(s, nil, nil, provider)

	client := registerClient(t, s, "")
	now := time.Now()

	_, stateID, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf-token", nil, now)
	require.NoError(t, err)

	_, err = b.HandleCallback(context.Background(), stateID, "csrf-token", "auth-code", "https://idp.example/cb", now.Add(5*time.Hour))
	require.ErrorIs(t, err, ErrStateExpired)
}

func TestBeginLoginRejectsUnknownProvider(t *testing.T) {
	s := memory.New(nil)
	b := New(s, nil, nil)

	_, _, err := b.BeginLogin(context.Background(), storage.OAuthProviderGoogle, uuid.New(), "https://idp.example/cb", "csrf-token", nil, time.Now())
	require.ErrorIs(t, err, ErrUnknownProvider)
}

// jaimeIdentity is the GitHub first-login fixture: a user with a primary
// verified address, a secondary verified address, and an unverified one.
func jaimeIdentity(accessToken string) Identity {
	return Identity{
		ProviderUserID: "42",
		Attributes: []Attribute{
			{Kind: AttributeUsername, Value: "jaime"},
			{Kind: AttributeDisplayName, Value: "Jaime Jaimington"},
			{Kind: AttributePrimaryEmail, Value: "jaime@x.test"},
			{Kind: AttributeVerifiedEmail, Value: "j.jaim@co.example"},
			{Kind: AttributeEmail, Value: "someoneelse@x.net"},
		},
		AccessToken: accessToken,
	}
}

func TestFirstLoginAttributeSet(t *testing.T) {
	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: jaimeIdentity("gho_upstream")}
	b := New(s, nil, nil, provider)

	client := registerClient(t, s, "")
	now := time.Now()

	_, stateID, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf", nil, now)
	require.NoError(t, err)
	result, err := b.HandleCallback(context.Background(), stateID, "csrf", "code", "https://idp.example/cb", now)
	require.NoError(t, err)

	// Exactly the five typed attributes; no AccessToken without a
	// registered forwarding JWK.
	require.Equal(t, jaimeIdentity("").Attributes, result.Attributes)
}

func TestFirstLoginForwardsAccessToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	jwkServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKey{Key: pub, Algorithm: "EdDSA", Use: "enc"})
	}))
	defer jwkServer.Close()

	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: jaimeIdentity("gho_upstream")}
	b := New(s, jwkServer.Client(), nil, provider)

	client := registerClient(t, s, jwkServer.URL)
	now := time.Now()

	_, stateID, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf", nil, now)
	require.NoError(t, err)
	result, err := b.HandleCallback(context.Background(), stateID, "csrf", "code", "https://idp.example/cb", now)
	require.NoError(t, err)

	require.Len(t, result.Attributes, 6)
	last := result.Attributes[5]
	require.Equal(t, AttributeAccessToken, last.Kind)

	// Only the holder of the RP's Ed25519 private key can recover the
	// upstream token.
	sealed, err := base64.RawURLEncoding.DecodeString(last.Value)
	require.NoError(t, err)
	opened, err := keyvault.OpenSealedEd25519(priv, sealed)
	require.NoError(t, err)
	require.Equal(t, "gho_upstream", string(opened))
}

func TestFirstLoginOmitsTokenWhenJWKFetchFails(t *testing.T) {
	jwkServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer jwkServer.Close()

	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: jaimeIdentity("gho_upstream")}
	b := New(s, jwkServer.Client(), nil, provider)

	client := registerClient(t, s, jwkServer.URL)
	now := time.Now()

	_, stateID, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf", nil, now)
	require.NoError(t, err)
	result, err := b.HandleCallback(context.Background(), stateID, "csrf", "code", "https://idp.example/cb", now)
	require.NoError(t, err)
	require.Equal(t, jaimeIdentity("").Attributes, result.Attributes)
}

func TestFindOrCreateOAuthIdentityReconcilesRepeatLogins(t *testing.T) {
	s := memory.New(nil)
	provider := &fakeProvider{kind: storage.OAuthProviderGitHub, identity: Identity{ProviderUserID: "999"}}
	b := New(s, nil, nil, provider)

	client := registerClient(t, s, "")
	now := time.Now()

	_, stateID1, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf-1", nil, now)
	require.NoError(t, err)
	result1, err := b.HandleCallback(context.Background(), stateID1, "csrf-1", "code-1", "https://idp.example/cb", now)
	require.NoError(t, err)

	_, stateID2, err := b.BeginLogin(context.Background(), storage.OAuthProviderGitHub, client.ID, "https://idp.example/cb", "csrf-2", nil, now)
	require.NoError(t, err)
	result2, err := b.HandleCallback(context.Background(), stateID2, "csrf-2", "code-2", "https://idp.example/cb", now)
	require.NoError(t, err)

	require.Equal(t, result1.Principal, result2.Principal)
}
