// Package oauthbroker mediates "continue with GitHub/GitLab/Google"
// logins: sending the browser to an upstream provider's authorization
// endpoint, validating the callback, exchanging the code, fetching the
// upstream identity, and reconciling it to a local Principal.
package oauthbroker

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/storage"
)

// AttributeKind mirrors the identity attribute taxonomy a provider can
// contribute: typically a Username (the Google provider contributes
// none), optionally a DisplayName, and zero or more classified emails.
type AttributeKind string

const (
	AttributeUsername      AttributeKind = "username"
	AttributeDisplayName   AttributeKind = "display_name"
	AttributePrimaryEmail  AttributeKind = "primary_email"
	AttributeVerifiedEmail AttributeKind = "verified_email"
	AttributeEmail         AttributeKind = "email"
	AttributeAccessToken   AttributeKind = "access_token"
)

// Attribute is a single (kind, value) pair contributed by a provider.
type Attribute struct {
	Kind  AttributeKind
	Value string
}

// Identity is what a provider learned about the user from the upstream
// service. ProviderUserID is the upstream account identifier used for
// reconciliation; AccessToken is the upstream OAuth access token, held
// only long enough to optionally seal it for the relying party.
type Identity struct {
	ProviderUserID string
	Attributes     []Attribute
	AccessToken    string
}

// Provider is the strategy object each upstream OAuth integration
// implements. Exactly one Provider exists per storage.OAuthProviderKind.
type Provider interface {
	Kind() storage.OAuthProviderKind

	// LoginURL builds the upstream authorization URL the browser should
	// be redirected to, binding state as the CSRF-protecting value.
	LoginURL(redirectURL, state string) (string, error)

	// ExchangeIdentity exchanges code for the upstream identity.
	ExchangeIdentity(ctx context.Context, code, redirectURL string) (Identity, error)
}

// CallbackValidFor is how long an OAuthCallbackState row remains usable:
// long enough to cover a user who takes their time on the upstream
// provider's consent screen, short enough that a lost or logged URL
// doesn't stay exploitable indefinitely.
const CallbackValidFor = 4 * time.Hour

// ForwardJWKTimeout is the hard deadline on fetching a relying party's
// token-forwarding JWK. A slow RP must not slow the login down; past
// this the AccessToken attribute is simply omitted.
const ForwardJWKTimeout = 3 * time.Second

// ErrUnknownProvider is returned when a provider kind has no registered
// Provider.
var ErrUnknownProvider = errors.New("oauthbroker: unknown provider")

// ErrCSRFMismatch is returned when the callback's csrf cookie does not
// hash to the value recorded when the callback state was created.
var ErrCSRFMismatch = errors.New("oauthbroker: csrf token does not match")

// ErrStateExpired is returned when the callback state exists but its
// expiry has passed.
var ErrStateExpired = errors.New("oauthbroker: callback state expired")

// EncodeState converts a callback-state row ID into the value carried in
// the upstream `state` parameter: the raw UUID bytes, base64url.
func EncodeState(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeState is the inverse of EncodeState.
func DecodeState(s string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("oauthbroker: decoding state: %w", err)
	}
	return uuid.FromBytes(raw)
}

// Broker ties the provider map to storage, and implements the
// find-or-create reconciliation every provider shares.
type Broker struct {
	storage    storage.Storage
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	providers map[storage.OAuthProviderKind]Provider
}

// New builds a Broker over the given providers, keyed by their own
// Kind(). httpClient is used only for the token-forwarding JWK fetch;
// providers carry their own clients for the upstream exchanges.
func New(s storage.Storage, httpClient *http.Client, logger *slog.Logger, providers ...Provider) *Broker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[storage.OAuthProviderKind]Provider, len(providers))
	for _, p := range providers {
		m[p.Kind()] = p
	}
	return &Broker{storage: s, httpClient: httpClient, logger: logger, providers: m}
}

func (b *Broker) Provider(kind storage.OAuthProviderKind) (Provider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.providers[kind]
	if !ok {
		return Provider(nil), fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return p, nil
}

// Kinds lists the provider kinds with a registered Provider, in the
// fixed github/gitlab/google order the authenticate page renders them.
func (b *Broker) Kinds() []storage.OAuthProviderKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []storage.OAuthProviderKind
	for _, kind := range []storage.OAuthProviderKind{
		storage.OAuthProviderGitHub,
		storage.OAuthProviderGitLab,
		storage.OAuthProviderGoogle,
	} {
		if _, ok := b.providers[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// BeginLogin creates the OAuthCallbackState row and returns the upstream
// login URL the browser should be redirected to. sealedContext is the
// caller's AuthContext, already encoded, stored verbatim so the callback
// can pick the flow back up. csrfToken is the browser's csrf cookie
// value; only its hash is persisted.
func (b *Broker) BeginLogin(ctx context.Context, kind storage.OAuthProviderKind, client uuid.UUID, redirectURL, csrfToken string, sealedContext []byte, now time.Time) (loginURL string, stateID uuid.UUID, err error) {
	provider, err := b.Provider(kind)
	if err != nil {
		return "", uuid.UUID{}, err
	}

	stateID = uuid.New()
	hash := sha256.Sum256([]byte(csrfToken))
	if err := b.storage.CreateOAuthCallbackState(ctx, storage.OAuthCallbackState{
		ID:            stateID,
		OidcClient:    client,
		ProviderKind:  kind,
		CSRFTokenHash: hash[:],
		Context:       sealedContext,
		ExpiredFrom:   now.Add(CallbackValidFor),
	}); err != nil {
		return "", uuid.UUID{}, err
	}

	url, err := provider.LoginURL(redirectURL, EncodeState(stateID))
	if err != nil {
		return "", uuid.UUID{}, err
	}
	return url, stateID, nil
}

// CallbackResult is what HandleCallback hands back to the HTTP layer once
// the upstream identity has been reconciled.
type CallbackResult struct {
	Principal     storage.Principal
	Attributes    []Attribute
	SealedContext []byte
}

// HandleCallback validates the callback state (existence, expiry, CSRF
// token), exchanges the authorization code for the upstream identity,
// reconciles it to a Principal, and, when the relying party registered a
// token-forwarding JWK, seals the upstream access token to it. The
// callback state is deleted once the upstream exchange has succeeded, so
// a replayed callback URL fails on the lookup.
func (b *Broker) HandleCallback(ctx context.Context, stateID uuid.UUID, csrfToken, code, redirectURL string, now time.Time) (CallbackResult, error) {
	state, err := b.storage.GetOAuthCallbackState(ctx, stateID)
	if err != nil {
		return CallbackResult{}, err
	}

	if state.IsExpired(now) {
		return CallbackResult{}, ErrStateExpired
	}

	gotHash := sha256.Sum256([]byte(csrfToken))
	if subtle.ConstantTimeCompare(gotHash[:], state.CSRFTokenHash) != 1 {
		return CallbackResult{}, ErrCSRFMismatch
	}

	provider, err := b.Provider(state.ProviderKind)
	if err != nil {
		return CallbackResult{}, err
	}

	identity, err := provider.ExchangeIdentity(ctx, code, redirectURL)
	if err != nil {
		// Upstream failure: the row stays behind for the garbage
		// collector.
		return CallbackResult{}, err
	}

	if err := b.storage.DeleteOAuthCallbackState(ctx, stateID); err != nil {
		return CallbackResult{}, err
	}

	principal, err := b.storage.FindOrCreateOAuthIdentity(ctx, state.ProviderKind, identity.ProviderUserID)
	if err != nil {
		return CallbackResult{}, err
	}

	attrs := identity.Attributes
	if sealed, ok := b.forwardAccessToken(ctx, state.OidcClient, identity.AccessToken); ok {
		attrs = append(attrs, Attribute{Kind: AttributeAccessToken, Value: sealed})
	}

	return CallbackResult{Principal: principal, Attributes: attrs, SealedContext: state.Context}, nil
}

// forwardAccessToken seals accessToken to the relying party's published
// token-forwarding JWK. Every failure mode -- no JWK registered, fetch
// timeout, non-200, unparsable key -- silently omits the attribute; the
// login itself must not depend on the RP's forwarding endpoint, and the
// token value is never logged.
func (b *Broker) forwardAccessToken(ctx context.Context, clientID uuid.UUID, accessToken string) (string, bool) {
	if accessToken == "" {
		return "", false
	}
	client, err := b.storage.GetClient(ctx, clientID)
	if err != nil || client.TokenForwardJWKURI == "" {
		return "", false
	}

	pub, ok := b.fetchForwardJWK(ctx, client.TokenForwardJWKURI)
	if !ok {
		return "", false
	}

	sealed, err := keyvault.SealToEd25519(pub, []byte(accessToken))
	if err != nil {
		b.logger.Warn("sealing forwarded access token failed", "client", clientID)
		return "", false
	}
	return base64.RawURLEncoding.EncodeToString(sealed), true
}

func (b *Broker) fetchForwardJWK(ctx context.Context, url string) (ed25519.PublicKey, bool) {
	ctx, cancel := context.WithTimeout(ctx, ForwardJWKTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("fetching token-forward JWK failed", "url", url, "err", err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("fetching token-forward JWK failed", "url", url, "status", resp.StatusCode)
		return nil, false
	}

	var jwk jose.JSONWebKey
	if err := json.NewDecoder(resp.Body).Decode(&jwk); err != nil {
		b.logger.Warn("parsing token-forward JWK failed", "url", url, "err", err)
		return nil, false
	}
	edPub, ok := jwk.Key.(ed25519.PublicKey)
	if !ok || len(edPub) != ed25519.PublicKeySize {
		b.logger.Warn("token-forward JWK is not an Ed25519 key", "url", url)
		return nil, false
	}
	return edPub, true
}
