// Package storage defines the persisted data model of the identity
// provider and the interface its HTTP handlers, the OAuth broker, and the
// signing-key rotator use to read and write it. The sql subpackage is the
// production implementation; memory is used by tests and by any single-
// process deployment that doesn't need the advisory-lock coordination a
// multi-instance Postgres deployment relies on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup by ID or unique key finds no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned by a Create when the row's primary or
	// unique key collides with an existing row.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrConflict is returned by RunSerializable when the underlying
	// transaction could not be retried within its budget because every
	// attempt hit a serialization failure or deadlock.
	ErrConflict = errors.New("storage: could not complete transaction, too many conflicts")
)

// NewClientID returns a v4 (fully random) UUID. OidcClient deliberately
// does not use a time-ordered identifier: its ID often ends up embedded
// in long-lived RP configuration, and a v7 UUID would leak the moment the
// client was registered.
func NewClientID() uuid.UUID {
	return uuid.New()
}

// UnknownUser is the sentinel Principal ID used inside an AuthContext to
// mean "the submitted email does not match any known user," so that the
// password authentication path can carry a pwhash and run bcrypt whether
// or not the account exists. It is never written to the principals table.
var UnknownUser = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// OidcClient is a relying party registered to use this provider.
// JWKSURI is where the client publishes the keys it signs its token-
// endpoint client assertions with; TokenForwardJWKURI, when set, is
// where it publishes the key upstream access tokens should be sealed to.
type OidcClient struct {
	ID                 uuid.UUID
	Name               string
	RedirectURIs       []string
	JWKSURI            string
	TokenForwardJWKURI string
}

// HasRedirectURI reports whether uri is one of the client's registered
// redirect URIs.
func (c OidcClient) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Principal is an authenticated subject: the "sub" an ID token is issued
// for. A Principal may be reachable via a password-backed User row, one
// or more OAuthIdentity rows, or both.
type Principal struct {
	ID uuid.UUID
}

// User is the password-authentication record for a Principal.
type User struct {
	ID        uuid.UUID
	Principal uuid.UUID
	Email     string
	PwHash    []byte
}

// OAuthProviderKind identifies an upstream OAuth provider strategy.
type OAuthProviderKind string

const (
	OAuthProviderGitHub OAuthProviderKind = "github"
	OAuthProviderGitLab OAuthProviderKind = "gitlab"
	OAuthProviderGoogle OAuthProviderKind = "google"
)

// OAuthIdentity links a Principal to an account on an upstream provider.
type OAuthIdentity struct {
	ID                 uuid.UUID
	Principal          uuid.UUID
	ProviderKind       OAuthProviderKind
	ProviderIdentifier string
}

// OAuthCallbackState is the short-lived row created when a user is sent
// to an upstream provider's authorization endpoint, used to validate the
// callback and recover the in-flight AuthContext.
type OAuthCallbackState struct {
	ID           uuid.UUID
	OidcClient   uuid.UUID
	ProviderKind OAuthProviderKind
	CSRFTokenHash []byte
	Context      []byte
	ExpiredFrom  time.Time
}

// IsExpired reports whether the callback state is no longer usable at now.
func (s OAuthCallbackState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiredFrom)
}

// OidcToken is an issued authorization code, recorded so the token
// endpoint can validate and consume it exactly once. Token is the
// already-signed ID token, minted at the moment authentication
// succeeded; the token endpoint releases it verbatim rather than
// signing anything itself.
type OidcToken struct {
	JTI           uuid.UUID
	OidcClient    uuid.UUID
	Token         string
	RedirectURI   string
	CodeChallenge string
	ValidBefore   time.Time
}

// IsExpired reports whether the token is no longer redeemable at now.
func (t OidcToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ValidBefore)
}

// SigningKeyUsage distinguishes the key families the provider maintains.
// Only one usage ("id_token") exists today, but the schema and rotation
// logic are usage-scoped so a second purpose (e.g. a distinct key family
// for client-assertion verification) can be added without a migration.
const SigningKeyUsageIDToken = "id_token"

// SigningKey is a single Ed25519 key in the rotation. At most one key per
// usage is "current" (UsedFrom in the past, NotUsedFrom in the future);
// at most one is "next" (UsedFrom in the future). Keys with ExpiredFrom in
// the past are deleted by the rotation task.
type SigningKey struct {
	ID          uuid.UUID
	Usage       string
	Key         []byte // sealed at rest under the signing-key Box
	UsedFrom    time.Time
	NotUsedFrom time.Time
	ExpiredFrom time.Time
}

// IsCurrent reports whether the key is the one that should be used to
// sign new tokens at now.
func (k SigningKey) IsCurrent(now time.Time) bool {
	return !now.Before(k.UsedFrom) && now.Before(k.NotUsedFrom)
}

// Tx is a storage-backed transaction, used by callers that need the
// advisory-lock primitive or want several operations to commit together.
// Its signing-key methods exist alongside the top-level Storage ones
// specifically so that signing.Store can list, create, and update keys
// from inside the same transaction that holds the rotation advisory lock.
type Tx interface {
	// TryAdvisoryLock attempts to acquire a transaction-scoped, non-
	// blocking advisory lock. It returns false, not an error, if the lock
	// is already held elsewhere; the lock is released automatically when
	// the transaction commits or rolls back.
	TryAdvisoryLock(ctx context.Context, space, id int32) (bool, error)

	ListSigningKeys(ctx context.Context, usage string) ([]SigningKey, error)
	CreateSigningKey(ctx context.Context, k SigningKey) error
	SaveSigningKey(ctx context.Context, k SigningKey) error
	DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error)
}

// Storage is the persistence interface used by the rest of the provider.
// Implementations must support Postgres-style SERIALIZABLE isolation:
// RunSerializable retries the given function on conflict, so callers
// should make fn idempotent and side-effect-free outside of the
// transaction it's given.
type Storage interface {
	Close() error

	RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateClient(ctx context.Context, c OidcClient) error
	GetClient(ctx context.Context, id uuid.UUID) (OidcClient, error)

	GetUserByEmail(ctx context.Context, email string) (User, error)

	FindOrCreateOAuthIdentity(ctx context.Context, kind OAuthProviderKind, providerID string) (Principal, error)

	CreateOAuthCallbackState(ctx context.Context, s OAuthCallbackState) error
	GetOAuthCallbackState(ctx context.Context, id uuid.UUID) (OAuthCallbackState, error)
	DeleteOAuthCallbackState(ctx context.Context, id uuid.UUID) error
	DeleteExpiredOAuthCallbackStates(ctx context.Context, now time.Time) (int64, error)

	CreateOidcToken(ctx context.Context, t OidcToken) error
	GetOidcToken(ctx context.Context, jti uuid.UUID) (OidcToken, error)

	// DeleteOidcToken returns ErrNotFound if the token was already gone.
	// That makes the delete the linearization point for the single-use
	// guarantee: of two racing exchanges of the same code, exactly one
	// observes a successful delete.
	DeleteOidcToken(ctx context.Context, jti uuid.UUID) error
	DeleteExpiredOidcTokens(ctx context.Context, now time.Time) (int64, error)

	// Signing-key reads outside of a rotation transaction go through these;
	// writes always happen inside RunSerializable via the Tx methods above.
	ListSigningKeys(ctx context.Context, usage string) ([]SigningKey, error)
}
