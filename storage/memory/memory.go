// Package memory provides an in-process implementation of storage.Storage,
// used by tests and by single-instance deployments that don't need the
// cross-instance advisory-lock coordination a Postgres deployment relies
// on for signing-key rotation.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigilid/sigil/storage"
)

var _ storage.Storage = (*Storage)(nil)

// Storage is a mutex-guarded, map-backed storage.Storage. Its
// RunSerializable does not retry anything -- there is nothing to
// conflict with under a single process-wide lock -- but the advisory
// lock it hands out is real and behaves like Postgres's: at most one
// holder at a time, scoped to the call.
type Storage struct {
	mu sync.Mutex

	clients         map[uuid.UUID]storage.OidcClient
	usersByEmail    map[string]storage.User
	oauthIdentities map[oauthIdentityKey]uuid.UUID
	callbackStates  map[uuid.UUID]storage.OAuthCallbackState
	tokens          map[uuid.UUID]storage.OidcToken
	signingKeys     map[uuid.UUID]storage.SigningKey

	locks map[int64]bool

	logger *slog.Logger
}

type oauthIdentityKey struct {
	kind storage.OAuthProviderKind
	id   string
}

// New returns an empty in-process Storage.
func New(logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		clients:         make(map[uuid.UUID]storage.OidcClient),
		usersByEmail:    make(map[string]storage.User),
		oauthIdentities: make(map[oauthIdentityKey]uuid.UUID),
		callbackStates:  make(map[uuid.UUID]storage.OAuthCallbackState),
		tokens:          make(map[uuid.UUID]storage.OidcToken),
		signingKeys:     make(map[uuid.UUID]storage.SigningKey),
		locks:           make(map[int64]bool),
		logger:          logger,
	}
}

func (s *Storage) Close() error { return nil }

// memTx is the storage.Tx handed to RunSerializable callbacks. The lock it
// grants is released when the call to RunSerializable returns.
type memTx struct {
	s      *Storage
	held   []int64
}

func (t *memTx) TryAdvisoryLock(ctx context.Context, space, id int32) (bool, error) {
	key := int64(space)<<32 | int64(uint32(id))
	if t.s.locks[key] {
		return false, nil
	}
	t.s.locks[key] = true
	t.held = append(t.held, key)
	return true, nil
}

// ListSigningKeys, CreateSigningKey, SaveSigningKey, and
// DeleteExpiredSigningKeys on memTx touch s.signingKeys directly rather
// than calling back into Storage's own methods, since RunSerializable
// already holds s.mu for the duration of the callback.

func (t *memTx) ListSigningKeys(ctx context.Context, usage string) ([]storage.SigningKey, error) {
	var out []storage.SigningKey
	for _, k := range t.s.signingKeys {
		if k.Usage == usage {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *memTx) CreateSigningKey(ctx context.Context, k storage.SigningKey) error {
	if _, ok := t.s.signingKeys[k.ID]; ok {
		return storage.ErrAlreadyExists
	}
	t.s.signingKeys[k.ID] = k
	return nil
}

func (t *memTx) SaveSigningKey(ctx context.Context, k storage.SigningKey) error {
	if _, ok := t.s.signingKeys[k.ID]; !ok {
		return storage.ErrNotFound
	}
	t.s.signingKeys[k.ID] = k
	return nil
}

func (t *memTx) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, k := range t.s.signingKeys {
		if !now.Before(k.ExpiredFrom) {
			delete(t.s.signingKeys, id)
			n++
		}
	}
	return n, nil
}

func (s *Storage) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		for _, key := range tx.held {
			delete(s.locks, key)
		}
	}()

	return fn(ctx, tx)
}

func (s *Storage) CreateClient(ctx context.Context, c storage.OidcClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.clients[c.ID] = c
	return nil
}

func (s *Storage) GetClient(ctx context.Context, id uuid.UUID) (storage.OidcClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return storage.OidcClient{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByEmail[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

// CreateUser is not part of storage.Storage (user provisioning is an
// operator action), but operator tooling and tests need a way to seed
// password accounts.
func (s *Storage) CreateUser(ctx context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByEmail[u.Email]; ok {
		return storage.ErrAlreadyExists
	}
	s.usersByEmail[u.Email] = u
	return nil
}

func (s *Storage) FindOrCreateOAuthIdentity(ctx context.Context, kind storage.OAuthProviderKind, providerID string) (storage.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := oauthIdentityKey{kind: kind, id: providerID}
	if existing, ok := s.oauthIdentities[key]; ok {
		return storage.Principal{ID: existing}, nil
	}

	newID := uuid.New()
	s.oauthIdentities[key] = newID
	return storage.Principal{ID: newID}, nil
}

func (s *Storage) CreateOAuthCallbackState(ctx context.Context, cs storage.OAuthCallbackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbackStates[cs.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.callbackStates[cs.ID] = cs
	return nil
}

func (s *Storage) GetOAuthCallbackState(ctx context.Context, id uuid.UUID) (storage.OAuthCallbackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.callbackStates[id]
	if !ok {
		return storage.OAuthCallbackState{}, storage.ErrNotFound
	}
	return cs, nil
}

func (s *Storage) DeleteOAuthCallbackState(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbackStates, id)
	return nil
}

func (s *Storage) DeleteExpiredOAuthCallbackStates(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, cs := range s.callbackStates {
		if cs.IsExpired(now) {
			delete(s.callbackStates, id)
			n++
		}
	}
	return n, nil
}

func (s *Storage) CreateOidcToken(ctx context.Context, t storage.OidcToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.JTI]; ok {
		return storage.ErrAlreadyExists
	}
	s.tokens[t.JTI] = t
	return nil
}

func (s *Storage) GetOidcToken(ctx context.Context, jti uuid.UUID) (storage.OidcToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[jti]
	if !ok {
		return storage.OidcToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Storage) DeleteOidcToken(ctx context.Context, jti uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[jti]; !ok {
		return storage.ErrNotFound
	}
	delete(s.tokens, jti)
	return nil
}

func (s *Storage) DeleteExpiredOidcTokens(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, t := range s.tokens {
		if t.IsExpired(now) {
			delete(s.tokens, jti)
			n++
		}
	}
	return n, nil
}

func (s *Storage) ListSigningKeys(ctx context.Context, usage string) ([]storage.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SigningKey
	for _, k := range s.signingKeys {
		if k.Usage == usage {
			out = append(out, k)
		}
	}
	return out, nil
}

