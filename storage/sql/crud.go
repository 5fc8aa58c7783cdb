package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sigilid/sigil/storage"
)

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func mapAlreadyExists(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return storage.ErrAlreadyExists
	}
	return err
}

func (p *Postgres) CreateClient(ctx context.Context, c storage.OidcClient) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oidc_clients (id, name, redirect_uris, jwks_uri, token_forward_jwk_uri)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, pq.Array(c.RedirectURIs), c.JWKSURI, c.TokenForwardJWKURI)
	return mapAlreadyExists(err)
}

func (p *Postgres) GetClient(ctx context.Context, id uuid.UUID) (storage.OidcClient, error) {
	var c storage.OidcClient
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, redirect_uris, jwks_uri, token_forward_jwk_uri
		FROM oidc_clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, pq.Array(&c.RedirectURIs), &c.JWKSURI, &c.TokenForwardJWKURI)
	return c, mapNotFound(err)
}

// CreateUser is not part of storage.Storage: user provisioning is an
// operator action, not something the provider's request paths ever do.
// It exists on both backends so operator tooling and tests share one
// code path, and creates the backing Principal in the same transaction.
func (p *Postgres) CreateUser(ctx context.Context, u storage.User) error {
	return p.RunSerializable(ctx, func(ctx context.Context, tx storage.Tx) error {
		sqlTx := tx.(*pgTx).tx
		if _, err := sqlTx.ExecContext(ctx, `INSERT INTO principals (id) VALUES ($1)`, u.Principal); err != nil {
			return mapAlreadyExists(err)
		}
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO users (id, principal_id, email, pwhash)
			VALUES ($1, $2, $3, $4)`, u.ID, u.Principal, u.Email, u.PwHash)
		return mapAlreadyExists(err)
	})
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	var u storage.User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, principal_id, email, pwhash FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Principal, &u.Email, &u.PwHash)
	return u, mapNotFound(err)
}

// FindOrCreateOAuthIdentity implements the reconciliation described in
// §4.G: look up an existing (provider kind, provider identifier) pair,
// and if none exists create a fresh Principal and link it. The whole
// operation runs inside a retried SERIALIZABLE transaction so that two
// concurrent first logins by the same upstream account converge on one
// Principal rather than creating two.
func (p *Postgres) FindOrCreateOAuthIdentity(ctx context.Context, kind storage.OAuthProviderKind, providerID string) (storage.Principal, error) {
	var principal storage.Principal
	err := p.RunSerializable(ctx, func(ctx context.Context, tx storage.Tx) error {
		sqlTx := tx.(*pgTx).tx

		var existing uuid.UUID
		err := sqlTx.QueryRowContext(ctx, `
			SELECT principal_id FROM oauth_identities
			WHERE provider_kind = $1 AND provider_identifier = $2`, kind, providerID).
			Scan(&existing)
		if err == nil {
			principal = storage.Principal{ID: existing}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		newID := uuid.Must(uuid.NewV7())
		if _, err := sqlTx.ExecContext(ctx, `INSERT INTO principals (id) VALUES ($1)`, newID); err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO oauth_identities (id, principal_id, provider_kind, provider_identifier)
			VALUES ($1, $2, $3, $4)`, uuid.New(), newID, kind, providerID); err != nil {
			return err
		}
		principal = storage.Principal{ID: newID}
		return nil
	})
	return principal, err
}

func (p *Postgres) CreateOAuthCallbackState(ctx context.Context, s storage.OAuthCallbackState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_callback_states (id, oidc_client_id, provider_kind, csrf_token_hash, context, expired_from)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.OidcClient, s.ProviderKind, s.CSRFTokenHash, s.Context, s.ExpiredFrom)
	return mapAlreadyExists(err)
}

func (p *Postgres) GetOAuthCallbackState(ctx context.Context, id uuid.UUID) (storage.OAuthCallbackState, error) {
	var s storage.OAuthCallbackState
	err := p.db.QueryRowContext(ctx, `
		SELECT id, oidc_client_id, provider_kind, csrf_token_hash, context, expired_from
		FROM oauth_callback_states WHERE id = $1`, id).
		Scan(&s.ID, &s.OidcClient, &s.ProviderKind, &s.CSRFTokenHash, &s.Context, &s.ExpiredFrom)
	return s, mapNotFound(err)
}

func (p *Postgres) DeleteOAuthCallbackState(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM oauth_callback_states WHERE id = $1`, id)
	return err
}

func (p *Postgres) DeleteExpiredOAuthCallbackStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM oauth_callback_states WHERE expired_from <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) CreateOidcToken(ctx context.Context, t storage.OidcToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oidc_tokens (jti, oidc_client_id, token, redirect_uri, code_challenge, valid_before)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.JTI, t.OidcClient, t.Token, t.RedirectURI, t.CodeChallenge, t.ValidBefore)
	return mapAlreadyExists(err)
}

func (p *Postgres) GetOidcToken(ctx context.Context, jti uuid.UUID) (storage.OidcToken, error) {
	var t storage.OidcToken
	err := p.db.QueryRowContext(ctx, `
		SELECT jti, oidc_client_id, token, redirect_uri, code_challenge, valid_before
		FROM oidc_tokens WHERE jti = $1`, jti).
		Scan(&t.JTI, &t.OidcClient, &t.Token, &t.RedirectURI, &t.CodeChallenge, &t.ValidBefore)
	return t, mapNotFound(err)
}

func (p *Postgres) DeleteOidcToken(ctx context.Context, jti uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM oidc_tokens WHERE jti = $1`, jti)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteExpiredOidcTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM oidc_tokens WHERE valid_before <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) ListSigningKeys(ctx context.Context, usage string) ([]storage.SigningKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, usage, key, used_from, not_used_from, expired_from
		FROM signing_keys WHERE usage = $1`, usage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SigningKey
	for rows.Next() {
		var k storage.SigningKey
		if err := rows.Scan(&k.ID, &k.Usage, &k.Key, &k.UsedFrom, &k.NotUsedFrom, &k.ExpiredFrom); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CreateSigningKey, SaveSigningKey, and DeleteExpiredSigningKeys on pgTx
// are the only way signing keys are written: they run inside the
// RunSerializable transaction that signing.Store.Rotate also uses to hold
// the rotation advisory lock, so a key is never visible half-written.

func (t *pgTx) ListSigningKeys(ctx context.Context, usage string) ([]storage.SigningKey, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, usage, key, used_from, not_used_from, expired_from
		FROM signing_keys WHERE usage = $1`, usage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SigningKey
	for rows.Next() {
		var k storage.SigningKey
		if err := rows.Scan(&k.ID, &k.Usage, &k.Key, &k.UsedFrom, &k.NotUsedFrom, &k.ExpiredFrom); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *pgTx) CreateSigningKey(ctx context.Context, k storage.SigningKey) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO signing_keys (id, usage, key, used_from, not_used_from, expired_from)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.Usage, k.Key, k.UsedFrom, k.NotUsedFrom, k.ExpiredFrom)
	return mapAlreadyExists(err)
}

func (t *pgTx) SaveSigningKey(ctx context.Context, k storage.SigningKey) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE signing_keys SET key = $2, used_from = $3, not_used_from = $4, expired_from = $5
		WHERE id = $1`,
		k.ID, k.Key, k.UsedFrom, k.NotUsedFrom, k.ExpiredFrom)
	return err
}

func (t *pgTx) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM signing_keys WHERE expired_from <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
