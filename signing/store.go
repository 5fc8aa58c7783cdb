// Package signing owns the Ed25519 signing-key lifecycle: rotation with
// an overlapping current/next key pair, encryption of key material at
// rest, and minting and verifying the compact JWTs the provider issues as
// ID tokens.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/storage"
)

// RotationPeriod is how often a new signing key becomes current. It is
// also the spacing between a key's UsedFrom and NotUsedFrom.
const RotationPeriod = 7 * 24 * time.Hour

// VerifiableFor is how long past UsedFrom a key remains valid for
// verifying signatures that were made while it was current: two rotation
// periods, so ExpiredFrom falls one rotation period after NotUsedFrom,
// enough that no in-flight token signed under a key can outlive
// that key's ability to be verified.
const VerifiableFor = 2 * RotationPeriod

// LockSpace and LockID identify the Postgres advisory lock rotation uses
// to ensure only one instance performs a rotation step at a time.
const (
	LockSpace = int32(1)
	LockID    = int32(1088700994)
)

// Store manages the signing-key table for a single usage tag.
type Store struct {
	storage storage.Storage
	box     *keyvault.Box
	usage   string
	logger  *slog.Logger
}

// NewStore builds a Store backed by s, encrypting key material at rest
// with the Box derived from stem under the "signing_key" label.
func NewStore(s storage.Storage, stem *keyvault.Stem, usage string, logger *slog.Logger) (*Store, error) {
	box, err := stem.Derive("signing_key")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: s, box: box, usage: usage, logger: logger}, nil
}

// Signer is a key able to sign tokens, exposed without its raw private
// key ever leaving this package.
type Signer struct {
	KeyID   string
	private ed25519.PrivateKey
}

func (s Signer) sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

// ErrNoCurrentKey is returned by CurrentSigner when rotation has never
// run for this usage.
var ErrNoCurrentKey = errors.New("signing: no current signing key")

// CurrentSigner returns the key that should be used to sign new tokens.
func (st *Store) CurrentSigner(ctx context.Context, now time.Time) (Signer, error) {
	keys, err := st.storage.ListSigningKeys(ctx, st.usage)
	if err != nil {
		return Signer{}, err
	}
	for _, k := range keys {
		if k.IsCurrent(now) {
			return st.toSigner(k)
		}
	}
	return Signer{}, ErrNoCurrentKey
}

func (st *Store) toSigner(k storage.SigningKey) (Signer, error) {
	raw, err := st.box.Decrypt(k.Key, nil)
	if err != nil {
		return Signer{}, fmt.Errorf("signing: decrypting key %s: %w", k.ID, err)
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return Signer{KeyID: keyID(pub), private: priv}, nil
}

// VerificationKeys returns the public keys usable to verify a signature
// made at any point up to now, i.e. every non-expired key for this usage.
func (st *Store) VerificationKeys(ctx context.Context, now time.Time) ([]ed25519.PublicKey, error) {
	keys, err := st.storage.ListSigningKeys(ctx, st.usage)
	if err != nil {
		return nil, err
	}
	var out []ed25519.PublicKey
	for _, k := range keys {
		if now.Before(k.ExpiredFrom) {
			signer, err := st.toSigner(k)
			if err != nil {
				return nil, err
			}
			out = append(out, signer.private.Public().(ed25519.PublicKey))
		}
	}
	return out, nil
}

func newEd25519Key() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func keyID(pub ed25519.PublicKey) string {
	return base64URLEncode(pub)
}

// Rotate is the single entry point for advancing the key rotation state,
// called both at startup and on the periodic schedule. It acquires the
// rotation advisory lock and, while holding it: re-encrypts every stored
// key under the current root key, ensures a current and a next key exist
// for this usage, backfills a gap key if the verifiable coverage has a
// hole, and deletes expired keys. If the lock is already held elsewhere
// it returns nil without doing anything -- another instance is handling
// this rotation step.
func (st *Store) Rotate(ctx context.Context, now time.Time) error {
	return st.storage.RunSerializable(ctx, func(ctx context.Context, tx storage.Tx) error {
		held, err := tx.TryAdvisoryLock(ctx, LockSpace, LockID)
		if err != nil {
			return err
		}
		if !held {
			st.logger.Debug("signing key rotation lock held elsewhere, skipping", "usage", st.usage)
			return nil
		}

		keys, err := tx.ListSigningKeys(ctx, st.usage)
		if err != nil {
			return err
		}

		if err := st.reencryptAll(ctx, tx, keys); err != nil {
			return err
		}

		var current *storage.SigningKey
		var hasNext bool
		var maxExpiredFrom time.Time
		for i, k := range keys {
			if k.IsCurrent(now) {
				current = &keys[i]
			}
			if k.UsedFrom.After(now) {
				hasNext = true
			}
			if k.ExpiredFrom.After(maxExpiredFrom) {
				maxExpiredFrom = k.ExpiredFrom
			}
		}

		if current == nil {
			created, err := st.createKey(ctx, tx, now, now.Add(RotationPeriod))
			if err != nil {
				return err
			}
			current = &created
			st.logger.Info("created signing key", "usage", st.usage, "used_from", created.UsedFrom)
		}
		if !hasNext {
			// The next key starts exactly when the current one stops
			// signing, so for any instant there is a key whose
			// UsedFrom..NotUsedFrom window contains it.
			created, err := st.createKey(ctx, tx, current.NotUsedFrom, current.NotUsedFrom.Add(RotationPeriod))
			if err != nil {
				return err
			}
			st.logger.Info("created signing key", "usage", st.usage, "used_from", created.UsedFrom)
		}

		// If the process was down long enough that even the newest key's
		// verifiable window has lapsed, backfill a key spanning from that
		// instant so coverage has no hole.
		if !maxExpiredFrom.IsZero() && maxExpiredFrom.Before(now) {
			if _, err := st.createKey(ctx, tx, maxExpiredFrom, maxExpiredFrom.Add(RotationPeriod)); err != nil {
				return err
			}
		}

		_, err = tx.DeleteExpiredSigningKeys(ctx, now)
		return err
	})
}

func (st *Store) reencryptAll(ctx context.Context, tx storage.Tx, keys []storage.SigningKey) error {
	for _, k := range keys {
		raw, err := st.box.Decrypt(k.Key, nil)
		if err != nil {
			return fmt.Errorf("signing: re-encrypting key %s: %w", k.ID, err)
		}
		sealed, err := st.box.Encrypt(raw, nil)
		if err != nil {
			return err
		}
		k.Key = sealed
		if err := tx.SaveSigningKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) createKey(ctx context.Context, tx storage.Tx, usedFrom, notUsedFrom time.Time) (storage.SigningKey, error) {
	_, priv, err := newEd25519Key()
	if err != nil {
		return storage.SigningKey{}, err
	}
	sealed, err := st.box.Encrypt(priv, nil)
	if err != nil {
		return storage.SigningKey{}, err
	}
	k := storage.SigningKey{
		ID:          uuid.New(),
		Usage:       st.usage,
		Key:         sealed,
		UsedFrom:    usedFrom,
		NotUsedFrom: notUsedFrom,
		ExpiredFrom: notUsedFrom.Add(VerifiableFor - RotationPeriod),
	}
	if err := tx.CreateSigningKey(ctx, k); err != nil {
		return storage.SigningKey{}, err
	}
	return k, nil
}
