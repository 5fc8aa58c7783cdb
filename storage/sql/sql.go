// Package sql is the Postgres implementation of storage.Storage.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/lib/pq"

	"github.com/sigilid/sigil/storage"
)

// Postgres is the production storage backend. It requires the database to
// be reachable with SERIALIZABLE transaction support, which is what lets
// RunSerializable and the signing-key advisory lock provide their
// guarantees.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open wraps an already-configured *sql.DB. The caller owns the DB's
// lifecycle beyond Close.
func Open(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// isRetryable reports whether err is a Postgres serialization_failure
// (SQLSTATE 40001) or deadlock_detected (SQLSTATE 40P01), the two error
// classes a SERIALIZABLE transaction should be retried for rather than
// surfaced to the caller.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Name() {
	case "serialization_failure", "deadlock_detected":
		return true
	}
	return false
}

// pgTx adapts a *sql.Tx to storage.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) TryAdvisoryLock(ctx context.Context, space, id int32) (bool, error) {
	var held bool
	err := t.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, space, id).Scan(&held)
	return held, err
}

const maxSerializationRetries = 10

// RunSerializable runs fn inside a SERIALIZABLE transaction, retrying the
// whole transaction whenever it fails with a retryable Postgres error.
// Callers must not leak side effects outside of the transaction they are
// handed, since fn may be invoked more than once per call. After
// maxSerializationRetries failed attempts it gives up and returns
// storage.ErrConflict.
func (p *Postgres) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}

		if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
			sqlTx.Rollback()
			if isRetryable(err) {
				continue
			}
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
		return nil
	}
	return storage.ErrConflict
}
