package sql

import (
	"database/sql"
	"log/slog"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/storage/storagetest"
)

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("SIGIL_POSTGRES_TEST_URL")
	if dsn == "" {
		t.Skip("SIGIL_POSTGRES_TEST_URL not set, skipping Postgres conformance tests")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = Migrate(db)
	require.NoError(t, err)

	storagetest.RunTestSuite(t, Open(db, slog.Default()))
}
