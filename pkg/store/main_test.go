package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/daget/pkg/testutil"
	"github.com/stretchr/testify/require"
)

var (
	sharedDB  *testutil.DB
	dbCounter atomic.Int64
)

func TestMain(m *testing.M) {
	log := testutil.NewLogger()
	var err error
	sharedDB, err = testutil.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

// testStore creates a fresh database inside the shared container, migrates
// it, and returns a store using the given clock.
func testStore(t *testing.T, clock clockwork.Clock) (*Store, *pgxpool.Pool) {
	t.Helper()
	ctx := t.Context()

	adminPool := testutil.NewTestPool(t, sharedDB)
	dbName := fmt.Sprintf("daget_test_%d", dbCounter.Add(1))
	_, err := adminPool.Exec(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)

	u, err := url.Parse(sharedDB.ConnStr())
	require.NoError(t, err)
	u.Path = "/" + dbName
	connStr := u.String()

	log := testutil.NewLogger()
	require.NoError(t, RunMigrations(log, connStr))

	poolConfig, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := New(Config{Logger: log, DB: pool, Clock: clock})
	require.NoError(t, err)
	return s, pool
}

func TestDaget_Store_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{})
		require.Error(t, err)
		require.Nil(t, s)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing database pool", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{Logger: testutil.NewLogger()})
		require.Error(t, err)
		require.Nil(t, s)
		require.Contains(t, err.Error(), "database pool is required")
	})
}
