// Package testutil opens throwaway Postgres stores for integration tests.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"slice-duel/internal/config"
	"slice-duel/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OpenTestStore migrates a fresh schema and returns a store bound to it with
// the LISTEN loop running. Without TEST_POSTGRES_DSN the test is skipped.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg, err := config.LoadTest()
	if err != nil {
		t.Skipf("skip test db: %v", err)
	}
	schema := fmt.Sprintf("%s_%d", cfg.SchemaPrefix, time.Now().UnixNano())
	if err := execSchema(cfg.PostgresDSN, "CREATE SCHEMA %s", schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { _ = execSchema(cfg.PostgresDSN, "DROP SCHEMA %s CASCADE", schema) })

	dir := cfg.MigrationsDir
	if dir == "" {
		if dir, err = findMigrations(); err != nil {
			t.Fatalf("%v", err)
		}
	}
	dsn, err := withSearchPath(cfg.PostgresDSN, schema)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if err := store.Migrate(dsn, dir); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := store.New(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return st
}

func execSchema(dsn, format, schema string) error {
	if !schemaName.MatchString(schema) {
		return fmt.Errorf("schema %q is not a plain identifier", schema)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	_, err = pool.Exec(ctx, fmt.Sprintf(format, pgx.Identifier{schema}.Sanitize()))
	return err
}

func findMigrations() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no migrations directory above %s", dir)
		}
		dir = parent
	}
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
