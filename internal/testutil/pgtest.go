// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/agrolink/rfq/migrations"
)

var (
	pgOnce sync.Once
	pgURL  string
	pgErr  error
)

// PGTest returns a migrated, empty database and a cleanup func that empties
// it again and closes the handle:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL wins when set. With TESTCONTAINERS=1 one postgres container
// serves the whole test binary. Otherwise the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("postgres", dsn(t))
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	Truncate(t, db)

	return db, func() {
		Truncate(t, db)
		_ = db.Close()
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

func dsn(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	if os.Getenv("TESTCONTAINERS") != "1" {
		t.Skip("set POSTGRES_URL or TESTCONTAINERS=1 to run postgres tests")
	}

	pgOnce.Do(func() {
		ctx := context.Background()
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("agrolink_test"),
			postgres.WithUsername("agrolink"),
			postgres.WithPassword("agrolink"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			pgErr = err
			return
		}
		pgURL, pgErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if pgErr != nil {
		t.Fatalf("pgtest: postgres container: %v", pgErr)
	}
	return pgURL
}

// Truncate empties every table the migrations created, keeping goose's
// version table.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	var tables []string
	rows, err := db.QueryContext(ctx, `
		SELECT quote_ident(tablename) FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		t.Fatalf("pgtest: list tables: %v", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			t.Fatalf("pgtest: scan table: %v", err)
		}
		tables = append(tables, name)
	}
	_ = rows.Close()
	if len(tables) == 0 {
		return
	}
	// #nosec G202 -- identifiers come from pg_tables and are quoted
	if _, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("pgtest: truncate: %v", err)
	}
}
