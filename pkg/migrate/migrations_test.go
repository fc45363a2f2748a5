package migrate_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/angelmondragon/stockledger/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"create_ledger_entries": {
			"CREATE TABLE IF NOT EXISTS ledger_entries",
			"CHECK (quantity_delta <> 0)",
			"'HOLD_CAPTURE', 'HOLD_RELEASE'",
			"BEFORE UPDATE OR DELETE ON ledger_entries",
			"DROP TABLE IF EXISTS ledger_entries",
		},
		"create_stock_holds": {
			"CREATE TABLE IF NOT EXISTS stock_holds",
			"CHECK (quantity > 0)",
			"CHECK (status IN ('PLACED', 'CAPTURED', 'RELEASED', 'EXPIRED'))",
			"DROP TABLE IF EXISTS stock_holds",
		},
		"create_idempotency_records": {
			"CREATE UNIQUE INDEX IF NOT EXISTS ux_idempotency_records_key",
			"(business_id, operation, idempotency_key)",
			"CHECK (state IN ('PENDING', 'COMMITTED'))",
		},
		"create_stock_scopes": {
			"scope_key varchar(160) PRIMARY KEY",
			"CHECK (version > 0)",
		},
		"create_stock_snapshots": {
			"REFERENCES stock_scopes(scope_key)",
		},
		"create_outbox_events": {
			"WHERE published_at IS NULL",
		},
	}

	for suffix, checks := range cases {
		t.Run(suffix, func(t *testing.T) {
			content := readMigration(t, suffix)
			for _, sub := range checks {
				if !strings.Contains(content, sub) {
					t.Errorf("missing expected statement %q", sub)
				}
			}
		})
	}
}

func TestValidateAcceptsRepositoryMigrations(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
	if err := migrate.ValidateFS(migrate.Migrations()); err != nil {
		t.Fatalf("validate embedded migrations: %v", err)
	}
	embedded, err := fs.Glob(migrate.Migrations(), "*.sql")
	if err != nil {
		t.Fatalf("glob embedded: %v", err)
	}
	onDisk, _ := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if len(embedded) == 0 || len(embedded) != len(onDisk) {
		t.Fatalf("embedded migrations out of sync: %d embedded, %d on disk", len(embedded), len(onDisk))
	}
}

func TestValidateFSReportsEveryProblem(t *testing.T) {
	fsys := fstest.MapFS{
		"20260101000000_one.sql":   {Data: []byte("-- +goose Up\n-- +goose StatementBegin\n")},
		"20260101000000_two.sql":   {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		"notes.txt":                {Data: []byte("ignored")},
		"20260101000100_three.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
	}
	err := migrate.ValidateFS(fsys)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"already used", "goose Down", "StatementBegin"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestParseCommand(t *testing.T) {
	for _, value := range []string{"up", "down", "status", "to"} {
		if _, err := migrate.ParseCommand(value); err != nil {
			t.Fatalf("ParseCommand(%q): %v", value, err)
		}
	}
	if _, err := migrate.ParseCommand("redo"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestValidateDirRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected filename error")
	}

	dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "20260101000000_missing_down.sql"), []byte("-- +goose Up\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil || !strings.Contains(err.Error(), "goose Down") {
		t.Fatalf("expected missing down error, got %v", err)
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Hold Purpose!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_hold_purpose.sql") {
		t.Fatalf("unexpected filename %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!"); err == nil {
		t.Fatal("expected error for empty sanitized name")
	}
}
