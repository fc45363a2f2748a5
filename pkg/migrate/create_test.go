package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMigrationSlug(t *testing.T) {
	cases := map[string]string{
		"Add Hold Purpose!":       "add_hold_purpose",
		"  stock--snapshots v2  ": "stock_snapshots_v2",
		"índice único":            "ndice_nico",
		"!!!":                     "",
	}
	for in, want := range cases {
		if got := migrationSlug(in); got != want {
			t.Errorf("migrationSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateSQLMigrationRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	path, err := createSQLMigration(dir, "add outlet index", at)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Base(path) != "20260301123000_add_outlet_index.sql" {
		t.Fatalf("unexpected file name %s", filepath.Base(path))
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "-- revert add_outlet_index") {
		t.Fatalf("template not rendered: %s", body)
	}

	if _, err := createSQLMigration(dir, "add outlet index", at); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected exists error, got %v", err)
	}
}
