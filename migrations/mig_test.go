package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestUpCreatesLedgerTables(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := Up(ctx, db); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := Up(ctx, db); err != nil {
		t.Fatalf("second up must be a no-op: %v", err)
	}

	for _, table := range []string{"audit_records", "audit_property_records", "schema_catalog_entries", "migration_snapshots", "id_sequences"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	v, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
}
