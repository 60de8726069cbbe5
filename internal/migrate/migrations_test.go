package migrate_test

import (
	"testing"

	"stageline/internal/db"
	"stageline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema version = %d, want >= 1", version)
	}

	for _, table := range []string{"projects", "build_tasks", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
