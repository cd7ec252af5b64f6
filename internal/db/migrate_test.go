package db

import "testing"

func TestMigrateCreatesSchema(t *testing.T) {
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database.DB)
	if err := migrator.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}

	for _, table := range []string{"sync_queue", "check_locks", "schema_migrations"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database.DB)
	if err := migrator.Migrate(); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := migrator.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("Expected %d recorded migrations, got %d", len(migrations), count)
	}
}

func TestMigrationChecksumsRecorded(t *testing.T) {
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if err := NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	rows, err := database.Query("SELECT version, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if len(checksum) != 64 {
			t.Errorf("Expected 64-char sha256 hex for version %d, got %q", version, checksum)
		}
	}
}
