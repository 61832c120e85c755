package database

import (
	"path/filepath"
	"testing"
)

func TestMigrateUpDown(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "nested", "shelfstream.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	version, err := db.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	for _, table := range []string{"audiobooks", "requests", "download_jobs", "indexers", "flag_modifiers", "download_backends"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'requests'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("expected requests table to be dropped")
	}
}

func TestActiveRequestUniqueness(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	conn := db.Conn()
	if _, err := conn.Exec(`INSERT INTO audiobooks (title, author) VALUES ('The Hobbit', 'J.R.R. Tolkien')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO requests (audiobook_id, user_id) VALUES (1, 'u1')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO requests (audiobook_id, user_id) VALUES (1, 'u1')`); err == nil {
		t.Fatal("expected unique violation for a second live request")
	}
	if _, err := conn.Exec(`UPDATE requests SET deleted_at = CURRENT_TIMESTAMP WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO requests (audiobook_id, user_id) VALUES (1, 'u1')`); err != nil {
		t.Errorf("expected insert after soft delete to succeed, got %v", err)
	}
}
