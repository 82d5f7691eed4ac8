// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Initialize is idempotent
	if err := m.Initialize(); err != nil {
		t.Errorf("second Initialize() failed: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	// Before initialization
	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "initial", strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("Failed to insert migration: %v", err)
	}

	version, err = m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestParseFileName verifies version extraction from migration names.
func TestParseFileName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"V1__sync_queue.up.sql", 1, true},
		{"V12__add_index.up.sql", 12, true},
		{"V1__sync_queue.down.sql", 0, false},
		{"V0__zero.up.sql", 0, false},
		{"Vx__bad.up.sql", 0, false},
		{"V3.up.sql", 0, false},
		{"README.md", 0, false},
	}

	for _, tt := range tests {
		version, ok := parseFileName(tt.name, ".up.sql")
		if ok != tt.ok || version != tt.version {
			t.Errorf("parseFileName(%q) = (%d, %v), want (%d, %v)", tt.name, version, ok, tt.version, tt.ok)
		}
	}
}

// TestUp_appliesInOrder verifies migrations apply by version, not by name.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	source := fstest.MapFS{
		"V10__add_column.up.sql": {Data: []byte(`ALTER TABLE things ADD COLUMN label TEXT;`)},
		"V2__create.up.sql":      {Data: []byte(`CREATE TABLE things (id INTEGER PRIMARY KEY);`)},
		"notes.txt":              {Data: []byte(`ignored`)},
	}
	m := NewMigrator(db, source)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO things (id, label) VALUES (1, 'x')"); err != nil {
		t.Errorf("migrations not applied in version order: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create" || applied[1].Description != "add_column" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum verification of applied files.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	source := fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE things (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, source)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	source["V1__create.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE other (id INTEGER);`)}

	err := m.Up()
	if err == nil {
		t.Fatal("Up() should reject a modified migration")
	}
	if !strings.Contains(err.Error(), "modified") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE (;`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0 after failed migration", version)
	}
}

// TestDown verifies rolling back the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='issued_receipts'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("issued_receipts should be dropped, got err=%v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil {
		t.Fatal("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}
