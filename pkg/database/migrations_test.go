package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var version int
	var name string
	err = db.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version=1").Scan(&version, &name)
	if err != nil {
		t.Fatalf("Migration 001 not found: %v", err)
	}
	if name != "initial" {
		t.Errorf("Expected name 'initial', got '%s'", name)
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='Event'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check for Event table: %v", err)
	}
	if count != 1 {
		t.Errorf("Event table not found")
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("Failed to open database first time: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("Failed to open database second time: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("Expected %d recorded migrations, got %d", len(migrations), count)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("Failed to load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("No migrations found")
	}

	for i := 0; i < len(migrations)-1; i++ {
		if migrations[i].Version >= migrations[i+1].Version {
			t.Errorf("Migrations not sorted: %d >= %d", migrations[i].Version, migrations[i+1].Version)
		}
	}

	if migrations[0].Version != 1 || migrations[0].Name != "initial" || migrations[0].SQL == "" {
		t.Errorf("Unexpected first migration: %+v", migrations[0])
	}
}

func TestBackupDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if _, err := conn.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}
	conn.Close()

	if err := backupDatabase(dbPath, 3); err != nil {
		t.Fatalf("backupDatabase: %v", err)
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp directory: %v", err)
	}
	found := false
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "test.db.backup-v3-") {
			found = true
		}
	}
	if !found {
		t.Errorf("Backup file not created")
	}
}

func TestBackupMissingDatabase(t *testing.T) {
	if err := backupDatabase(filepath.Join(t.TempDir(), "missing.db"), 1); err != nil {
		t.Fatalf("expected no error for missing database, got %v", err)
	}
}
