package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "010_indexes.sql", "CREATE INDEX ...")
	writeMigration(t, dir, "001_core.sql", "CREATE SCHEMA fhir")
	writeMigration(t, dir, "002_history.sql", "CREATE TABLE ...")

	migrations, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 10} {
		if migrations[i].Version != want {
			t.Errorf("position %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "CREATE SCHEMA fhir" {
		t.Errorf("file content not loaded: %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_core.sql", "SELECT 1")
	writeMigration(t, dir, "README.md", "docs")
	writeMigration(t, dir, "notes.sql", "no version prefix")
	writeMigration(t, dir, "abc_bad.sql", "non-numeric prefix")
	if err := os.Mkdir(filepath.Join(dir, "002_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	migrations, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("expected only 001_core.sql, got %+v", migrations)
	}
}

func TestLoadMigrations_MissingDirectory(t *testing.T) {
	if _, err := loadMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestMigrationStatus_Applied(t *testing.T) {
	var s MigrationStatus
	if s.Applied() {
		t.Error("nil AppliedAt must read as pending")
	}
}
