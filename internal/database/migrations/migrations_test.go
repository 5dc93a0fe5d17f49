package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	for _, table := range []string{"backup_attempts", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)
		if err := CheckDBMigrationStatus(db); !errors.Is(err, ErrNoSchema) {
			t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoSchema", err)
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() error = %v", err)
		}
		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() error = %v", err)
		}
	})
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v < 1 {
		t.Errorf("LatestVersion() = %d, want >= 1", v)
	}
}

func TestSchema_StatusConstraint(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	insert := `INSERT INTO backup_attempts (attempt_id, repo_path, status, started_at, finished_at)
		VALUES (?, '/repo', ?, datetime('now'), datetime('now'))`
	if _, err := db.Exec(insert, "a-1", "success"); err != nil {
		t.Fatalf("inserting valid attempt: %v", err)
	}
	if _, err := db.Exec(insert, "a-2", "exploded"); err == nil {
		t.Error("expected CHECK violation for unknown status")
	}
	if _, err := db.Exec(insert, "a-1", "failed"); err == nil {
		t.Error("expected UNIQUE violation for duplicate attempt_id")
	}
}

// openTestDB opens an in-memory SQLite database limited to one connection.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
