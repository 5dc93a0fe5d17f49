package database

import (
	"database/sql"
	"errors"
	"fmt"

	"commitpal/internal/database/migrations"
	"commitpal/internal/pal"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores backup attempts in SQLite.
type SQLiteDatabase struct {
	db *sql.DB
}

// Compile-time check that SQLiteDatabase implements pal.History
var _ pal.History = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path and migrates it to the latest schema.
// path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{db: db}, nil
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection so that ":memory:" databases are shared
// by every query.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

const attemptColumns = `id, attempt_id, repo_path, source_branch, backup_branch, status, error, started_at, finished_at`

// RecordAttempt inserts a and sets a.ID.
func (s *SQLiteDatabase) RecordAttempt(a *pal.Attempt) error {
	res, err := s.db.Exec(`
		INSERT INTO backup_attempts (attempt_id, repo_path, source_branch, backup_branch, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.RepoPath, a.SourceBranch, a.BackupBranch, string(a.Status), a.Error,
		a.StartedAt.UTC(), a.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording attempt %s: %w", a.AttemptID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading attempt id: %w", err)
	}
	a.ID = id
	return nil
}

// ListAttempts returns up to limit attempts, newest first.
func (s *SQLiteDatabase) ListAttempts(limit int) ([]*pal.Attempt, error) {
	rows, err := s.db.Query(`SELECT `+attemptColumns+` FROM backup_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var out []*pal.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("listing attempts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	return out, nil
}

// LastSuccess returns the newest successful attempt for repoPath, or nil if there is none.
func (s *SQLiteDatabase) LastSuccess(repoPath string) (*pal.Attempt, error) {
	row := s.db.QueryRow(`SELECT `+attemptColumns+` FROM backup_attempts
		WHERE repo_path = ? AND status = ? ORDER BY id DESC LIMIT 1`, repoPath, string(pal.AttemptSuccess))
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding last success for %s: %w", repoPath, err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(sc scanner) (*pal.Attempt, error) {
	var a pal.Attempt
	var status string
	if err := sc.Scan(&a.ID, &a.AttemptID, &a.RepoPath, &a.SourceBranch, &a.BackupBranch,
		&status, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
		return nil, err
	}
	a.Status = pal.AttemptStatus(status)
	return &a, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
