package database

import (
	"testing"
	"time"

	"commitpal/internal/pal"
)

func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()
	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func attempt(id, repo string, status pal.AttemptStatus, at time.Time) *pal.Attempt {
	return &pal.Attempt{
		AttemptID:    id,
		RepoPath:     repo,
		SourceBranch: "main",
		BackupBranch: "backup/h/main_" + at.UTC().Format("2006-01-02_15-04-05"),
		Status:       status,
		StartedAt:    at,
		FinishedAt:   at.Add(2 * time.Second),
	}
}

func TestSQLiteDatabase_RecordAttempt(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	a := attempt("a-1", "/repo", pal.AttemptFailed, at)
	a.Error = "push failed"
	if err := db.RecordAttempt(a); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if a.ID == 0 {
		t.Error("ID was not set")
	}

	got, err := db.ListAttempts(10)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d attempts, want 1", len(got))
	}
	g := got[0]
	if g.AttemptID != "a-1" || g.RepoPath != "/repo" || g.Status != pal.AttemptFailed {
		t.Errorf("attempt = %+v", g)
	}
	if g.Error != "push failed" {
		t.Errorf("Error = %q, want %q", g.Error, "push failed")
	}
	if !g.StartedAt.Equal(at) {
		t.Errorf("StartedAt = %v, want %v", g.StartedAt, at)
	}
	if d := g.FinishedAt.Sub(g.StartedAt); d != 2*time.Second {
		t.Errorf("duration = %v, want 2s", d)
	}
}

func TestSQLiteDatabase_ListAttempts(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for i, id := range []string{"a-1", "a-2", "a-3"} {
		if err := db.RecordAttempt(attempt(id, "/repo", pal.AttemptSuccess, at.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}

	got, err := db.ListAttempts(2)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attempts, want 2", len(got))
	}
	if got[0].AttemptID != "a-3" || got[1].AttemptID != "a-2" {
		t.Errorf("order = %s, %s; want newest first", got[0].AttemptID, got[1].AttemptID)
	}
}

func TestSQLiteDatabase_LastSuccess(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	none, err := db.LastSuccess("/repo")
	if err != nil {
		t.Fatalf("LastSuccess() error = %v", err)
	}
	if none != nil {
		t.Errorf("LastSuccess() = %+v, want nil", none)
	}

	records := []*pal.Attempt{
		attempt("a-1", "/repo", pal.AttemptSuccess, at),
		attempt("a-2", "/other", pal.AttemptSuccess, at.Add(time.Minute)),
		attempt("a-3", "/repo", pal.AttemptFailed, at.Add(2*time.Minute)),
		attempt("a-4", "/repo", pal.AttemptNoChanges, at.Add(3*time.Minute)),
	}
	for _, r := range records {
		if err := db.RecordAttempt(r); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}

	got, err := db.LastSuccess("/repo")
	if err != nil {
		t.Fatalf("LastSuccess() error = %v", err)
	}
	if got == nil || got.AttemptID != "a-1" {
		t.Errorf("LastSuccess() = %+v, want a-1", got)
	}
}
