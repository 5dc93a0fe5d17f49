package gitbackup_test

import (
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"

	"commitpal/internal/gitbackup"
	"commitpal/internal/pal"
	"commitpal/internal/testutil"
)

func TestLatestBackup(t *testing.T) {
	t.Run("no backups", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		repo, err := git.PlainOpen(f.Work)
		if err != nil {
			t.Fatalf("PlainOpen() error = %v", err)
		}

		_, found, err := gitbackup.LatestBackup(repo, "origin", pal.BackupRefPrefix)
		if err != nil {
			t.Fatalf("LatestBackup() error = %v", err)
		}
		if found {
			t.Error("found = true, want false")
		}
	})

	t.Run("newest commit wins regardless of name", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		// Name sorts last but points at the oldest commit.
		testutil.RunGit(t, f.Work, "branch", "backup/h/main_2030-01-01_00-00-00")

		f.WriteFile(t, "a.txt", "a\n")
		testutil.RunGit(t, f.Work, "add", "a.txt")
		testutil.RunGitAt(t, f.Work, time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC), "commit", "--quiet", "-m", "second")
		testutil.RunGit(t, f.Work, "branch", "backup/h/main_2024-02-01_00-00-00")
		testutil.RunGit(t, f.Work, "branch", "feature")

		repo, err := git.PlainOpen(f.Work)
		if err != nil {
			t.Fatalf("PlainOpen() error = %v", err)
		}
		ref, found, err := gitbackup.LatestBackup(repo, "origin", "backup/h/main_")
		if err != nil {
			t.Fatalf("LatestBackup() error = %v", err)
		}
		if !found {
			t.Fatal("found = false, want true")
		}
		if ref.Name != "backup/h/main_2024-02-01_00-00-00" {
			t.Errorf("Name = %q, want the branch on the newest commit", ref.Name)
		}
	})

	t.Run("remote tracking branches are scanned", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		testutil.RunGit(t, f.Work, "push", "--quiet", "origin", "HEAD:refs/heads/backup/h/main_2024-01-01_00-00-00")
		testutil.RunGit(t, f.Work, "fetch", "--quiet", "origin")

		repo, err := git.PlainOpen(f.Work)
		if err != nil {
			t.Fatalf("PlainOpen() error = %v", err)
		}
		ref, found, err := gitbackup.LatestBackup(repo, "origin", "backup/h/")
		if err != nil {
			t.Fatalf("LatestBackup() error = %v", err)
		}
		if !found || ref.Name != "backup/h/main_2024-01-01_00-00-00" {
			t.Errorf("LatestBackup() = %q, %v; want the fetched backup", ref.Name, found)
		}
	})
}
