package gitbackup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"commitpal/internal/gitbackup"
	"commitpal/internal/pal"
	"commitpal/internal/testutil"
)

var backupBranchRe = regexp.MustCompile(`^backup/testhost/main_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}$`)

func newEngine(t *testing.T, runner gitbackup.Runner, clock pal.Clock, dedupe bool) *gitbackup.Engine {
	t.Helper()
	if runner == nil {
		runner = gitbackup.NewExecRunner(gitbackup.DefaultAuthorName, gitbackup.DefaultAuthorEmail)
	}
	if clock == nil {
		clock = testutil.FixedClock()
	}
	return gitbackup.NewEngine(runner, &testutil.StaticCredentials{}, clock, pal.NewNopLogger(), gitbackup.Options{
		Host:   "testhost",
		Dedupe: dedupe,
	})
}

// worktreeState captures everything a backup must leave untouched.
func worktreeState(t *testing.T, f *testutil.GitFixture) [3]string {
	t.Helper()
	return [3]string{
		testutil.RunGit(t, f.Work, "rev-parse", "--abbrev-ref", "HEAD"),
		testutil.RunGit(t, f.Work, "status", "--porcelain"),
		testutil.RunGit(t, f.Work, "stash", "list"),
	}
}

func assertNoScratch(t *testing.T, repoPath string) {
	t.Helper()
	if _, err := os.Stat(gitbackup.ScratchPath(repoPath)); !os.IsNotExist(err) {
		t.Errorf("scratch clone %s still exists (stat err = %v)", gitbackup.ScratchPath(repoPath), err)
	}
}

func TestEngine_Backup_NoChanges(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	e := newEngine(t, nil, nil, false)

	res, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if !res.NoChanges {
		t.Errorf("NoChanges = false, want true")
	}
	if res.Branch != "" {
		t.Errorf("Branch = %q, want empty", res.Branch)
	}
	if got := f.OriginBranches(t); len(got) != 1 || got[0] != "main" {
		t.Errorf("origin branches = %v, want [main]", got)
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_PushesLocalChanges(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	f.WriteFile(t, "README.md", "hello\nwork in progress\n")
	f.WriteFile(t, "notes/todo.txt", "draft\n")
	testutil.RunGit(t, f.Work, "add", "notes/todo.txt")
	f.WriteFile(t, "scratch.txt", "untracked\n")
	before := worktreeState(t, f)

	e := newEngine(t, nil, nil, false)
	res, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	if res.NoChanges {
		t.Fatal("NoChanges = true, want false")
	}
	if res.SourceBranch != "main" {
		t.Errorf("SourceBranch = %q, want %q", res.SourceBranch, "main")
	}
	if !backupBranchRe.MatchString(res.Branch) {
		t.Errorf("Branch = %q, does not match %s", res.Branch, backupBranchRe)
	}
	if res.Branch != "backup/testhost/main_2024-01-15_10-30-00" {
		t.Errorf("Branch = %q, want timestamp of the stub clock", res.Branch)
	}

	branches := f.OriginBranches(t)
	if len(branches) != 2 {
		t.Fatalf("origin branches = %v, want main and one backup", branches)
	}
	if got := f.ShowOnOrigin(t, res.Branch, "README.md"); got != "hello\nwork in progress" {
		t.Errorf("README.md on backup = %q", got)
	}
	if got := f.ShowOnOrigin(t, res.Branch, "notes/todo.txt"); got != "draft" {
		t.Errorf("notes/todo.txt on backup = %q", got)
	}
	if got := f.ShowOnOrigin(t, res.Branch, "scratch.txt"); got != "untracked" {
		t.Errorf("scratch.txt on backup = %q", got)
	}
	if got := testutil.RunGit(t, f.Origin, "log", "-1", "--format=%s|%an", res.Branch); got != "Auto backup|Auto Git Bot" {
		t.Errorf("backup commit = %q, want %q", got, "Auto backup|Auto Git Bot")
	}
	if got := testutil.RunGit(t, f.Origin, "rev-parse", "main"); got != testutil.RunGit(t, f.Work, "rev-parse", "HEAD") {
		t.Errorf("origin main moved to %s", got)
	}

	after := worktreeState(t, f)
	if before != after {
		t.Errorf("working tree changed:\nbefore %q\nafter  %q", before, after)
	}
	if got := f.ReadFile(t, "README.md"); got != "hello\nwork in progress\n" {
		t.Errorf("README.md in working tree = %q", got)
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_UntrackedOnly(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	f.WriteFile(t, "new.txt", "fresh\n")

	e := newEngine(t, nil, nil, false)
	res, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if got := f.ShowOnOrigin(t, res.Branch, "new.txt"); got != "fresh" {
		t.Errorf("new.txt on backup = %q, want %q", got, "fresh")
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_ConsecutiveBackupsGetDistinctBranches(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	clock := testutil.FixedClock()
	e := newEngine(t, nil, clock, false)

	f.WriteFile(t, "README.md", "one\n")
	first, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("first Backup() error = %v", err)
	}

	clock.Advance(90 * time.Second)
	f.WriteFile(t, "README.md", "two\n")
	second, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("second Backup() error = %v", err)
	}

	if first.Branch == second.Branch {
		t.Fatalf("both backups used branch %q", first.Branch)
	}
	if second.Branch <= first.Branch {
		t.Errorf("branch names not increasing: %q then %q", first.Branch, second.Branch)
	}
	if got := f.ShowOnOrigin(t, second.Branch, "README.md"); got != "two" {
		t.Errorf("README.md on second backup = %q, want %q", got, "two")
	}
}

func TestEngine_Backup_DedupeSkipsIdenticalSnapshot(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	clock := testutil.FixedClock()
	e := newEngine(t, nil, clock, true)

	f.WriteFile(t, "README.md", "unchanged edit\n")
	first, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("first Backup() error = %v", err)
	}

	clock.Advance(time.Minute)
	second, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("second Backup() error = %v", err)
	}
	if !second.NoChanges {
		t.Errorf("NoChanges = false, want true for identical snapshot")
	}
	if second.CapturedBy != first.Branch {
		t.Errorf("CapturedBy = %q, want %q", second.CapturedBy, first.Branch)
	}
	if got := f.OriginBranches(t); len(got) != 2 {
		t.Errorf("origin branches = %v, want main and one backup", got)
	}

	clock.Advance(time.Minute)
	f.WriteFile(t, "README.md", "real change\n")
	third, err := e.Backup(context.Background(), f.Work)
	if err != nil {
		t.Fatalf("third Backup() error = %v", err)
	}
	if third.NoChanges {
		t.Error("NoChanges = true after a real change")
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_ConcurrentAttemptsOnOneRepository(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	f.WriteFile(t, "README.md", "edited while two backups run\n")
	before := worktreeState(t, f)
	e := newEngine(t, nil, nil, true)

	var (
		wg      sync.WaitGroup
		results [2]pal.BackupResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Backup(context.Background(), f.Work)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Backup() #%d error = %v", i, err)
		}
	}
	pushed, skipped := results[0], results[1]
	if pushed.Branch == "" {
		pushed, skipped = skipped, pushed
	}
	if !backupBranchRe.MatchString(pushed.Branch) {
		t.Fatalf("pushed branch = %q, want a backup branch", pushed.Branch)
	}
	if !skipped.NoChanges || skipped.CapturedBy != pushed.Branch {
		t.Errorf("second result = %+v, want NoChanges captured by %q", skipped, pushed.Branch)
	}
	if got := f.OriginBranches(t); len(got) != 2 {
		t.Errorf("origin branches = %v, want main and one backup", got)
	}
	if after := worktreeState(t, f); after != before {
		t.Errorf("working tree changed:\nbefore %q\nafter  %q", before, after)
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_Errors(t *testing.T) {
	t.Run("not a repository", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		e := newEngine(t, nil, nil, false)

		_, err := e.Backup(context.Background(), dir)
		if !errors.Is(err, pal.ErrNotARepository) {
			t.Errorf("Backup() error = %v, want ErrNotARepository", err)
		}
		assertNoScratch(t, dir)
	})

	t.Run("missing origin is a configuration error", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		testutil.RunGit(t, f.Work, "remote", "remove", "origin")
		f.WriteFile(t, "README.md", "change\n")

		_, err := newEngine(t, nil, nil, false).Backup(context.Background(), f.Work)
		if !errors.Is(err, pal.ErrConfiguration) {
			t.Errorf("Backup() error = %v, want ErrConfiguration", err)
		}
		assertNoScratch(t, f.Work)
	})

	t.Run("missing token fails credential resolution", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		testutil.RunGit(t, f.Work, "remote", "set-url", "origin", "https://example.invalid/repo.git")
		f.WriteFile(t, "README.md", "change\n")

		_, err := newEngine(t, nil, nil, false).Backup(context.Background(), f.Work)
		if !errors.Is(err, pal.ErrAuthResolution) {
			t.Errorf("Backup() error = %v, want ErrAuthResolution", err)
		}
		assertNoScratch(t, f.Work)
	})

	t.Run("unreachable origin fails the push", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		if err := os.RemoveAll(f.Origin); err != nil {
			t.Fatalf("removing origin: %v", err)
		}
		f.WriteFile(t, "README.md", "change\n")
		before := worktreeState(t, f)

		_, err := newEngine(t, nil, nil, false).Backup(context.Background(), f.Work)
		if !errors.Is(err, pal.ErrPushFailed) {
			t.Errorf("Backup() error = %v, want ErrPushFailed", err)
		}
		if after := worktreeState(t, f); after != before {
			t.Errorf("working tree changed:\nbefore %q\nafter  %q", before, after)
		}
		assertNoScratch(t, f.Work)
	})

	t.Run("linked worktree is refused", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		linked := filepath.Join(f.Dir, "linked")
		testutil.RunGit(t, f.Work, "worktree", "add", "--quiet", "-b", "side", linked)

		_, err := newEngine(t, nil, nil, false).Backup(context.Background(), linked)
		if !errors.Is(err, pal.ErrCloneCopyFailed) {
			t.Errorf("Backup() error = %v, want ErrCloneCopyFailed", err)
		}
		assertNoScratch(t, linked)
	})
}

func TestEngine_Backup_ScratchLocation(t *testing.T) {
	t.Run("stale scratch clone is replaced", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		stale := gitbackup.ScratchPath(f.Work)
		if err := os.MkdirAll(filepath.Join(stale, ".git"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(stale, ".git", "commitpal-scratch"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(stale, "leftover.txt"), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.WriteFile(t, "README.md", "change\n")

		res, err := newEngine(t, nil, nil, false).Backup(context.Background(), f.Work)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		out := testutil.RunGit(t, f.Origin, "ls-tree", "--name-only", res.Branch)
		if regexp.MustCompile(`(?m)^leftover.txt$`).MatchString(out) {
			t.Errorf("backup contains file from stale clone: %s", out)
		}
		assertNoScratch(t, f.Work)
	})

	t.Run("foreign directory is never deleted", func(t *testing.T) {
		t.Parallel()
		f := testutil.NewGitFixture(t)
		foreign := gitbackup.ScratchPath(f.Work)
		if err := os.MkdirAll(foreign, 0o755); err != nil {
			t.Fatal(err)
		}
		keep := filepath.Join(foreign, "important.txt")
		if err := os.WriteFile(keep, []byte("mine"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.WriteFile(t, "README.md", "change\n")

		_, err := newEngine(t, nil, nil, false).Backup(context.Background(), f.Work)
		if !errors.Is(err, pal.ErrCloneCopyFailed) {
			t.Errorf("Backup() error = %v, want ErrCloneCopyFailed", err)
		}
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("foreign file was removed: %v", err)
		}
	})
}

// conflictRunner makes every stash apply report a merge conflict.
type conflictRunner struct {
	gitbackup.Runner
	resets int
}

func (r *conflictRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if len(args) >= 2 && args[0] == "stash" && args[1] == "apply" {
		return "", pal.NewGitError("stash", args, "CONFLICT (content): Merge conflict in README.md", errors.New("exit status 1"))
	}
	if len(args) >= 1 && args[0] == "reset" {
		r.resets++
	}
	return r.Runner.Run(ctx, dir, args...)
}

func TestEngine_Backup_Conflict(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	f.WriteFile(t, "README.md", "conflicting edit\n")
	before := worktreeState(t, f)

	runner := &conflictRunner{Runner: gitbackup.NewExecRunner(gitbackup.DefaultAuthorName, gitbackup.DefaultAuthorEmail)}
	res, err := newEngine(t, runner, nil, false).Backup(context.Background(), f.Work)

	if !errors.Is(err, pal.ErrConflictDetected) {
		t.Fatalf("Backup() error = %v, want ErrConflictDetected", err)
	}
	if got := pal.AttemptStatusFor(res, err); got != pal.AttemptConflict {
		t.Errorf("AttemptStatusFor() = %q, want %q", got, pal.AttemptConflict)
	}
	if runner.resets != 1 {
		t.Errorf("resets = %d, want 1", runner.resets)
	}
	if got := f.OriginBranches(t); len(got) != 1 {
		t.Errorf("origin branches = %v, want only main", got)
	}
	if after := worktreeState(t, f); after != before {
		t.Errorf("working tree changed:\nbefore %q\nafter  %q", before, after)
	}
	assertNoScratch(t, f.Work)
}

func TestEngine_Backup_CancelledContext(t *testing.T) {
	t.Parallel()
	f := testutil.NewGitFixture(t)
	f.WriteFile(t, "README.md", "change\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(t, nil, nil, false).Backup(ctx, f.Work)
	if err == nil {
		t.Fatal("Backup() error = nil, want error for cancelled context")
	}
	assertNoScratch(t, f.Work)
}
