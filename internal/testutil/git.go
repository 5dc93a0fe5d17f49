package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// GitFixture is a working repository on branch main with one commit, whose
// origin is a local bare repository.
type GitFixture struct {
	Dir    string // parent of both repositories
	Work   string
	Origin string
}

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// RunGit runs git in dir and returns its trimmed output.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	return runGit(t, dir, nil, args...)
}

// RunGitAt runs git with author and committer dates set to when.
func RunGitAt(t *testing.T, dir string, when time.Time, args ...string) string {
	t.Helper()
	stamp := when.Format(time.RFC3339)
	return runGit(t, dir, []string{"GIT_AUTHOR_DATE=" + stamp, "GIT_COMMITTER_DATE=" + stamp}, args...)
}

func runGit(t *testing.T, dir string, env []string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_CONFIG_NOSYSTEM=1",
		"LC_ALL=C",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// NewGitFixture creates a bare origin and a working clone of it with README.md committed.
func NewGitFixture(t *testing.T) *GitFixture {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	f := &GitFixture{
		Dir:    dir,
		Work:   filepath.Join(dir, "work"),
		Origin: filepath.Join(dir, "origin.git"),
	}

	if err := os.MkdirAll(f.Origin, 0o755); err != nil {
		t.Fatalf("creating origin: %v", err)
	}
	RunGit(t, f.Origin, "init", "--quiet", "--bare")
	RunGit(t, f.Origin, "symbolic-ref", "HEAD", "refs/heads/main")

	if err := os.MkdirAll(f.Work, 0o755); err != nil {
		t.Fatalf("creating work tree: %v", err)
	}
	RunGit(t, f.Work, "init", "--quiet")
	RunGit(t, f.Work, "symbolic-ref", "HEAD", "refs/heads/main")
	RunGit(t, f.Work, "config", "user.name", "Test User")
	RunGit(t, f.Work, "config", "user.email", "test@example.com")
	RunGit(t, f.Work, "config", "commit.gpgsign", "false")
	f.WriteFile(t, "README.md", "hello\n")
	RunGit(t, f.Work, "add", "README.md")
	RunGit(t, f.Work, "commit", "--quiet", "-m", "initial")
	RunGit(t, f.Work, "remote", "add", "origin", f.Origin)
	RunGit(t, f.Work, "push", "--quiet", "origin", "main")

	return f
}

// WriteFile writes content to rel inside the working repository.
func (f *GitFixture) WriteFile(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.Work, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("creating dir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
}

// ReadFile returns the content of rel inside the working repository.
func (f *GitFixture) ReadFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Work, rel))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return string(data)
}

// OriginBranches lists the branches of the origin repository.
func (f *GitFixture) OriginBranches(t *testing.T) []string {
	t.Helper()
	out := RunGit(t, f.Origin, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// ShowOnOrigin returns the content of path at ref in the origin repository.
func (f *GitFixture) ShowOnOrigin(t *testing.T, ref, path string) string {
	t.Helper()
	return RunGit(t, f.Origin, "show", ref+":"+path)
}
