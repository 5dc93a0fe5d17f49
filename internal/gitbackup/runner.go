package gitbackup

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"commitpal/internal/pal"
)

// Runner runs git subcommands in a working directory.
// A failed command is returned as a *pal.GitError.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary. Commits it creates (stashes) carry the given identity,
// so the scratch clone never depends on the user's global git configuration.
type ExecRunner struct {
	Binary      string
	AuthorName  string
	AuthorEmail string
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates an ExecRunner that uses git from PATH.
func NewExecRunner(authorName, authorEmail string) *ExecRunner {
	return &ExecRunner{Binary: "git", AuthorName: authorName, AuthorEmail: authorEmail}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
		"GIT_AUTHOR_NAME="+r.AuthorName,
		"GIT_AUTHOR_EMAIL="+r.AuthorEmail,
		"GIT_COMMITTER_NAME="+r.AuthorName,
		"GIT_COMMITTER_EMAIL="+r.AuthorEmail,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		op := ""
		if len(args) > 0 {
			op = args[0]
		}
		output := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
		return stdout.String(), pal.NewGitError(op, args, output, err)
	}
	return stdout.String(), nil
}
