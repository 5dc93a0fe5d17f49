package pal

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the backup pipeline. Callers match them with errors.Is.
var (
	// ErrNotARepository means the path has no .git entry. The folder is skipped.
	ErrNotARepository = errors.New("not a git repository")

	// ErrCloneCopyFailed means the scratch clone could not be created.
	ErrCloneCopyFailed = errors.New("scratch clone copy failed")

	// ErrRepositoryOpenFailed means the scratch clone could not be opened as a repository.
	ErrRepositoryOpenFailed = errors.New("opening repository failed")

	// ErrConfiguration means the repository is not set up for backups, e.g. it has no origin.
	ErrConfiguration = errors.New("repository configuration error")

	// ErrGitOperationFailed means a stash, branch, checkout or commit step failed.
	ErrGitOperationFailed = errors.New("git operation failed")

	// ErrConflictDetected means re-applying local changes onto the backup branch conflicted.
	// The repository still needs a backup.
	ErrConflictDetected = errors.New("conflict detected while applying changes")

	// ErrAuthResolution means no credentials could be resolved for the origin remote.
	ErrAuthResolution = errors.New("resolving credentials failed")

	// ErrAuthFailed means the remote rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPushFailed means the push to origin failed for a reason other than authentication.
	ErrPushFailed = errors.New("push failed")

	// ErrChannelDisconnected means the change detector stopped. It is fatal to the scheduler.
	ErrChannelDisconnected = errors.New("change signal channel disconnected")
)

// GitError describes a failed git command run against a scratch clone.
// It matches ErrGitOperationFailed with errors.Is.
type GitError struct {
	Operation string
	Args      []string
	Output    string
	Err       error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Operation)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

func (e *GitError) Is(target error) bool { return target == ErrGitOperationFailed }

// NewGitError creates a GitError for the given git subcommand.
func NewGitError(operation string, args []string, output string, err error) *GitError {
	return &GitError{
		Operation: operation,
		Args:      args,
		Output:    output,
		Err:       err,
	}
}

// AttemptStatusFor maps the outcome of a backup attempt onto its recorded status.
func AttemptStatusFor(result BackupResult, err error) AttemptStatus {
	switch {
	case err == nil && result.NoChanges:
		return AttemptNoChanges
	case err == nil:
		return AttemptSuccess
	case errors.Is(err, ErrConflictDetected):
		return AttemptConflict
	default:
		return AttemptFailed
	}
}
