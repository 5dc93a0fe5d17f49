package pal

import (
	"context"
	"time"
)

// ChangeSignal reports that something under each of Paths changed at At.
// It is produced by the change detector and consumed once by the Scheduler.
type ChangeSignal struct {
	Paths []string
	At    time.Time
}

// AuthMode is the kind of credential a remote needs.
type AuthMode int

const (
	// AuthNone is used for local remotes (absolute paths and file:// URLs).
	AuthNone AuthMode = iota
	// AuthSSH authenticates with a private key file.
	AuthSSH
	// AuthToken authenticates over HTTPS with a personal access token.
	AuthToken
)

func (m AuthMode) String() string {
	switch m {
	case AuthSSH:
		return "ssh"
	case AuthToken:
		return "token"
	default:
		return "none"
	}
}

// Credentials resolves the secret for an AuthMode: the SSH private key path for
// AuthSSH, the access token for AuthToken, and "" for AuthNone.
type Credentials interface {
	Lookup(mode AuthMode) (string, error)
}

// Notifier delivers a user-facing message. Delivery is best effort.
type Notifier interface {
	Notify(title, body string) error
}

// BackupResult describes a finished backup attempt.
type BackupResult struct {
	SourceBranch string
	Branch       string // backup branch pushed to origin; empty when NoChanges
	Commit       string
	NoChanges    bool
	CapturedBy   string // existing backup branch that already holds the snapshot
}

// BackupEngine snapshots the uncommitted work of one repository onto a new
// backup branch on origin without touching the repository itself.
type BackupEngine interface {
	Backup(ctx context.Context, repoPath string) (BackupResult, error)
}

// IgnoreMatcher decides whether a path inside a repository should not mark it dirty.
type IgnoreMatcher interface {
	Ignored(path string) bool
	Reload() error
}

// AttemptStatus is the recorded outcome of a backup attempt.
type AttemptStatus string

const (
	AttemptSuccess   AttemptStatus = "success"
	AttemptNoChanges AttemptStatus = "no_changes"
	AttemptConflict  AttemptStatus = "conflict"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is the persisted record of one backup attempt.
type Attempt struct {
	ID           int64
	AttemptID    string
	RepoPath     string
	SourceBranch string
	BackupBranch string
	Status       AttemptStatus
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// History stores backup attempts.
type History interface {
	RecordAttempt(a *Attempt) error
	// ListAttempts returns the most recent attempts, newest first.
	ListAttempts(limit int) ([]*Attempt, error)
	// LastSuccess returns the newest successful attempt for repoPath, or nil.
	LastSuccess(repoPath string) (*Attempt, error)
	Close() error
}

// Settings is the configuration snapshot the Scheduler works from for one cycle.
type Settings struct {
	WatchingFolders       []string
	BackupFrequency       time.Duration
	ChangeDetectionBuffer time.Duration
	AttemptTimeout        time.Duration
	// Ignore holds extra ignore patterns applied on top of each repository's .gitignore files.
	Ignore []string
}
