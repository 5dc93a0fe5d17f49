package pal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RepositoryState is the position of a WatchedRepository in its backup cycle.
type RepositoryState int

const (
	Clean RepositoryState = iota
	Dirty
	BackingUp
)

func (s RepositoryState) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case BackingUp:
		return "backing-up"
	default:
		return "clean"
	}
}

// WatchedRepository tracks whether a repository has changes that have not been
// backed up yet, and debounces them: a repository only becomes due once it has
// been quiet for the change detection buffer.
//
// It is owned by a single Scheduler goroutine and is not safe for concurrent use.
type WatchedRepository struct {
	path   string
	ignore IgnoreMatcher

	dirty        bool
	lastChangeAt time.Time
	backingUp    bool
}

// NewWatchedRepository creates a tracker for the repository at path.
// It fails with ErrNotARepository when path has no .git entry.
// ignore may be nil, in which case only .git paths are filtered.
func NewWatchedRepository(path string, ignore IgnoreMatcher) (*WatchedRepository, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotARepository)
		}
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}
	return &WatchedRepository{path: path, ignore: ignore}, nil
}

// Path returns the repository's absolute path.
func (r *WatchedRepository) Path() string { return r.path }

// State returns the current backup state.
func (r *WatchedRepository) State() RepositoryState {
	switch {
	case r.backingUp:
		return BackingUp
	case r.dirty:
		return Dirty
	default:
		return Clean
	}
}

// LastChangeAt returns the time of the most recent change, or the zero time.
func (r *WatchedRepository) LastChangeAt() time.Time { return r.lastChangeAt }

// Contains reports whether path is the repository root or lies beneath it.
func (r *WatchedRepository) Contains(path string) bool {
	return isWithin(r.path, filepath.Clean(path))
}

// MarkChanged records a change at the given time. The most recent change wins,
// so every call restarts the quiescence buffer.
func (r *WatchedRepository) MarkChanged(at time.Time) {
	r.dirty = true
	r.lastChangeAt = at
}

// SetIgnore replaces the ignore matcher.
func (r *WatchedRepository) SetIgnore(ignore IgnoreMatcher) {
	r.ignore = ignore
}

// HandleChange marks the repository changed if path lies inside it and is not
// ignored. It reports whether the repository was marked. An edit to a
// .gitignore reloads the rules; when that fails the previous rules stay in
// effect and the error is returned alongside the mark.
func (r *WatchedRepository) HandleChange(path string, at time.Time) (bool, error) {
	path = filepath.Clean(path)
	if !r.Contains(path) || inGitDir(r.path, path) {
		return false, nil
	}
	var err error
	if r.ignore != nil {
		if filepath.Base(path) == ".gitignore" {
			if rerr := r.ignore.Reload(); rerr != nil {
				err = fmt.Errorf("reloading ignore rules of %s: %w", r.path, rerr)
			}
		} else if r.ignore.Ignored(path) {
			return false, nil
		}
	}
	r.MarkChanged(at)
	return true, err
}

// IsDue reports whether the repository is dirty and has been quiet for at least buffer.
func (r *WatchedRepository) IsDue(now time.Time, buffer time.Duration) bool {
	if !r.dirty || r.backingUp || r.lastChangeAt.IsZero() {
		return false
	}
	return now.Sub(r.lastChangeAt) >= buffer
}

// BeginBackup moves a dirty repository into the backing-up state.
func (r *WatchedRepository) BeginBackup() {
	r.backingUp = true
}

// OnBackupSuccess clears the pending change.
func (r *WatchedRepository) OnBackupSuccess() {
	r.backingUp = false
	r.dirty = false
	r.lastChangeAt = time.Time{}
}

// OnBackupFailure returns the repository to dirty. The change timestamp is kept,
// so the repository is due again on the next cycle.
func (r *WatchedRepository) OnBackupFailure() {
	r.backingUp = false
	r.dirty = true
}

// isWithin reports whether path equals root or is a descendant of it.
// "/repo_temp_clone/x" is not within "/repo".
func isWithin(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

func inGitDir(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}
