package gitbackup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	cp "github.com/otiai10/copy"

	"commitpal/internal/lock"
	"commitpal/internal/pal"
)

const (
	scratchSuffix = "_temp_clone"
	// scratchMarker lives inside the clone's .git directory and identifies a
	// directory that is safe to delete.
	scratchMarker = "commitpal-scratch"
	// cloneLock lives in the source repository's .git directory and serialises
	// attempts on the same repository, in this process or another.
	cloneLock = "commitpal-backup.lock"
	lockPoll  = 100 * time.Millisecond
)

// ScratchPath returns the location of the disposable copy of repoPath.
func ScratchPath(repoPath string) string {
	return filepath.Clean(repoPath) + scratchSuffix
}

// scratchClone is a full copy of a repository opened as an independent repository.
// Every git operation of a backup attempt targets it; release removes it.
type scratchClone struct {
	path   string
	repo   *git.Repository
	lock   *lock.Lock
	logger pal.Logger
}

// acquireClone copies repoPath to its scratch location and opens the copy.
// It waits while another attempt on the same repository holds the clone.
// The caller must defer release on the returned clone.
func acquireClone(ctx context.Context, repoPath string, logger pal.Logger) (_ *scratchClone, err error) {
	src := filepath.Clean(repoPath)
	info, err := os.Stat(filepath.Join(src, ".git"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", src, pal.ErrNotARepository)
		}
		return nil, fmt.Errorf("checking %s: %v: %w", src, err, pal.ErrCloneCopyFailed)
	}
	if !info.IsDir() {
		// A .git file points at shared state (linked worktree or submodule);
		// a copy would still write into the original.
		return nil, fmt.Errorf("%s: .git is not a directory: %w", src, pal.ErrCloneCopyFailed)
	}

	held, err := lock.Wait(ctx, filepath.Join(src, ".git", cloneLock), lockPoll)
	if err != nil {
		return nil, fmt.Errorf("waiting for another backup of %s: %w", src, err)
	}
	defer func() {
		if err != nil {
			held.Release()
		}
	}()

	dst := ScratchPath(src)
	if err := removeStale(dst); err != nil {
		return nil, err
	}

	gitDir := filepath.Join(dst, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %v: %w", dst, err, pal.ErrCloneCopyFailed)
	}
	if err := os.WriteFile(filepath.Join(gitDir, scratchMarker), []byte(src+"\n"), 0o644); err != nil {
		os.RemoveAll(dst)
		return nil, fmt.Errorf("marking %s: %v: %w", dst, err, pal.ErrCloneCopyFailed)
	}

	opts := cp.Options{
		OnSymlink:     func(string) cp.SymlinkAction { return cp.Shallow },
		PreserveTimes: true,
		Skip: func(_ os.FileInfo, path, _ string) (bool, error) {
			return path == held.Path(), nil
		},
	}
	if err := cp.Copy(src, dst, opts); err != nil {
		os.RemoveAll(dst)
		return nil, fmt.Errorf("copying %s to %s: %v: %w", src, dst, err, pal.ErrCloneCopyFailed)
	}

	repo, err := git.PlainOpen(dst)
	if err != nil {
		os.RemoveAll(dst)
		return nil, fmt.Errorf("opening %s: %v: %w", dst, err, pal.ErrRepositoryOpenFailed)
	}

	return &scratchClone{path: dst, repo: repo, lock: held, logger: logger}, nil
}

// release drops the repository handle, deletes the copy and lets the next
// attempt on the repository proceed.
func (c *scratchClone) release() {
	if c.repo != nil {
		if closer, ok := c.repo.Storer.(io.Closer); ok {
			closer.Close()
		}
		c.repo = nil
	}
	if err := os.RemoveAll(c.path); err != nil {
		c.logger.Error("removing scratch clone failed", "path", c.path, "error", err)
	}
	if c.lock != nil {
		c.lock.Release()
		c.lock = nil
	}
}

// removeStale deletes a copy left behind by an interrupted attempt. The caller
// holds the clone lock, so no live attempt owns dst. A directory
// without the marker belongs to someone else and is never deleted.
func removeStale(dst string) error {
	if _, err := os.Lstat(dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("checking %s: %v: %w", dst, err, pal.ErrCloneCopyFailed)
	}
	if _, err := os.Stat(filepath.Join(dst, ".git", scratchMarker)); err != nil {
		return fmt.Errorf("%s exists and is not a scratch clone: %w", dst, pal.ErrCloneCopyFailed)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("removing stale clone %s: %v: %w", dst, err, pal.ErrCloneCopyFailed)
	}
	return nil
}
