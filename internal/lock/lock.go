//go:build unix

// Package lock keeps a single commitpal daemon running per user and a single
// backup attempt running per repository.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another commitpal instance is running")

// Lock is an exclusive flock on a PID file. The kernel drops the lock when
// the holding process exits, so a leftover file from a crash is not stale.
type Lock struct {
	path string
	f    *os.File
	// keep leaves the file in place on Release.
	keep bool
}

// Acquire takes the lock at path without blocking and writes the current PID.
func Acquire(path string) (*Lock, error) {
	l, err := try(path, false)
	if errors.Is(err, ErrLocked) {
		if pid, perr := readPID(path); perr == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
	}
	return l, err
}

// Wait takes the lock at path, retrying every poll until it is free or ctx
// is done. Waiters may hold the file open, so Release leaves it in place.
func Wait(ctx context.Context, path string, poll time.Duration) (*Lock, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		l, err := try(path, true)
		if !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func try(path string, keep bool) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		// EWOULDBLOCK and EAGAIN are distinct on some systems.
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	l := &Lock{path: path, f: f, keep: keep}
	if err := l.writePID(); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func (l *Lock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing pid to lock file: %w", err)
	}
	return nil
}

// Release drops the lock and, for locks taken with Acquire, removes the file.
// It is safe to call twice.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}

	// Remove before unlocking so a waiting process never locks a file
	// that is about to disappear.
	var err error
	if !l.keep {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("removing lock file: %w", rmErr)
		}
	}
	if unErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); unErr != nil && err == nil {
		err = fmt.Errorf("unlocking: %w", unErr)
	}
	if closeErr := l.f.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("closing lock file: %w", closeErr)
	}
	l.f = nil
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
