package pal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"
)

// IgnoreFactory builds the ignore matcher of a repository from its .gitignore
// files and the configured extra patterns.
type IgnoreFactory func(repoPath string, patterns []string) (IgnoreMatcher, error)

// SettingsLoader returns the configuration for the next cycle.
type SettingsLoader func() (Settings, error)

// Scheduler owns the set of watched repositories. Each cycle it reconciles the
// set with configuration, drains change signals, and backs up every repository
// that is due, one at a time.
//
// All repository state is confined to the goroutine calling RunCycle or Run.
type Scheduler struct {
	signals  <-chan ChangeSignal
	engine   BackupEngine
	notifier Notifier
	history  History
	clock    Clock
	ids      IDGenerator
	logger   Logger
	ignore   IgnoreFactory

	repos    map[string]*WatchedRepository
	patterns []string // extra ignore patterns the trackers were built with
}

// SchedulerDeps are the collaborators of a Scheduler. History and Ignore are optional.
type SchedulerDeps struct {
	Signals  <-chan ChangeSignal
	Engine   BackupEngine
	Notifier Notifier
	History  History
	Clock    Clock
	IDs      IDGenerator
	Logger   Logger
	Ignore   IgnoreFactory
}

// NewScheduler creates a Scheduler with no tracked repositories.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	s := &Scheduler{
		signals:  deps.Signals,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		history:  deps.History,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   deps.Logger,
		ignore:   deps.Ignore,
		repos:    make(map[string]*WatchedRepository),
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.ids == nil {
		s.ids = UUIDGenerator{}
	}
	if s.logger == nil {
		s.logger = NewNopLogger()
	}
	return s
}

// Repository returns the tracker for path, if one exists.
func (s *Scheduler) Repository(path string) (*WatchedRepository, bool) {
	r, ok := s.repos[filepath.Clean(path)]
	return r, ok
}

// Repositories returns the tracked repositories sorted by path.
func (s *Scheduler) Repositories() []*WatchedRepository {
	out := make([]*WatchedRepository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// Run executes cycles until ctx is cancelled or the change detector disconnects.
// Settings are loaded before every cycle; when loading fails the previous
// settings are reused.
func (s *Scheduler) Run(ctx context.Context, load SettingsLoader) error {
	var (
		settings Settings
		loaded   bool
	)
	for {
		next, err := load()
		switch {
		case err == nil:
			settings, loaded = next, true
		case !loaded:
			return fmt.Errorf("loading settings: %w", err)
		default:
			s.logger.Error("loading settings failed, keeping previous settings", "error", err)
		}

		if err := s.RunCycle(ctx, settings); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wait := settings.BackupFrequency
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one scheduling pass with the given settings.
// It returns an error only when the change signal channel has been closed.
func (s *Scheduler) RunCycle(ctx context.Context, settings Settings) error {
	s.reconcile(settings.WatchingFolders, settings.Ignore)

	if err := s.drain(); err != nil {
		return err
	}

	now := s.clock.Now()
	for _, repo := range s.Repositories() {
		if ctx.Err() != nil {
			return nil
		}
		if !repo.IsDue(now, settings.ChangeDetectionBuffer) {
			continue
		}
		s.backup(ctx, repo, settings.AttemptTimeout)
	}
	return nil
}

// reconcile adds trackers for newly configured folders and drops trackers for
// folders that are no longer configured. When the extra ignore patterns
// changed, the trackers that are kept get rebuilt matchers.
func (s *Scheduler) reconcile(folders, patterns []string) {
	want := make(map[string]bool, len(folders))
	for _, f := range folders {
		want[filepath.Clean(f)] = true
	}

	for path := range s.repos {
		if !want[path] {
			delete(s.repos, path)
			s.logger.Info("stopped tracking repository", "path", path)
		}
	}

	if !slices.Equal(patterns, s.patterns) {
		s.patterns = slices.Clone(patterns)
		for path, repo := range s.repos {
			if m := s.ignoreMatcher(path); m != nil {
				repo.SetIgnore(m)
			}
		}
	}

	for path := range want {
		if _, ok := s.repos[path]; ok {
			continue
		}
		repo, err := NewWatchedRepository(path, s.ignoreMatcher(path))
		if err != nil {
			s.logger.Warn("skipping watched folder", "path", path, "error", err)
			continue
		}
		s.repos[path] = repo
		s.logger.Info("tracking repository", "path", path)
	}
}

// ignoreMatcher builds the matcher for path, or returns nil when there is no
// factory or it fails.
func (s *Scheduler) ignoreMatcher(path string) IgnoreMatcher {
	if s.ignore == nil {
		return nil
	}
	m, err := s.ignore(path, s.patterns)
	if err != nil {
		s.logger.Warn("loading ignore rules failed", "path", path, "error", err)
		return nil
	}
	return m
}

// drain consumes every pending signal without blocking.
func (s *Scheduler) drain() error {
	if s.signals == nil {
		return nil
	}
	repos := s.Repositories()
	for {
		select {
		case sig, ok := <-s.signals:
			if !ok {
				return ErrChannelDisconnected
			}
			s.apply(repos, sig)
		default:
			return nil
		}
	}
}

func (s *Scheduler) apply(repos []*WatchedRepository, sig ChangeSignal) {
	for _, p := range sig.Paths {
		for _, repo := range repos {
			if !repo.Contains(p) {
				continue
			}
			marked, err := repo.HandleChange(p, sig.At)
			if err != nil {
				s.logger.Warn("ignore rules not reloaded", "path", repo.Path(), "error", err)
			}
			if marked {
				s.logger.Debug("repository changed", "path", repo.Path(), "file", p)
			}
			break
		}
	}
}

// BackupNow backs up the repository at path immediately, whether or not it
// is due. The attempt is recorded and reported like a scheduled one.
func (s *Scheduler) BackupNow(ctx context.Context, path string, timeout time.Duration) (BackupResult, error) {
	path = filepath.Clean(path)
	repo, ok := s.repos[path]
	if !ok {
		var err error
		repo, err = NewWatchedRepository(path, nil)
		if err != nil {
			return BackupResult{}, err
		}
	}
	repo.MarkChanged(s.clock.Now())
	return s.backup(ctx, repo, timeout)
}

func (s *Scheduler) backup(ctx context.Context, repo *WatchedRepository, timeout time.Duration) (BackupResult, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	repo.BeginBackup()
	attempt := &Attempt{
		AttemptID: s.ids.New(),
		RepoPath:  repo.Path(),
		StartedAt: s.clock.Now(),
	}
	s.logger.Info("backup started", "path", repo.Path(), "attempt", attempt.AttemptID)

	result, err := s.engine.Backup(attemptCtx, repo.Path())

	attempt.FinishedAt = s.clock.Now()
	attempt.SourceBranch = result.SourceBranch
	attempt.BackupBranch = result.Branch
	attempt.Status = AttemptStatusFor(result, err)
	if err != nil {
		attempt.Error = err.Error()
	}
	s.record(attempt)

	if err != nil {
		repo.OnBackupFailure()
		s.logger.Error("backup failed", "path", repo.Path(), "attempt", attempt.AttemptID, "error", err)
		title := "Backup failed"
		if errors.Is(err, ErrConflictDetected) {
			title = "Backup conflict"
		}
		s.notify(title, fmt.Sprintf("%s: %v", repo.Path(), err))
		return result, err
	}

	repo.OnBackupSuccess()
	if result.NoChanges {
		s.logger.Info("nothing to back up", "path", repo.Path(), "captured_by", result.CapturedBy)
		return result, nil
	}
	s.logger.Info("backup pushed", "path", repo.Path(), "branch", result.Branch, "commit", result.Commit)
	return result, nil
}

func (s *Scheduler) record(a *Attempt) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordAttempt(a); err != nil {
		s.logger.Warn("recording backup attempt failed", "path", a.RepoPath, "error", err)
	}
}

func (s *Scheduler) notify(title, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(title, body); err != nil {
		s.logger.Warn("notification failed", "title", title, "error", err)
	}
}
