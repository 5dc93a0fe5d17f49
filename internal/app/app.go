package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"commitpal/internal/config"
	"commitpal/internal/database"
	"commitpal/internal/fs"
	"commitpal/internal/gitbackup"
	"commitpal/internal/notify"
	"commitpal/internal/pal"
	"commitpal/internal/secrets"
	"commitpal/internal/watcher"
)

// App is the application layer between the CLI and the scheduler.
// It constructs all dependencies from config and closes them on Close.
type App struct {
	cfg        *config.Config
	configPath string
	db         *database.SQLiteDatabase
	secrets    secrets.Store
	notifier   pal.Notifier
	engine     pal.BackupEngine
	scheduler  *pal.Scheduler
	logger     pal.Logger
	op         *Operation
	logFile    *os.File
}

// NewApp creates a fully wired App from cfg. configPath is re-read by Run
// before every cycle; an empty path keeps cfg for the whole run.
// operation names the CLI command being run. The caller must call Close.
func NewApp(cfg *config.Config, configPath, operation string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	op := NewOperation(operation, "")
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	sl, logFile, err := newLogger(cfg.LogDir, op.ID, level, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	store, err := secrets.NewStoreFromConfig(cfg.Secrets)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating secrets store: %w", err)
	}

	notifier, err := notify.NewFromConfig(cfg.Notifications, logger)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	engine := gitbackup.NewEngine(nil, store, pal.RealClock{}, logger, gitbackup.Options{
		Host:        cfg.HostName,
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
		Dedupe:      cfg.Dedupe,
	})

	a := &App{
		cfg:        cfg,
		configPath: configPath,
		db:         db,
		secrets:    store,
		notifier:   notifier,
		engine:     engine,
		logger:     logger,
		op:         op,
		logFile:    logFile,
	}
	logger.Debug("operation started", "operation", operation)
	return a, nil
}

// newScheduler builds a scheduler reading from signals.
func (a *App) newScheduler(signals <-chan pal.ChangeSignal) *pal.Scheduler {
	return pal.NewScheduler(pal.SchedulerDeps{
		Signals:  signals,
		Engine:   a.engine,
		Notifier: a.notifier,
		History:  a.db,
		Logger:   a.logger,
		Ignore:   ignoreMatcher,
	})
}

func ignoreMatcher(repoPath string, patterns []string) (pal.IgnoreMatcher, error) {
	m, err := fs.NewRepositoryIgnore(repoPath, patterns)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// currentConfig re-reads the config file, or returns the startup config when
// there is no file to read.
func (a *App) currentConfig() (*config.Config, error) {
	if a.configPath == "" {
		return a.cfg, nil
	}
	cfg, err := config.ReadFromFile(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run watches the configured folders and backs up changed repositories
// until ctx is cancelled. The watcher and the scheduler run on separate
// goroutines connected by the watcher's signal channel.
func (a *App) Run(ctx context.Context) error {
	w, err := watcher.New(pal.RealClock{}, a.logger)
	if err != nil {
		a.op.Fail()
		return err
	}

	source := func() ([]string, error) {
		cfg, err := a.currentConfig()
		if err != nil {
			return nil, err
		}
		return cfg.WatchingFolders, nil
	}
	load := func() (pal.Settings, error) {
		cfg, err := a.currentConfig()
		if err != nil {
			return pal.Settings{}, err
		}
		return cfg.Settings(), nil
	}

	watchCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(watchCtx, source, watcher.DefaultResync); err != nil {
			a.logger.Error("watcher stopped", "error", err)
		}
	}()

	a.logger.Info("commitpal started", "config", a.configPath)
	a.scheduler = a.newScheduler(w.Signals())
	err = a.scheduler.Run(ctx, load)

	stopWatcher()
	wg.Wait()

	if err != nil {
		a.op.Fail()
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	a.logger.Info("commitpal stopped")
	return nil
}

// BackupNow backs up one repository immediately.
func (a *App) BackupNow(ctx context.Context, rawPath string) (pal.BackupResult, error) {
	path, err := fs.ResolveRepository(rawPath)
	if err != nil {
		a.op.Fail()
		return pal.BackupResult{}, err
	}
	a.op.Parameters = path

	if a.scheduler == nil {
		a.scheduler = a.newScheduler(nil)
	}
	timeout := a.cfg.Settings().AttemptTimeout
	result, err := a.scheduler.BackupNow(ctx, path, timeout)
	if err != nil {
		a.op.Fail()
	}
	return result, err
}

// History returns the most recent backup attempts, newest first.
func (a *App) History(limit int) ([]*pal.Attempt, error) {
	return a.db.ListAttempts(limit)
}

// RepositoryStatus describes one configured folder.
type RepositoryStatus struct {
	Path         string
	IsRepository bool
	LastSuccess  *pal.Attempt // nil if never backed up
}

// Status reports every configured folder with its last successful backup.
func (a *App) Status() ([]RepositoryStatus, error) {
	out := make([]RepositoryStatus, 0, len(a.cfg.WatchingFolders))
	for _, folder := range a.cfg.WatchingFolders {
		last, err := a.db.LastSuccess(folder)
		if err != nil {
			return nil, fmt.Errorf("reading history for %s: %w", folder, err)
		}
		out = append(out, RepositoryStatus{
			Path:         folder,
			IsRepository: fs.IsRepository(folder),
			LastSuccess:  last,
		})
	}
	return out, nil
}

// Close closes the database and the log file.
func (a *App) Close() error {
	var firstErr error

	a.logger.Debug("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"duration", time.Since(a.op.StartedAt).Round(time.Millisecond))

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
