package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"commitpal/internal/pal"
)

// FakeEngine is a BackupEngine that records calls and returns scripted outcomes.
type FakeEngine struct {
	mu      sync.Mutex
	calls   []string
	results map[string]pal.BackupResult
	errs    map[string][]error
}

var _ pal.BackupEngine = (*FakeEngine)(nil)

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		results: make(map[string]pal.BackupResult),
		errs:    make(map[string][]error),
	}
}

// SetResult sets the result returned for repoPath on success.
func (e *FakeEngine) SetResult(repoPath string, r pal.BackupResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[filepath.Clean(repoPath)] = r
}

// FailNext queues errors returned by the next calls for repoPath, in order.
func (e *FakeEngine) FailNext(repoPath string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := filepath.Clean(repoPath)
	e.errs[p] = append(e.errs[p], errs...)
}

func (e *FakeEngine) Backup(ctx context.Context, repoPath string) (pal.BackupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, repoPath)
	if err := ctx.Err(); err != nil {
		return pal.BackupResult{}, err
	}
	if q := e.errs[repoPath]; len(q) > 0 {
		e.errs[repoPath] = q[1:]
		return pal.BackupResult{SourceBranch: "main"}, q[0]
	}
	if r, ok := e.results[repoPath]; ok {
		return r, nil
	}
	return pal.BackupResult{SourceBranch: "main", Branch: "backup/test/main_2024-01-15_10-30-00"}, nil
}

// Calls returns the repository paths passed to Backup, in order.
func (e *FakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Notification is one message captured by RecordingNotifier.
type Notification struct {
	Title string
	Body  string
}

// RecordingNotifier captures notifications. Set Err to simulate delivery failure.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

var _ pal.Notifier = (*RecordingNotifier)(nil)

func (n *RecordingNotifier) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Title: title, Body: body})
	return n.Err
}

func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// StaticCredentials returns fixed secrets per AuthMode.
type StaticCredentials struct {
	SSHKeyPath string
	Token      string
}

var _ pal.Credentials = (*StaticCredentials)(nil)

func (c *StaticCredentials) Lookup(mode pal.AuthMode) (string, error) {
	switch mode {
	case pal.AuthSSH:
		if c.SSHKeyPath == "" {
			return "", errors.New("no ssh key configured")
		}
		return c.SSHKeyPath, nil
	case pal.AuthToken:
		if c.Token == "" {
			return "", errors.New("no token configured")
		}
		return c.Token, nil
	default:
		return "", nil
	}
}

// SuffixIgnore ignores paths ending in any of its suffixes.
type SuffixIgnore struct {
	Suffixes  []string
	Reloads   int
	ReloadErr error // returned by Reload
}

var _ pal.IgnoreMatcher = (*SuffixIgnore)(nil)

func (m *SuffixIgnore) Ignored(path string) bool {
	for _, s := range m.Suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

func (m *SuffixIgnore) Reload() error {
	m.Reloads++
	return m.ReloadErr
}
