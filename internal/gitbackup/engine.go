// Package gitbackup snapshots the uncommitted work of a repository onto a new
// backup branch and pushes it to origin. All git operations run against a
// disposable copy of the repository, so the developer's working tree, index
// and current branch are never touched.
package gitbackup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"commitpal/internal/pal"
)

const (
	// CommitMessage is the message of every backup commit.
	CommitMessage = "Auto backup"
	// StashMessage marks the stash the engine creates in the scratch clone.
	StashMessage = "commitpal auto-backup stash"

	DefaultAuthorName  = "Auto Git Bot"
	DefaultAuthorEmail = "auto-git-bot@commitpal.local"
	DefaultRemote      = "origin"
)

// Options configure an Engine.
type Options struct {
	Host        string // host component of branch names; see pal.HostName
	AuthorName  string
	AuthorEmail string
	Remote      string
	// Dedupe skips the push when the latest backup of the same branch already
	// holds an identical snapshot.
	Dedupe bool
}

// Engine implements pal.BackupEngine with go-git for repository access and
// the git binary for stash handling, which go-git does not provide.
type Engine struct {
	runner Runner
	creds  pal.Credentials
	clock  pal.Clock
	logger pal.Logger
	opts   Options
}

var _ pal.BackupEngine = (*Engine)(nil)

// NewEngine creates an Engine. Empty options fall back to their defaults.
func NewEngine(runner Runner, creds pal.Credentials, clock pal.Clock, logger pal.Logger, opts Options) *Engine {
	if opts.AuthorName == "" {
		opts.AuthorName = DefaultAuthorName
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = DefaultAuthorEmail
	}
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	opts.Host = pal.HostName(opts.Host)
	if runner == nil {
		runner = NewExecRunner(opts.AuthorName, opts.AuthorEmail)
	}
	if clock == nil {
		clock = pal.RealClock{}
	}
	if logger == nil {
		logger = pal.NewNopLogger()
	}
	return &Engine{runner: runner, creds: creds, clock: clock, logger: logger, opts: opts}
}

// Backup copies repoPath to a scratch clone, commits its uncommitted changes
// onto a new backup branch and pushes that branch to the remote. The scratch
// clone is removed before Backup returns, whatever the outcome.
func (e *Engine) Backup(ctx context.Context, repoPath string) (pal.BackupResult, error) {
	var res pal.BackupResult

	clone, err := acquireClone(ctx, repoPath, e.logger)
	if err != nil {
		return res, err
	}
	defer clone.release()

	repo := clone.repo
	remoteURL, err := e.remoteURL(repo)
	if err != nil {
		return res, fmt.Errorf("%s: %w", repoPath, err)
	}
	mode, err := ResolveAuthMode(remoteURL)
	if err != nil {
		return res, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return res, fmt.Errorf("opening worktree: %v: %w", err, pal.ErrRepositoryOpenFailed)
	}
	status, err := wt.Status()
	if err != nil {
		return res, fmt.Errorf("reading status: %v: %w", err, pal.ErrGitOperationFailed)
	}
	if status.IsClean() {
		res.NoChanges = true
		return res, nil
	}

	head, err := repo.Head()
	if err != nil {
		return res, fmt.Errorf("resolving HEAD: %v: %w", err, pal.ErrGitOperationFailed)
	}
	res.SourceBranch = pal.DetachedBranch
	if head.Name().IsBranch() {
		res.SourceBranch = head.Name().Short()
	}

	auth, err := e.resolveAuth(mode, remoteURL)
	if err != nil {
		return res, err
	}

	prefix := pal.BackupBranchPrefix(e.opts.Host, res.SourceBranch)
	var prior BackupRef
	var hasPrior bool
	if e.opts.Dedupe {
		prior, hasPrior = e.latestBackup(ctx, repo, auth, prefix)
	}

	name := e.branchName(repo, res.SourceBranch)
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return res, fmt.Errorf("creating branch %s: %v: %w", name, err, pal.ErrGitOperationFailed)
	}

	if err := e.transplant(ctx, clone.path, name, hasTrackedChanges(status)); err != nil {
		return res, err
	}

	hash, err := e.commit(wt)
	if errors.Is(err, git.ErrEmptyCommit) {
		res.NoChanges = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if hasPrior && sameTree(repo, prior.Hash, hash) {
		e.logger.Debug("snapshot already backed up", "path", repoPath, "branch", prior.Name)
		res.NoChanges = true
		res.CapturedBy = prior.Name
		return res, nil
	}

	if err := e.push(ctx, repo, auth, name); err != nil {
		return res, err
	}
	res.Branch = name
	res.Commit = hash.String()
	return res, nil
}

func (e *Engine) remoteURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote(e.opts.Remote)
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", fmt.Errorf("no %q remote: %w", e.opts.Remote, pal.ErrConfiguration)
		}
		return "", fmt.Errorf("reading remote %q: %v: %w", e.opts.Remote, err, pal.ErrRepositoryOpenFailed)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %q has no url: %w", e.opts.Remote, pal.ErrConfiguration)
	}
	return urls[0], nil
}

func (e *Engine) resolveAuth(mode pal.AuthMode, remoteURL string) (transport.AuthMethod, error) {
	if mode == pal.AuthNone {
		return nil, nil
	}
	if e.creds == nil {
		return nil, fmt.Errorf("no credential store for %s remote: %w", mode, pal.ErrAuthResolution)
	}
	secret, err := e.creds.Lookup(mode)
	if err != nil {
		return nil, fmt.Errorf("looking up %s credentials: %v: %w", mode, err, pal.ErrAuthResolution)
	}
	return authMethod(mode, remoteURL, secret)
}

// branchName returns a backup branch name that does not exist yet in repo.
func (e *Engine) branchName(repo *git.Repository, branch string) string {
	base := pal.BackupBranchName(e.opts.Host, branch, e.clock.Now())
	name := base
	for i := 2; e.refExists(repo, name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

func (e *Engine) refExists(repo *git.Repository, name string) bool {
	for _, full := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(name),
		plumbing.NewRemoteReferenceName(e.opts.Remote, name),
	} {
		if _, err := repo.Reference(full, false); err == nil {
			return true
		}
	}
	return false
}

// transplant moves the local modifications of the clone onto branch:
// stash, checkout, apply. A conflicting apply resets the clone and fails with
// pal.ErrConflictDetected.
func (e *Engine) transplant(ctx context.Context, dir, branch string, tracked bool) error {
	if tracked {
		if _, err := e.runner.Run(ctx, dir, "stash", "push", "-m", StashMessage); err != nil {
			return fmt.Errorf("stashing changes: %w", err)
		}
	}
	if _, err := e.runner.Run(ctx, dir, "checkout", "--quiet", branch); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	if !tracked {
		return nil
	}

	_, applyErr := e.runner.Run(ctx, dir, "stash", "apply")
	conflicts, err := e.unmerged(ctx, dir)
	if err != nil && applyErr == nil {
		return fmt.Errorf("listing unmerged paths: %w", err)
	}
	if len(conflicts) > 0 || isConflict(applyErr) {
		if _, err := e.runner.Run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
			e.logger.Warn("resetting scratch clone after conflict failed", "path", dir, "error", err)
		}
		return fmt.Errorf("applying stash onto %s (%s): %w", branch, strings.Join(conflicts, ", "), pal.ErrConflictDetected)
	}
	if applyErr != nil {
		return fmt.Errorf("applying stash onto %s: %w", branch, applyErr)
	}
	return nil
}

func (e *Engine) unmerged(ctx context.Context, dir string) ([]string, error) {
	out, err := e.runner.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func isConflict(err error) bool {
	var gitErr *pal.GitError
	return errors.As(err, &gitErr) && strings.Contains(gitErr.Output, "CONFLICT")
}

func (e *Engine) commit(wt *git.Worktree) (plumbing.Hash, error) {
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("staging changes: %v: %w", err, pal.ErrGitOperationFailed)
	}
	sig := &object.Signature{
		Name:  e.opts.AuthorName,
		Email: e.opts.AuthorEmail,
		When:  e.clock.Now(),
	}
	hash, err := wt.Commit(CommitMessage, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return plumbing.ZeroHash, err
		}
		return plumbing.ZeroHash, fmt.Errorf("committing backup: %v: %w", err, pal.ErrGitOperationFailed)
	}
	return hash, nil
}

// latestBackup fetches the existing backups of this branch and returns the newest.
// When the fetch fails the refs already present in the clone are used.
func (e *Engine) latestBackup(ctx context.Context, repo *git.Repository, auth transport.AuthMethod, prefix string) (BackupRef, bool) {
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s*:refs/remotes/%s/%s*", prefix, e.opts.Remote, prefix))
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: e.opts.Remote,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		e.logger.Warn("fetching previous backups failed", "prefix", prefix, "error", err)
	}

	ref, found, err := LatestBackup(repo, e.opts.Remote, prefix)
	if err != nil {
		e.logger.Warn("finding previous backup failed", "prefix", prefix, "error", err)
		return BackupRef{}, false
	}
	return ref, found
}

func sameTree(repo *git.Repository, a, b plumbing.Hash) bool {
	ca, err := repo.CommitObject(a)
	if err != nil {
		return false
	}
	cb, err := repo.CommitObject(b)
	if err != nil {
		return false
	}
	return ca.TreeHash == cb.TreeHash
}

func (e *Engine) push(ctx context.Context, repo *git.Repository, auth transport.AuthMethod, branch string) error {
	ref := plumbing.NewBranchReferenceName(branch)
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: e.opts.Remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       auth,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("pushing %s: %v: %w", branch, err, pal.ErrAuthFailed)
	default:
		return fmt.Errorf("pushing %s: %v: %w", branch, err, pal.ErrPushFailed)
	}
}

// hasTrackedChanges reports whether status holds changes git stash would save.
func hasTrackedChanges(status git.Status) bool {
	for _, s := range status {
		if s.Staging == git.Untracked && s.Worktree == git.Untracked {
			continue
		}
		if s.Staging != git.Unmodified || s.Worktree != git.Unmodified {
			return true
		}
	}
	return false
}
