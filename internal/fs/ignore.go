package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"commitpal/internal/pal"
)

// RepositoryIgnore matches paths inside one repository against its
// .gitignore files plus a list of extra patterns from configuration.
// It is not safe for concurrent use; the scheduler owns it.
type RepositoryIgnore struct {
	root    string
	extra   []gitignore.Pattern
	matcher gitignore.Matcher
}

// NewRepositoryIgnore loads the ignore rules of the repository at root.
// Blank extra patterns and lines starting with '#' are skipped.
func NewRepositoryIgnore(root string, extra []string) (*RepositoryIgnore, error) {
	r := &RepositoryIgnore{root: filepath.Clean(root)}
	for _, raw := range extra {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		r.extra = append(r.extra, gitignore.ParsePattern(raw, nil))
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every .gitignore in the repository.
func (r *RepositoryIgnore) Reload() error {
	patterns, err := gitignore.ReadPatterns(osfs.New(r.root), nil)
	if err != nil {
		return fmt.Errorf("reading gitignore patterns: %w", err)
	}
	// Later patterns take precedence, so configured ones go last.
	all := make([]gitignore.Pattern, 0, len(patterns)+len(r.extra))
	all = append(all, patterns...)
	all = append(all, r.extra...)
	r.matcher = gitignore.NewMatcher(all)
	return nil
}

// Ignored reports whether path, or any directory above it inside the
// repository, is ignored. Paths outside the repository are never ignored.
func (r *RepositoryIgnore) Ignored(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	isDir := false
	if info, err := os.Stat(path); err == nil {
		isDir = info.IsDir()
	}

	for i := 1; i <= len(parts); i++ {
		dir := i < len(parts) || isDir
		if r.matcher.Match(parts[:i], dir) {
			return true
		}
	}
	return false
}

var _ pal.IgnoreMatcher = (*RepositoryIgnore)(nil)
