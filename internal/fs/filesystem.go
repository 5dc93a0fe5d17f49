// Package fs holds the filesystem helpers around watched repositories:
// path resolution, repository detection, workspace discovery and
// gitignore-aware ignore matching.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"commitpal/internal/pal"
)

// Resolve turns a user supplied path into a clean absolute directory path.
// A leading "~" is expanded to the home directory.
func Resolve(rawPath string) (string, error) {
	if rawPath == "~" || strings.HasPrefix(rawPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		rawPath = filepath.Join(home, strings.TrimPrefix(rawPath, "~"))
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", absPath)
	}
	return filepath.Clean(absPath), nil
}

// IsRepository reports whether dir is the root of a git working tree.
func IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// ResolveRepository resolves rawPath and checks that it is a repository root.
func ResolveRepository(rawPath string) (string, error) {
	path, err := Resolve(rawPath)
	if err != nil {
		return "", err
	}
	if !IsRepository(path) {
		return "", fmt.Errorf("%s: %w", path, pal.ErrNotARepository)
	}
	return path, nil
}

// DiscoverRepositories returns the direct subdirectories of workspace that
// are repositories, sorted by path. Hidden directories are skipped.
func DiscoverRepositories(workspace string) ([]string, error) {
	root, err := Resolve(workspace)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}

	var repos []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if IsRepository(dir) {
			repos = append(repos, dir)
		}
	}
	sort.Strings(repos)
	return repos, nil
}
