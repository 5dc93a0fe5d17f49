package pal

import (
	"os"
	"strings"
	"time"
)

const (
	// BackupRefPrefix is the namespace every backup branch lives under.
	BackupRefPrefix = "backup/"

	// UnknownHost is used when the host name cannot be determined.
	UnknownHost = "Unknown_host"

	// DetachedBranch stands in for the branch name when HEAD is detached.
	DetachedBranch = "detached"

	backupTimeLayout = "2006-01-02_15-04-05"
)

// BackupBranchName returns backup/<host>/<branch>_<UTC timestamp>.
// Names sort by creation time for a given host and branch at second precision.
func BackupBranchName(host, branch string, at time.Time) string {
	return BackupBranchPrefix(host, branch) + at.UTC().Format(backupTimeLayout)
}

// BackupBranchPrefix returns the prefix shared by all backup branches of branch on host.
func BackupBranchPrefix(host, branch string) string {
	return BackupRefPrefix + sanitizeRefComponent(host) + "/" + sanitizeBranch(branch) + "_"
}

// HostName resolves the host component of backup branch names. An explicit
// override wins; otherwise the OS host name, falling back to UnknownHost.
func HostName(override string) string {
	if override != "" {
		return override
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return UnknownHost
	}
	return h
}

var refReplacer = strings.NewReplacer(
	" ", "-", "~", "-", "^", "-", ":", "-", "?", "-",
	"*", "-", "[", "-", "\\", "-", "..", "-", "@{", "-",
)

// sanitizeRefComponent makes s usable as a single path component of a ref name.
func sanitizeRefComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = refReplacer.Replace(s)
	s = strings.Trim(s, ".")
	s = strings.TrimSuffix(s, ".lock")
	if s == "" {
		return UnknownHost
	}
	return s
}

// sanitizeBranch keeps the slashes of hierarchical branch names such as feature/x.
func sanitizeBranch(branch string) string {
	parts := strings.Split(branch, "/")
	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimSuffix(strings.Trim(refReplacer.Replace(p), "."), ".lock")
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return DetachedBranch
	}
	return strings.Join(kept, "/")
}
