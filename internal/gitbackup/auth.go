package gitbackup

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"commitpal/internal/pal"
)

const defaultSSHUser = "git"

// ResolveAuthMode derives the credential kind from a remote URL.
func ResolveAuthMode(remoteURL string) (pal.AuthMode, error) {
	u := strings.TrimSpace(remoteURL)
	switch {
	case strings.HasPrefix(u, "git@"), strings.HasPrefix(u, "ssh://"), strings.HasPrefix(u, "git+ssh://"):
		return pal.AuthSSH, nil
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"):
		return pal.AuthToken, nil
	case strings.HasPrefix(u, "file://"), filepath.IsAbs(u):
		return pal.AuthNone, nil
	case isSCPLike(u):
		return pal.AuthSSH, nil
	default:
		return pal.AuthNone, fmt.Errorf("unsupported remote url %q: %w", remoteURL, pal.ErrAuthResolution)
	}
}

// isSCPLike matches user@host:path.
func isSCPLike(u string) bool {
	at := strings.Index(u, "@")
	colon := strings.Index(u, ":")
	return at > 0 && colon > at && !strings.Contains(u[:colon], "/")
}

// sshUser returns the login user encoded in an SSH remote URL.
func sshUser(remoteURL string) string {
	if strings.Contains(remoteURL, "://") {
		if parsed, err := url.Parse(remoteURL); err == nil && parsed.User != nil && parsed.User.Username() != "" {
			return parsed.User.Username()
		}
		return defaultSSHUser
	}
	if at := strings.Index(remoteURL, "@"); at > 0 {
		return remoteURL[:at]
	}
	return defaultSSHUser
}

// authMethod builds the go-git transport auth for mode from the looked-up secret.
func authMethod(mode pal.AuthMode, remoteURL, secret string) (transport.AuthMethod, error) {
	switch mode {
	case pal.AuthSSH:
		keys, err := gitssh.NewPublicKeysFromFile(sshUser(remoteURL), secret, "")
		if err != nil {
			return nil, fmt.Errorf("loading ssh key %s: %v: %w", secret, err, pal.ErrAuthResolution)
		}
		return keys, nil
	case pal.AuthToken:
		// Hosts accept the token as either user name or password.
		return &http.BasicAuth{Username: secret, Password: secret}, nil
	default:
		return nil, nil
	}
}
