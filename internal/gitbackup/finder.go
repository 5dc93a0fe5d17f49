package gitbackup

import (
	"fmt"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// BackupRef is a backup branch found in a repository.
type BackupRef struct {
	Name string // short branch name, e.g. backup/host/main_2024-01-15_10-30-00
	Hash plumbing.Hash
	When time.Time // committer time of the branch tip
}

// LatestBackup returns the backup branch under prefix whose tip has the newest
// commit time. Local branches and remote-tracking branches of remote are both
// considered. found is false when there is none.
func LatestBackup(repo *git.Repository, remote, prefix string) (ref BackupRef, found bool, err error) {
	iter, err := repo.References()
	if err != nil {
		return BackupRef{}, false, fmt.Errorf("listing references: %w", err)
	}
	defer iter.Close()

	remotePrefix := "refs/remotes/" + remote + "/"
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Type() != plumbing.HashReference {
			return nil
		}
		full := r.Name().String()
		var name string
		switch {
		case r.Name().IsBranch():
			name = r.Name().Short()
		case strings.HasPrefix(full, remotePrefix):
			name = strings.TrimPrefix(full, remotePrefix)
		default:
			return nil
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		commit, err := repo.CommitObject(r.Hash())
		if err != nil {
			// Dangling ref; nothing to compare against.
			return nil
		}
		when := commit.Committer.When
		if !found || when.After(ref.When) || (when.Equal(ref.When) && name > ref.Name) {
			ref = BackupRef{Name: name, Hash: r.Hash(), When: when}
			found = true
		}
		return nil
	})
	if err != nil {
		return BackupRef{}, false, fmt.Errorf("scanning backup branches: %w", err)
	}
	return ref, found, nil
}
