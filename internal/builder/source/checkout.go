// Package source resolves build sources: git checkouts at a revision and the
// Dockerfile inside them.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog/log"
)

// ErrCloneFailed is returned when a repository cannot be cloned or the
// requested revision cannot be checked out
type ErrCloneFailed struct {
	URL    string
	Commit string
	Err    error
}

func (e ErrCloneFailed) Error() string {
	if e.Commit != "" {
		return fmt.Sprintf("failed to clone %s at %s: %v", e.URL, e.Commit, e.Err)
	}
	return fmt.Sprintf("failed to clone %s: %v", e.URL, e.Err)
}

func (e ErrCloneFailed) Unwrap() error {
	return e.Err
}

// Checkout is a working copy of a repository at one commit
type Checkout struct {
	Dir    string
	URL    string
	Commit string

	owned bool
}

// Clone clones url into dest and checks out commit, or the default branch when
// commit is empty. On failure nothing is left behind in dest.
func Clone(ctx context.Context, url, commit, dest string) (*Checkout, error) {
	log.Info().Str("url", url).Str("commit", commit).Str("path", dest).Msg("Cloning repository")
	startTime := time.Now()

	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  url,
		Tags: git.AllTags,
	})
	if err != nil {
		clearDir(dest)
		return nil, ErrCloneFailed{URL: url, Commit: commit, Err: err}
	}

	if commit != "" {
		if err := checkoutRevision(repo, commit); err != nil {
			clearDir(dest)
			return nil, ErrCloneFailed{URL: url, Commit: commit, Err: err}
		}
	}

	head, err := repo.Head()
	if err != nil {
		clearDir(dest)
		return nil, ErrCloneFailed{URL: url, Commit: commit, Err: fmt.Errorf("failed to read HEAD: %w", err)}
	}

	log.Info().
		Str("url", url).
		Str("commit", head.Hash().String()).
		Dur("duration", time.Since(startTime)).
		Msg("Repository cloned")

	return &Checkout{Dir: dest, URL: url, Commit: head.Hash().String()}, nil
}

// CloneScoped clones into a fresh temporary directory under workDir. The
// caller must Close the checkout to remove it.
func CloneScoped(ctx context.Context, url, commit, workDir string) (*Checkout, error) {
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}

	dir, err := os.MkdirTemp(workDir, "dock-source-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout directory: %w", err)
	}

	checkout, err := Clone(ctx, url, commit, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	checkout.owned = true
	return checkout, nil
}

// Close removes the checkout directory if it was created by CloneScoped
func (c *Checkout) Close() error {
	if c == nil || !c.owned {
		return nil
	}
	log.Debug().Str("path", c.Dir).Msg("Removing checkout")
	if err := os.RemoveAll(c.Dir); err != nil {
		return fmt.Errorf("failed to remove checkout %s: %w", c.Dir, err)
	}
	return nil
}

// checkoutRevision checks out a commit hash, tag or branch. A clone only has
// remote-tracking refs for branches other than the default one.
func checkoutRevision(repo *git.Repository, revision string) error {
	hash, err := resolveRevision(repo, revision)
	if err != nil {
		return fmt.Errorf("revision %s not found: %w", revision, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", revision, err)
	}
	return nil
}

func resolveRevision(repo *git.Repository, revision string) (*plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return hash, nil
	}
	remote, remoteErr := repo.ResolveRevision(plumbing.Revision(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, revision)))
	if remoteErr != nil {
		return nil, err
	}
	return remote, nil
}

// clearDir empties dir but keeps the directory itself
func clearDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		_ = os.RemoveAll(filepath.Join(dir, entry.Name()))
	}
}
