// Package reposync keeps a local checkout of the plan repository current.
// Apply runs against a clean, fast-forwarded working tree so every host
// converges from the same revision.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/daveseff/Geppetto/internal/config"
	"github.com/daveseff/Geppetto/internal/logger"
)

// Sync clones the config repository on first use and afterwards fetches and
// hard-resets the checkout to the remote branch head. Local edits in the
// checkout are discarded: the repository is the source of truth.
func Sync(ctx context.Context, repo config.ConfigRepo, log *logger.Logger) error {
	if repo.URL == "" {
		return nil
	}

	if _, err := os.Stat(repo.Path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot access %s: %w", repo.Path, err)
		}
		return clone(ctx, repo, log)
	}
	return update(ctx, repo, log)
}

func clone(ctx context.Context, repo config.ConfigRepo, log *logger.Logger) error {
	log.WithFields(map[string]any{"url": repo.URL, "path": repo.Path}).Info("cloning config repository")

	opts := &git.CloneOptions{URL: repo.URL}
	if repo.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Branch)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, repo.Path, false, opts); err != nil {
		return fmt.Errorf("cloning %s: %w", repo.URL, err)
	}
	return nil
}

func update(ctx context.Context, repo config.ConfigRepo, log *logger.Logger) error {
	checkout, err := git.PlainOpen(repo.Path)
	if err != nil {
		return fmt.Errorf("%s exists but is not a git checkout: %w", repo.Path, err)
	}

	remote, err := checkout.Remote("origin")
	if err != nil {
		return fmt.Errorf("checkout %s has no origin remote: %w", repo.Path, err)
	}
	if urls := remote.Config().URLs; len(urls) > 0 && urls[0] != repo.URL {
		return fmt.Errorf("checkout %s tracks %s, config expects %s", repo.Path, urls[0], repo.URL)
	}

	err = checkout.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", repo.URL, err)
	}

	branch := repo.Branch
	if branch == "" {
		head, err := checkout.Head()
		if err != nil {
			return fmt.Errorf("resolving HEAD of %s: %w", repo.Path, err)
		}
		branch = head.Name().Short()
	}

	ref, err := checkout.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("remote branch %q not found: %w", branch, err)
	}

	worktree, err := checkout.Worktree()
	if err != nil {
		return err
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return fmt.Errorf("resetting to origin/%s: %w", branch, err)
	}

	log.WithFields(map[string]any{"path": repo.Path, "revision": ref.Hash().String()}).Info("config repository synced")
	return nil
}
