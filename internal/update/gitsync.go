package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// syncRepository brings dir to the exact state of the remote reference. An
// existing clone is fetched and hard reset; anything else is removed and
// cloned fresh. Local edits in the daemon directory never survive a sync.
func syncRepository(ctx context.Context, dir, url, branch string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return fetchAndReset(ctx, dir, url, branch)
	}
	return cloneFresh(ctx, dir, url, branch)
}

func cloneFresh(ctx context.Context, dir, url, branch string) error {
	if err := os.RemoveAll(dir); err != nil {
		return derrors.WrapError(err, derrors.CategoryFileSystem, "clear daemon directory").
			WithContext("path", dir).Build()
	}

	opts := &git.CloneOptions{URL: url}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return classifyGitError("clone", url, err)
	}
	return nil
}

func fetchAndReset(ctx context.Context, dir, url, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryGit, "open repository").
			WithContext("path", dir).Build()
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.NoTags,
		RefSpecs:   []gitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	}
	if err := repo.FetchContext(ctx, fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classifyGitError("fetch", url, err)
	}

	target, err := resolveRemoteRef(repo, branch)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryGit, "worktree").Build()
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target.Hash(), Mode: git.HardReset}); err != nil {
		return derrors.WrapError(err, derrors.CategoryGit, "hard reset").
			WithContext("commit", target.Hash().String()).Build()
	}
	// Uploaded-archive leftovers are untracked; a sync removes them too.
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return derrors.WrapError(err, derrors.CategoryGit, "clean untracked").Build()
	}
	return nil
}

// resolveRemoteRef picks the remote reference to reset to: the requested
// branch, origin/HEAD, or main as a last resort.
func resolveRemoteRef(repo *git.Repository, branch string) (*plumbing.Reference, error) {
	candidates := []plumbing.ReferenceName{}
	if branch != "" {
		candidates = append(candidates, plumbing.NewRemoteReferenceName("origin", branch))
	} else {
		candidates = append(candidates,
			plumbing.ReferenceName("refs/remotes/origin/HEAD"),
			plumbing.NewRemoteReferenceName("origin", "main"))
	}
	for _, name := range candidates {
		if ref, err := repo.Reference(name, true); err == nil {
			return ref, nil
		}
	}
	return nil, derrors.GitError("remote reference not found").
		WithRetry(derrors.RetryNever).
		WithContext("branch", branch).Build()
}

// classifyGitError separates permanent failures (bad credentials, missing
// repository) from transient network trouble so the retry executor only
// retries what can succeed.
func classifyGitError(op, url string, err error) error {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "authorization") ||
		strings.Contains(l, "invalid username or password"):
		return derrors.WrapError(err, derrors.CategoryAuth, op+" rejected by remote").
			WithContext("url", url).Build()
	case strings.Contains(l, "not found") || strings.Contains(l, "repository does not exist"):
		return derrors.WrapError(err, derrors.CategoryNotFound, "repository not found").
			WithContext("url", url).Build()
	default:
		return derrors.WrapError(err, derrors.CategoryGit, op+" failed").
			Retryable().
			WithContext("url", url).Build()
	}
}
