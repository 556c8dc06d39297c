// Package gitrepo wraps go-git for the repo side of reconciliation:
// open or clone the working copy, pull before every cycle, and commit
// and push capture-mode writes.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog"
)

// Options configures a Repo.
type Options struct {
	// Path is the working directory of the clone.
	Path string

	// RemoteURL is the origin URL. Empty means a local-only repo: pull and
	// push become no-ops and only commits are recorded.
	RemoteURL string

	// Branch is the branch to track. Defaults to main.
	Branch string

	// Token authenticates HTTPS remotes.
	Token string

	// SSHKeyPath authenticates SSH remotes. Token wins when both are set.
	SSHKeyPath string

	// AuthorName and AuthorEmail sign the commits this daemon makes.
	AuthorName  string
	AuthorEmail string

	Logger zerolog.Logger
}

// Repo is a git working copy. It is not safe for concurrent use; the
// reconciler serializes access per cycle.
type Repo struct {
	repo   *git.Repository
	opts   Options
	logger zerolog.Logger
}

// Open opens an existing clone at the configured path, cloning from the
// remote when the path does not hold one yet.
func Open(ctx context.Context, opts Options) (*Repo, error) {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "corral"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "corral@localhost"
	}
	logger := opts.Logger.With().Str("component", "gitrepo").Logger()

	repo, err := git.PlainOpen(opts.Path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if opts.RemoteURL == "" {
			repo, err = initLocal(opts)
		} else {
			logger.Info().Str("remote", opts.RemoteURL).Msg("cloning repo")
			repo, err = clone(ctx, opts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open repo at %s: %w", opts.Path, err)
	}

	return &Repo{repo: repo, opts: opts, logger: logger}, nil
}

func clone(ctx context.Context, opts Options) (*git.Repository, error) {
	auth, err := buildAuth(opts)
	if err != nil {
		return nil, err
	}
	return git.PlainCloneContext(ctx, opts.Path, false, &git.CloneOptions{
		URL:           opts.RemoteURL,
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
}

// initLocal creates a fresh local-only repo with the configured branch
// checked out, so capture mode can bootstrap into an empty directory.
func initLocal(opts Options) (*git.Repository, error) {
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInitWithOptions(opts.Path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(opts.Branch),
		},
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Pull fast-forwards the working copy from the remote. Already up to
// date is success; a local-only repo pulls nothing.
func (r *Repo) Pull(ctx context.Context) error {
	if r.opts.RemoteURL == "" {
		return nil
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	auth, err := buildAuth(r.opts)
	if err != nil {
		return err
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		ReferenceName: plumbing.NewBranchReferenceName(r.opts.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	r.logger.Debug().Msg("pulled repo")
	return nil
}

// Commit stages the whole working tree and commits it, returning the new
// revision. Returns an empty revision with no error when there is
// nothing to commit.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.opts.AuthorName,
			Email: r.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	r.logger.Info().Str("revision", hash.String()).Msg("committed repo changes")
	return hash.String(), nil
}

// Push publishes local commits. A local-only repo pushes nothing.
func (r *Repo) Push(ctx context.Context) error {
	if r.opts.RemoteURL == "" {
		return nil
	}
	auth, err := buildAuth(r.opts)
	if err != nil {
		return err
	}

	branch := plumbing.NewBranchReferenceName(r.opts.Branch)
	err = r.repo.PushContext(ctx, &git.PushOptions{
		RefSpecs: []config.RefSpec{config.RefSpec(branch + ":" + branch)},
		Auth:     auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// CurrentRevision returns the hash at HEAD, empty for a repo with no
// commits yet.
func (r *Repo) CurrentRevision() (string, error) {
	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	return head.Hash().String(), nil
}

func buildAuth(opts Options) (transport.AuthMethod, error) {
	if opts.Token != "" {
		// Token-as-password works for the common git hosts.
		return &http.BasicAuth{Username: "git", Password: opts.Token}, nil
	}
	if opts.SSHKeyPath != "" {
		keys, err := ssh.NewPublicKeysFromFile("git", opts.SSHKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("load ssh key: %w", err)
		}
		return keys, nil
	}
	return nil, nil
}
