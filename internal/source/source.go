// Package source turns a project's declared source into something the image
// builder can consume.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/git"
	"github.com/0xEthamin/hangar-back/internal/github"
	"github.com/0xEthamin/hangar-back/internal/workspace"
)

// BuildInput is the resolved form of a source. It is closed over
// PrebuiltImage and SourceTree.
type BuildInput interface {
	buildInput()
}

// PrebuiltImage is an image reference that needs no build.
type PrebuiltImage struct {
	Ref string
}

// SourceTree is a checked out repository narrowed to its build context.
type SourceTree struct {
	// Dir is the checkout root.
	Dir string
	// ContextDir is Dir joined with the project's root directory.
	ContextDir string
	Commit     string
	release    func() error
}

func (PrebuiltImage) buildInput() {}
func (SourceTree) buildInput()    {}

// Release deletes the checkout. It is safe to call more than once.
func (t SourceTree) Release() error {
	if t.release == nil {
		return nil
	}
	return t.release()
}

// NewSourceTree wraps an existing directory, for callers that prepared it themselves.
func NewSourceTree(dir, contextDir, commit string, release func() error) SourceTree {
	return SourceTree{Dir: dir, ContextDir: contextDir, Commit: commit, release: release}
}

// Release frees whatever in holds.
func Release(in BuildInput) error {
	if tree, ok := in.(SourceTree); ok {
		return tree.Release()
	}
	return nil
}

// TokenSource issues repository access tokens for an account.
type TokenSource interface {
	InstallationToken(ctx context.Context, owner string) (string, error)
}

// Resolver fetches sources.
type Resolver struct {
	workspaces *workspace.Manager
	tokens     TokenSource
	timeout    time.Duration
	logger     *slog.Logger

	clone func(ctx context.Context, opts git.CloneOptions, dest string) error
	head  func(ctx context.Context, dir string) (string, error)
}

// New constructs a Resolver. tokens may be nil, in which case repositories are
// cloned anonymously.
func New(workspaces *workspace.Manager, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		workspaces: workspaces,
		tokens:     tokens,
		timeout:    timeout,
		logger:     logger.With("component", "source"),
		clone:      git.Clone,
		head:       git.Head,
	}
}

// Resolve dispatches on the source variant. Callers must Release the result.
func (r *Resolver) Resolve(ctx context.Context, project string, src domain.Source) (BuildInput, error) {
	switch s := src.(type) {
	case domain.DirectSource:
		if err := domain.ValidateImageRef(s.ImageRef); err != nil {
			return nil, err
		}
		return PrebuiltImage{Ref: s.ImageRef}, nil
	case domain.GitHubSource:
		return r.fetch(ctx, project, s)
	default:
		return nil, fmt.Errorf("unsupported source %T: %w", src, domain.ErrValidation)
	}
}

func (r *Resolver) fetch(ctx context.Context, project string, src domain.GitHubSource) (BuildInput, error) {
	owner, err := domain.GitHubOwner(src.RepoURL)
	if err != nil {
		return nil, err
	}
	rootDir, err := domain.CleanRootDir(src.RootDir)
	if err != nil {
		return nil, err
	}

	fetchCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	token, err := r.token(fetchCtx, owner)
	if err != nil {
		return nil, err
	}

	dir, err := r.workspaces.Create(project)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	release := func() error { return r.workspaces.Cleanup(dir) }
	fail := func(err error) (BuildInput, error) {
		if cerr := release(); cerr != nil {
			r.logger.Warn("failed to clean workspace", "dir", dir, "error", cerr)
		}
		return nil, err
	}

	r.logger.Info("fetching source", "project", project, "source", domain.Describe(src))
	if err := r.clone(fetchCtx, git.CloneOptions{URL: src.RepoURL, Branch: src.Branch, Token: token}, dir); err != nil {
		switch {
		case errors.Is(err, git.ErrNotFound):
			return fail(fmt.Errorf("%s: %w: %w", domain.Describe(src), domain.ErrSourceNotFound, err))
		default:
			return fail(fmt.Errorf("%s: %w: %w", domain.Describe(src), domain.ErrSourceUnreachable, err))
		}
	}

	commit, err := r.head(fetchCtx, dir)
	if err != nil {
		return fail(fmt.Errorf("read checked out commit: %w: %w", domain.ErrSourceUnreachable, err))
	}

	contextDir := dir
	if rootDir != "" {
		contextDir = filepath.Join(dir, filepath.FromSlash(rootDir))
		info, err := os.Stat(contextDir)
		if err != nil || !info.IsDir() {
			return fail(fmt.Errorf("root directory %q not in repository: %w", rootDir, domain.ErrSourceNotFound))
		}
		if resolved, err := filepath.EvalSymlinks(contextDir); err != nil || !within(dir, resolved) {
			return fail(fmt.Errorf("root directory %q escapes the repository: %w", rootDir, domain.ErrValidation))
		}
	}

	return SourceTree{Dir: dir, ContextDir: contextDir, Commit: commit, release: release}, nil
}

func (r *Resolver) token(ctx context.Context, owner string) (string, error) {
	if r.tokens == nil {
		return "", nil
	}
	token, err := r.tokens.InstallationToken(ctx, owner)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, github.ErrNoInstallation) {
		r.logger.Info("no app installation for owner, cloning anonymously", "owner", owner)
		return "", nil
	}
	return "", fmt.Errorf("github token for %s: %w: %w", owner, domain.ErrSourceUnreachable, err)
}

func within(root, path string) bool {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(resolvedRoot, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel))
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
