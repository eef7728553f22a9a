package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrNotFound means the repository or branch does not exist, or is hidden from the credentials used.
	ErrNotFound = errors.New("git: repository or branch not found")
	// ErrUnreachable means the remote could not be contacted or refused authentication.
	ErrUnreachable = errors.New("git: remote unreachable")
)

// CloneOptions selects what to fetch.
type CloneOptions struct {
	URL    string
	Branch string
	// Token is an installation token placed in the URL as x-access-token.
	Token string
}

// Clone shallow-clones the repository into dest, which must exist and be empty.
func Clone(ctx context.Context, opts CloneOptions, dest string) error {
	if opts.URL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	remote, err := authenticatedURL(opts.URL, opts.Token)
	if err != nil {
		return err
	}
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, "--", remote, ".")

	output, err := run(ctx, dest, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("git clone: %w: %w", ErrUnreachable, ctx.Err())
		}
		msg := redact(string(output), opts.Token)
		return fmt.Errorf("git clone: %w: %s", classify(msg), strings.TrimSpace(msg))
	}
	return nil
}

// Head returns the commit checked out in dir.
func Head(ctx context.Context, dir string) (string, error) {
	output, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

func run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

func authenticatedURL(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse repository URL: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("token authentication requires an https repository URL")
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// classify maps git's stderr to not-found or unreachable.
func classify(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "does not appear to be a git repository"),
		strings.Contains(lower, "does not exist"):
		return ErrNotFound
	default:
		return ErrUnreachable
	}
}

func redact(output, token string) string {
	if token == "" {
		return output
	}
	return strings.ReplaceAll(output, token, "***")
}
