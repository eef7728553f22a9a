package domain

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	maxProjectNameLength = 63
	maxOwnerLength       = 100
	maxImageRefLength    = 255
)

var (
	envKeyPattern        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	forbiddenImageChars  = " $`'\"\\"
	reservedGitHubOwners = map[string]struct{}{
		"orgs": {}, "organizations": {}, "settings": {}, "marketplace": {}, "explore": {},
	}
)

// NormalizeProjectName returns the canonical form of a project name. Names
// become hostnames, so they are compared case-insensitively.
func NormalizeProjectName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateProjectName accepts canonical DNS labels: lowercase letters, digits
// and inner hyphens, at most 63 characters.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name is required: %w", ErrValidation)
	}
	if len(name) > maxProjectNameLength {
		return fmt.Errorf("project name exceeds %d characters: %w", maxProjectNameLength, ErrValidation)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("project name cannot start or end with a hyphen: %w", ErrValidation)
	}
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			return fmt.Errorf("project name must be lowercase: %w", ErrValidation)
		}
		if !isAlnum(r) && r != '-' {
			return fmt.Errorf("project name contains invalid character %q: %w", r, ErrValidation)
		}
	}
	return nil
}

// ValidateOwner checks an owner or participant login.
func ValidateOwner(login string) error {
	if strings.TrimSpace(login) == "" {
		return fmt.Errorf("owner is required: %w", ErrValidation)
	}
	if len(login) > maxOwnerLength || strings.ContainsAny(login, " \t\r\n/") {
		return fmt.Errorf("owner %q is not a valid login: %w", login, ErrValidation)
	}
	return nil
}

// ValidateImageRef rejects empty references and shell metacharacters.
func ValidateImageRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference is required: %w", ErrValidation)
	}
	if len(ref) > maxImageRefLength {
		return fmt.Errorf("image reference exceeds %d characters: %w", maxImageRefLength, ErrValidation)
	}
	if strings.ContainsAny(ref, forbiddenImageChars) {
		return fmt.Errorf("image reference contains forbidden characters: %w", ErrValidation)
	}
	return nil
}

// ValidateEnvKey accepts POSIX shell variable names.
func ValidateEnvKey(key string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("environment variable name %q is invalid: %w", key, ErrValidation)
	}
	return nil
}

// CleanRootDir normalises a repository subdirectory. It rejects absolute
// paths and anything escaping the checkout; "" and "." both mean the root.
func CleanRootDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", nil
	}
	if strings.HasPrefix(dir, "/") || strings.Contains(dir, "\\") {
		return "", fmt.Errorf("root directory %q must be relative: %w", dir, ErrValidation)
	}
	cleaned := path.Clean(dir)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("root directory %q escapes the repository: %w", dir, ErrValidation)
	}
	return cleaned, nil
}

// GitHubOwner extracts the account that owns a github.com repository URL.
func GitHubOwner(repoURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("repository url must be an https github.com url: %w", ErrValidation)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "github.com" {
		return "", fmt.Errorf("only github.com repositories are supported: %w", ErrValidation)
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), ".git"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("expected https://github.com/<owner>/<repository>: %w", ErrValidation)
	}
	if _, reserved := reservedGitHubOwners[strings.ToLower(parts[0])]; reserved {
		return "", fmt.Errorf("%q is not a github account: %w", parts[0], ErrValidation)
	}
	return parts[0], nil
}

// ValidateSource checks a source and returns it normalised.
func ValidateSource(src Source) (Source, error) {
	switch s := src.(type) {
	case DirectSource:
		s.ImageRef = strings.TrimSpace(s.ImageRef)
		if err := ValidateImageRef(s.ImageRef); err != nil {
			return nil, err
		}
		return s, nil
	case GitHubSource:
		s.RepoURL = strings.TrimSpace(s.RepoURL)
		if _, err := GitHubOwner(s.RepoURL); err != nil {
			return nil, err
		}
		s.Branch = strings.TrimSpace(s.Branch)
		if strings.HasPrefix(s.Branch, "-") || strings.ContainsAny(s.Branch, " \t\r\n~^:?*[\\") {
			return nil, fmt.Errorf("branch %q is invalid: %w", s.Branch, ErrValidation)
		}
		root, err := CleanRootDir(s.RootDir)
		if err != nil {
			return nil, err
		}
		s.RootDir = root
		return s, nil
	case nil:
		return nil, fmt.Errorf("source is required: %w", ErrValidation)
	default:
		return nil, fmt.Errorf("unsupported source %T: %w", src, ErrValidation)
	}
}

// RedactURL strips userinfo from a URL for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
