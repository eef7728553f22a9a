package domain

import "fmt"

// Source tells the resolver where a project's image comes from. It is closed
// over DirectSource and GitHubSource.
type Source interface {
	sourceType() SourceType
}

// SourceType is the persisted discriminator of a Source.
type SourceType string

const (
	SourceDirect SourceType = "direct"
	SourceGitHub SourceType = "github"
)

// DirectSource deploys a prebuilt image reference.
type DirectSource struct {
	ImageRef string
}

// GitHubSource builds the image from a repository checkout. An empty Branch
// means the default branch and an empty RootDir the repository root.
type GitHubSource struct {
	RepoURL string
	Branch  string
	RootDir string
}

func (DirectSource) sourceType() SourceType { return SourceDirect }
func (GitHubSource) sourceType() SourceType { return SourceGitHub }

// TypeOf returns the discriminator stored alongside a source.
func TypeOf(src Source) SourceType {
	if src == nil {
		return ""
	}
	return src.sourceType()
}

// Describe renders a source for logs without credentials.
func Describe(src Source) string {
	switch s := src.(type) {
	case DirectSource:
		return "image " + s.ImageRef
	case GitHubSource:
		desc := "github " + RedactURL(s.RepoURL)
		if s.Branch != "" {
			desc += "@" + s.Branch
		}
		if s.RootDir != "" {
			desc += " (" + s.RootDir + ")"
		}
		return desc
	default:
		return fmt.Sprintf("unknown source %T", src)
	}
}
