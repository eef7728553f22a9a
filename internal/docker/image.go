package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// ImageInfo is the subset of an image inspect the deployer relies on.
type ImageInfo struct {
	// ID is the content-addressed image id (sha256:...).
	ID          string
	RepoTags    []string
	RepoDigests []string
}

// PullImage fetches ref from its registry.
func (c *Client) PullImage(ctx context.Context, ref string, onOutput OutputCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("pull %s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("docker image pull: %w", err)
	}
	defer rc.Close()
	if _, err := consumeStream(rc, onOutput); err != nil {
		return fmt.Errorf("docker image pull: %w", err)
	}
	return nil
}

// InspectImage resolves ref to its image id.
func (c *Client) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if isNotFound(err) {
			return ImageInfo{}, fmt.Errorf("image %s: %w", ref, ErrNotFound)
		}
		return ImageInfo{}, fmt.Errorf("docker image inspect: %w", err)
	}
	return ImageInfo{ID: inspect.ID, RepoTags: inspect.RepoTags, RepoDigests: inspect.RepoDigests}, nil
}

// BuildImage creates an image from dir using the Dockerfile at its root and
// returns the resulting image id.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput OutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		BuildArgs:   buildArgs,
		Labels:      map[string]string{LabelManaged: "true"},
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	id, err := consumeStream(resp.Body, onOutput)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	return id, nil
}

// RemoveImage deletes ref. A missing image is not an error.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}
