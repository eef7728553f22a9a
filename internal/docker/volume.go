package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/volume"
)

// CreateVolume creates a named volume. created is false when the volume
// already existed, so callers know whether they own its removal.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) (created bool, err error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("volume name cannot be empty")
	}
	if _, err := c.inner.VolumeInspect(ctx, name); err == nil {
		return false, nil
	} else if !isNotFound(err) {
		return false, fmt.Errorf("inspect volume: %w", err)
	}

	all := map[string]string{LabelManaged: "true"}
	for k, v := range labels {
		all[k] = v
	}
	if _, err := c.inner.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: all}); err != nil {
		return false, fmt.Errorf("create volume: %w", err)
	}
	return true, nil
}

// RemoveVolume deletes a named volume. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if err := c.inner.VolumeRemove(ctx, name, false); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume: %w", err)
	}
	return nil
}
