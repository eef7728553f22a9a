package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/versions"
	"github.com/docker/docker/client"
)

// minAPIVersion is the oldest engine API whose label filters and volume
// options the runtime relies on.
const minAPIVersion = "1.41"

// Client runs project images, containers and volumes on one Docker engine.
type Client struct {
	inner *client.Client
	host  string
}

// New builds a client for host, or for the DOCKER_HOST environment when host
// is empty. The engine is not contacted until the first call.
func New(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", describeHost(host), err)
	}
	return &Client{inner: inner, host: host}, nil
}

// Ping reports whether the engine answers with a usable API version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.APIVersion(ctx)
	return err
}

// APIVersion returns the API version the engine advertises. Failures wrap
// ErrUnavailable.
func (c *Client) APIVersion(ctx context.Context) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialised: %w", ErrUnavailable)
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("ping %s: %w: %w", describeHost(c.host), ErrUnavailable, err)
	}
	if err := checkAPIVersion(ping.APIVersion); err != nil {
		return "", err
	}
	return ping.APIVersion, nil
}

// Close releases the client's connections.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func checkAPIVersion(v string) error {
	if v == "" {
		return fmt.Errorf("engine reported no api version: %w", ErrUnavailable)
	}
	if versions.LessThan(v, minAPIVersion) {
		return fmt.Errorf("engine api %s is older than %s: %w", v, minAPIVersion, ErrUnavailable)
	}
	return nil
}

func describeHost(host string) string {
	if host == "" {
		return "default docker host"
	}
	return host
}
