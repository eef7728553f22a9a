package docker

import (
	"context"
	"errors"
	"testing"
)

func TestCheckAPIVersion(t *testing.T) {
	for _, v := range []string{"1.41", "1.45", "1.47"} {
		if err := checkAPIVersion(v); err != nil {
			t.Fatalf("%s: unexpected error %v", v, err)
		}
	}
	for _, v := range []string{"", "1.40", "1.24"} {
		if err := checkAPIVersion(v); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%q: expected ErrUnavailable, got %v", v, err)
		}
	}
}

func TestUninitialisedClientIsUnavailable(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDescribeHost(t *testing.T) {
	if got := describeHost(""); got != "default docker host" {
		t.Fatalf("unexpected %q", got)
	}
	if got := describeHost("unix:///run/docker.sock"); got != "unix:///run/docker.sock" {
		t.Fatalf("unexpected %q", got)
	}
}
