package docker

import (
	"errors"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrNotRunning indicates a container exited before it could be confirmed running.
var ErrNotRunning = errors.New("docker: container not running")

// ErrUnavailable indicates the engine cannot be reached or is too old.
var ErrUnavailable = errors.New("docker: engine unavailable")

// ErrNameInUse indicates another container already holds the requested name.
var ErrNameInUse = errors.New("docker: container name in use")

func isNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}
