package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

// Labels set on every container and image this package creates.
const (
	LabelManaged = "hangar.managed"
	LabelProject = "hangar.project"
)

// Limits bounds the resources a project container can consume.
type Limits struct {
	MemoryMB  int
	CPUQuota  int
	PidsLimit int
}

// VolumeMount attaches a named volume at Path.
type VolumeMount struct {
	Name string
	Path string
}

// ContainerSpec describes a project container.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Labels  map[string]string
	Network string
	Port    int
	Volume  *VolumeMount
	Limits  Limits
}

// ContainerState is the subset of a container inspect the deployer relies on.
type ContainerState struct {
	ID       string
	Name     string
	Running  bool
	Status   string
	ExitCode int
	// ImageID is the id of the image the container was created from.
	ImageID string
	Labels  map[string]string
}

// RunContainer creates and starts a container, then waits until the daemon
// reports it running.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (ContainerState, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerState{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerState{}, fmt.Errorf("image name cannot be empty")
	}

	config, hostCfg, netCfg := buildContainerConfig(spec)
	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return ContainerState{}, fmt.Errorf("container create %s: %w", spec.Name, ErrNameInUse)
		}
		return ContainerState{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerState{}, fmt.Errorf("container start: %w", err)
	}

	var state ContainerState
	for attempt := 0; attempt < 10; attempt++ {
		state, err = c.InspectContainer(ctx, r.ID)
		if err != nil {
			return ContainerState{}, err
		}
		if state.Running {
			return state, nil
		}
		if state.Status == "exited" || state.Status == "dead" {
			return state, fmt.Errorf("container %s %s with code %d: %w", spec.Name, state.Status, state.ExitCode, ErrNotRunning)
		}
		select {
		case <-ctx.Done():
			return state, fmt.Errorf("wait for container running: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return state, fmt.Errorf("container %s still %s: %w", spec.Name, state.Status, ErrNotRunning)
}

// InspectContainer returns the state of the container with the given name or id.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if isNotFound(err) {
			return ContainerState{}, fmt.Errorf("container %s: %w", nameOrID, ErrNotFound)
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{
		ID:      inspect.ID,
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		ImageID: inspect.Image,
	}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
	}
	return state, nil
}

// StopContainer stops a container. Missing or already stopped containers are not errors.
func (c *Client) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	seconds := int(grace / time.Second)
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if isNotFound(err) || errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer stops and removes a container. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.StopContainer(ctx, name, 10*time.Second); err != nil {
		return err
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManagedContainers returns every container carrying the managed label.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ContainerState, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerState, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, ContainerState{
			ID:      item.ID,
			Name:    name,
			Running: item.State == "running",
			Status:  item.State,
			ImageID: item.ImageID,
			Labels:  item.Labels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{},
	}
	if spec.Port > 0 {
		config.ExposedPorts[nat.Port(fmt.Sprintf("%d/tcp", spec.Port))] = struct{}{}
	}

	swappiness := int64(0)
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		SecurityOpt:   []string{"no-new-privileges:true", "apparmor:docker-default"},
		Tmpfs:         map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"},
		Resources: container.Resources{
			MemorySwappiness: &swappiness,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
				{Name: "nproc", Soft: 64, Hard: 128},
			},
		},
	}
	if spec.Limits.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.Limits.MemoryMB) * units.MiB
		hostCfg.Resources.MemorySwap = hostCfg.Resources.Memory
	}
	if spec.Limits.CPUQuota > 0 {
		hostCfg.Resources.CPUPeriod = 100000
		hostCfg.Resources.CPUQuota = int64(spec.Limits.CPUQuota)
	}
	if spec.Limits.PidsLimit > 0 {
		pids := int64(spec.Limits.PidsLimit)
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.Volume != nil {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.Volume.Name,
			Target: spec.Volume.Path,
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}
	return config, hostCfg, netCfg
}
