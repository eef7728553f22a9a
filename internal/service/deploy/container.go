package deploy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
)

// containerSpec describes the container for project running art under name.
// The container is created from the image id so it runs exactly the digest
// that gets committed, whatever the tag points at by then.
func (s *Service) containerSpec(project *domain.Project, name string, art domain.Artifact, env map[string]string) docker.ContainerSpec {
	image := art.Digest
	if image == "" {
		image = art.Tag
	}
	spec := docker.ContainerSpec{
		Name:    name,
		Image:   image,
		Env:     env,
		Labels:  s.labels(project.Name),
		Network: s.opts.Network,
		Port:    s.opts.Port,
		Limits:  s.opts.Limits,
	}
	if project.VolumeName != "" {
		spec.Volume = &docker.VolumeMount{Name: project.VolumeName, Path: project.PersistentVolumePath}
	}
	return spec
}

// labels marks the container as managed and routes <name>.<suffix> to it.
func (s *Service) labels(project string) map[string]string {
	router := routerName(project)
	prefix := "traefik.http.routers." + router
	labels := map[string]string{
		docker.LabelManaged: "true",
		docker.LabelProject: project,
		"traefik.enable":    "true",
	}
	labels[prefix+".rule"] = fmt.Sprintf("Host(`%s`)", s.hostname(project))
	labels["traefik.http.services."+router+".loadbalancer.server.port"] = strconv.Itoa(s.opts.Port)
	if s.opts.Network != "" {
		labels["traefik.docker.network"] = s.opts.Network
	}
	if s.opts.TraefikEntrypoint != "" {
		labels[prefix+".entrypoints"] = s.opts.TraefikEntrypoint
	}
	if s.opts.TraefikResolver != "" {
		labels[prefix+".tls.certresolver"] = s.opts.TraefikResolver
	}
	return labels
}

func (s *Service) hostname(project string) string {
	host := strings.ToLower(project)
	if suffix := strings.Trim(s.opts.DomainSuffix, "."); suffix != "" {
		host += "." + suffix
	}
	return host
}

func routerName(project string) string {
	return strings.ToLower(project)
}

// startContainer runs spec. A stale container left under the same name by an
// earlier attempt for the same project is replaced; any other holder of the
// name is a collision.
func (s *Service) startContainer(ctx context.Context, spec docker.ContainerSpec, project string) (docker.ContainerState, error) {
	runCtx, cancel := s.short(ctx)
	state, err := s.deps.Runtime.RunContainer(runCtx, spec)
	cancel()
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, docker.ErrNameInUse) {
		return state, runtimeError("start container "+spec.Name, err)
	}

	inspectCtx, cancel := s.short(ctx)
	existing, inspectErr := s.deps.Runtime.InspectContainer(inspectCtx, spec.Name)
	cancel()
	if inspectErr != nil {
		return state, runtimeError("inspect container "+spec.Name, inspectErr)
	}
	if existing.Labels[docker.LabelProject] != project {
		return state, fmt.Errorf("container %s belongs to another workload: %w", spec.Name, domain.ErrNameCollision)
	}
	s.logger.Warn("replacing stale container", "project", project, "container", spec.Name)
	if err := s.removeContainer(ctx, spec.Name); err != nil {
		return state, err
	}

	runCtx, cancel = s.short(ctx)
	defer cancel()
	state, err = s.deps.Runtime.RunContainer(runCtx, spec)
	if err != nil {
		return state, runtimeError("start container "+spec.Name, err)
	}
	return state, nil
}

func (s *Service) removeContainer(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	ctx, cancel := s.short(ctx)
	defer cancel()
	if err := s.deps.Runtime.RemoveContainer(ctx, name); err != nil {
		return runtimeError("remove container "+name, err)
	}
	return nil
}

// candidateName is base on the first attempt and base-<random> afterwards.
func (s *Service) candidateName(base string, attempt int) (string, error) {
	if attempt == 0 {
		return base, nil
	}
	suffix, err := s.suffix()
	if err != nil {
		return "", err
	}
	return base + "-" + suffix, nil
}

func (s *Service) containerBase(project string) string {
	return s.opts.ContainerPrefix + "-" + project
}

func (s *Service) volumeBase(project string) string {
	return s.opts.VolumePrefix + "-" + project
}

// freshContainerName finds a container name no project holds.
func (s *Service) freshContainerName(ctx context.Context, project string, firstAttempt int) (string, error) {
	for attempt := firstAttempt; attempt < maxNameAttempts; attempt++ {
		name, err := s.candidateName(s.containerBase(project), attempt)
		if err != nil {
			return "", err
		}
		taken, err := s.nameTaken(ctx, name, s.deps.Projects.ContainerNameTaken)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("container name for %s: %w", project, domain.ErrNameCollision)
}

func (s *Service) nameTaken(ctx context.Context, name string, check func(context.Context, string) (bool, error)) (bool, error) {
	ctx, cancel := s.short(ctx)
	defer cancel()
	taken, err := check(ctx, name)
	if err != nil {
		return false, catalogError("check name "+name, err)
	}
	return taken, nil
}
