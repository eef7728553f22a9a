package deploy

import (
	"context"
	"fmt"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/pkg/config"
)

// RedeployOptions tune Redeploy.
type RedeployOptions struct {
	// Force replaces the container even when the digest is unchanged, which
	// applies environment changes.
	Force bool
}

// Redeploy rebuilds the project's source and replaces its container when the
// resulting digest differs from the committed one.
func (s *Service) Redeploy(ctx context.Context, id int64, opts RedeployOptions) (project *domain.Project, err error) {
	started := s.now()
	defer func() { s.observe(domain.OpRedeploy, started, err) }()

	project, unlock, err := s.lockProject(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.redeploy(ctx, project, opts)
}

func (s *Service) redeploy(ctx context.Context, project *domain.Project, opts RedeployOptions) (*domain.Project, error) {
	if project.State == domain.StateTerminating {
		return nil, fmt.Errorf("project %s is being destroyed: %w", project.Name, domain.ErrValidation)
	}
	if !project.Committed() {
		return s.resume(ctx, project)
	}

	art, err := s.resolveAndBuild(ctx, domain.OpRedeploy, project.Name, project.Source)
	if err != nil {
		s.emit(project.Name, domain.OpRedeploy, "failed", err)
		return nil, err
	}

	if !opts.Force && project.State == domain.StateRunning && art.Digest == project.DeployedImageDigest {
		if art.Tag != project.DeployedImageTag {
			s.discard(ctx, art)
		}
		s.logger.Info("digest unchanged, nothing to do", "project", project.Name, "digest", art.Digest)
		s.emit(project.Name, domain.OpRedeploy, "unchanged", nil)
		return project, nil
	}

	previous := project.State
	oldContainer, oldTag := project.ContainerName, project.DeployedImageTag
	if err := s.setState(ctx, project, domain.StateDeploying); err != nil {
		s.discard(ctx, art)
		return nil, err
	}

	if s.opts.Strategy == config.RedeployStopFirst {
		err = s.replaceStopFirst(ctx, project, art, previous)
	} else {
		err = s.replaceParallel(ctx, project, art, previous)
	}
	if err != nil {
		s.emit(project.Name, domain.OpRedeploy, "failed", err)
		return nil, err
	}

	if oldContainer != project.ContainerName {
		if err := s.removeContainer(context.WithoutCancel(ctx), oldContainer); err != nil {
			s.logger.Warn("old container left behind", "project", project.Name, "container", oldContainer, "error", err)
		}
	}
	if oldTag != project.DeployedImageTag {
		s.releaseImage(ctx, oldTag)
	}
	s.emit(project.Name, domain.OpRedeploy, "running", nil)
	return project, nil
}

// replaceParallel starts the new container beside the old one and commits it.
// The old container keeps serving if anything fails.
func (s *Service) replaceParallel(ctx context.Context, project *domain.Project, art domain.Artifact, previous domain.DeploymentState) error {
	g := s.newSaga(domain.OpRedeploy)
	g.push("discard_image", func(ctx context.Context) error { return s.deps.Builder.Discard(ctx, art) })
	g.push("restore_state", func(ctx context.Context) error {
		return s.deps.Projects.SetProjectState(ctx, project.ID, previous)
	})

	name, err := s.freshContainerName(ctx, project.Name, 1)
	if err != nil {
		return g.compensate(ctx, project.Name, err)
	}
	if err := s.launch(ctx, g, project, art, name); err != nil {
		project.State = previous
		return g.compensate(ctx, project.Name, err)
	}
	return nil
}

// replaceStopFirst removes the old container before starting the new one
// under the same name. A failure after the removal leaves the project failed.
func (s *Service) replaceStopFirst(ctx context.Context, project *domain.Project, art domain.Artifact, previous domain.DeploymentState) error {
	g := s.newSaga(domain.OpRedeploy)
	g.push("discard_image", func(ctx context.Context) error { return s.deps.Builder.Discard(ctx, art) })

	name := project.ContainerName
	if err := s.removeContainer(ctx, name); err != nil {
		g.push("restore_state", func(ctx context.Context) error {
			return s.deps.Projects.SetProjectState(ctx, project.ID, previous)
		})
		return g.compensate(ctx, project.Name, err)
	}
	s.logger.Warn("project down until the new container runs", "project", project.Name, "container", name)

	g.push("mark_failed", func(ctx context.Context) error {
		return s.deps.Projects.SetProjectState(ctx, project.ID, domain.StateFailed)
	})
	if err := s.launch(ctx, g, project, art, name); err != nil {
		project.State = domain.StateFailed
		return g.compensate(ctx, project.Name, err)
	}
	return nil
}
