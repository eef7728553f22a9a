package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

// Destroy removes the project's container, volume and catalog row in that
// order. Absent resources count as removed, so a retry after ErrPartialTeardown
// picks up where the failed call stopped. Databases are unlinked, never dropped.
func (s *Service) Destroy(ctx context.Context, id int64) (err error) {
	started := s.now()
	defer func() { s.observe(domain.OpDestroy, started, err) }()

	project, unlock, err := s.lockProject(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.destroy(ctx, project); err != nil {
		s.emit(project.Name, domain.OpDestroy, "failed", err)
		return err
	}
	s.emit(project.Name, domain.OpDestroy, "destroyed", nil)
	return nil
}

func (s *Service) destroy(ctx context.Context, project *domain.Project) error {
	s.emit(project.Name, domain.OpDestroy, "terminating", nil)
	if err := s.setState(ctx, project, domain.StateTerminating); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.removeContainer(ctx, project.ContainerName); err != nil {
		return err
	}

	if project.VolumeName != "" {
		volumeCtx, cancel := s.short(ctx)
		err := s.deps.Runtime.RemoveVolume(volumeCtx, project.VolumeName)
		cancel()
		if err != nil {
			s.logger.Error("volume removal failed", "project", project.Name, "volume", project.VolumeName, "error", err)
			return fmt.Errorf("remove volume %s: %w: %w: %w", project.VolumeName, domain.ErrPartialTeardown, domain.ErrRuntime, err)
		}
	}

	if s.deps.Databases != nil {
		if err := s.deps.Databases.Unlink(ctx, project.ID); err != nil {
			return fmt.Errorf("unlink databases: %w: %w", domain.ErrPartialTeardown, err)
		}
	}

	deleteCtx, cancel := s.short(ctx)
	err := s.deps.Projects.DeleteProject(deleteCtx, project.ID)
	cancel()
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("catalog delete failed after teardown", "project", project.Name, "error", err)
		return fmt.Errorf("delete project row: %w: %w", domain.ErrPartialTeardown, err)
	}

	s.releaseImage(ctx, project.DeployedImageTag)
	s.logger.Info("project destroyed", "project_id", project.ID, "project", project.Name)
	return nil
}
