package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

// CreateInput describes a new project.
type CreateInput struct {
	Name         string
	Owner        string
	Participants []string
	Source       domain.Source
	// Env holds plaintext values; they are encrypted before anything is stored.
	Env map[string]string
	// VolumePath mounts a persistent volume at this in-container path when set.
	VolumePath string
}

// Create deploys a new project. Calling it again for a project the same owner
// already has converges: a committed project is redeployed (a no-op when the
// digest is unchanged) and an interrupted attempt is resumed with the names it
// reserved.
func (s *Service) Create(ctx context.Context, in CreateInput) (project *domain.Project, err error) {
	started := s.now()
	defer func() { s.observe(domain.OpCreate, started, err) }()

	src, err := validateCreate(&in)
	if err != nil {
		return nil, err
	}
	env, err := s.encryptEnv(in.Env)
	if err != nil {
		return nil, err
	}

	unlock, err := s.deps.Locks.Lock(ctx, keylock.ProjectKey(in.Name))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.findByName(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.converge(ctx, existing, in.Owner)
	}

	project, err = s.create(ctx, in, src, env)
	if err != nil {
		s.emit(in.Name, domain.OpCreate, "failed", err)
		return nil, err
	}
	s.emit(project.Name, domain.OpCreate, "running", nil)
	return project, nil
}

func validateCreate(in *CreateInput) (domain.Source, error) {
	in.Name = domain.NormalizeProjectName(in.Name)
	if err := domain.ValidateProjectName(in.Name); err != nil {
		return nil, err
	}
	if err := domain.ValidateOwner(in.Owner); err != nil {
		return nil, err
	}
	for _, participant := range in.Participants {
		if err := domain.ValidateOwner(participant); err != nil {
			return nil, err
		}
	}
	src, err := domain.ValidateSource(in.Source)
	if err != nil {
		return nil, err
	}
	if in.VolumePath != "" {
		cleaned := path.Clean(strings.TrimSpace(in.VolumePath))
		if !path.IsAbs(cleaned) || cleaned == "/" {
			return nil, fmt.Errorf("volume path %q must be an absolute directory: %w", in.VolumePath, domain.ErrValidation)
		}
		in.VolumePath = cleaned
	}
	return src, nil
}

func (s *Service) findByName(ctx context.Context, name string) (*domain.Project, error) {
	ctx, cancel := s.short(ctx)
	defer cancel()
	project, err := s.deps.Projects.GetProjectByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, catalogError("load project "+name, err)
	}
	return project, nil
}

func (s *Service) converge(ctx context.Context, existing *domain.Project, owner string) (*domain.Project, error) {
	if existing.Owner != owner {
		return nil, fmt.Errorf("project %s: %w", existing.Name, domain.ErrAlreadyExists)
	}
	if existing.State == domain.StateTerminating {
		return nil, fmt.Errorf("project %s is being destroyed: %w", existing.Name, domain.ErrAlreadyExists)
	}
	s.logger.Info("project exists, converging", "project", existing.Name, "state", existing.State)
	return s.redeploy(ctx, existing, RedeployOptions{})
}

func (s *Service) create(ctx context.Context, in CreateInput, src domain.Source, env map[string][]byte) (*domain.Project, error) {
	art, err := s.resolveAndBuild(ctx, domain.OpCreate, in.Name, src)
	if err != nil {
		return nil, err
	}
	g := s.newSaga(domain.OpCreate)
	g.push("discard_image", func(ctx context.Context) error { return s.deps.Builder.Discard(ctx, art) })

	project := &domain.Project{
		Name:                 in.Name,
		Owner:                in.Owner,
		Participants:         in.Participants,
		Source:               src,
		EnvVars:              env,
		PersistentVolumePath: in.VolumePath,
	}
	s.emit(in.Name, domain.OpCreate, "reserving", nil)
	if err := s.reserve(ctx, project); err != nil {
		return nil, g.compensate(ctx, in.Name, err)
	}
	g.push("delete_reservation", func(ctx context.Context) error {
		if err := s.deps.Projects.DeleteProject(ctx, project.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return nil
	})

	if err := s.launch(ctx, g, project, art, project.ContainerName); err != nil {
		return nil, g.compensate(ctx, in.Name, err)
	}
	s.logger.Info("project created", "project_id", project.ID, "project", project.Name, "container", project.ContainerName, "digest", project.DeployedImageDigest)
	return project, nil
}

// reserve inserts the project row in the deploying state, claiming unused
// container and volume names.
func (s *Service) reserve(ctx context.Context, project *domain.Project) error {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		container, err := s.candidateName(s.containerBase(project.Name), attempt)
		if err != nil {
			return err
		}
		taken, err := s.nameTaken(ctx, container, s.deps.Projects.ContainerNameTaken)
		if err != nil {
			return err
		}
		if taken {
			continue
		}
		volume := ""
		if project.PersistentVolumePath != "" {
			if volume, err = s.candidateName(s.volumeBase(project.Name), attempt); err != nil {
				return err
			}
			if taken, err = s.nameTaken(ctx, volume, s.deps.Projects.VolumeNameTaken); err != nil {
				return err
			}
			if taken {
				continue
			}
		}

		project.ContainerName, project.VolumeName = container, volume
		reserveCtx, cancel := s.short(ctx)
		err = s.deps.Projects.ReserveProject(reserveCtx, project)
		cancel()
		switch {
		case err == nil:
			return nil
		case repository.ConflictOn(err, repository.ConstraintProjectName):
			return fmt.Errorf("project %s: %w", project.Name, domain.ErrAlreadyExists)
		case repository.ConflictOn(err, repository.ConstraintContainerName), repository.ConflictOn(err, repository.ConstraintVolumeName):
			s.logger.Warn("name claimed concurrently, retrying", "project", project.Name, "container", container, "volume", volume)
			continue
		default:
			return catalogError("reserve project "+project.Name, err)
		}
	}
	return fmt.Errorf("names for %s after %d attempts: %w", project.Name, maxNameAttempts, domain.ErrNameCollision)
}

// resume finishes an attempt that stopped before its commit, reusing the
// names the row already holds.
func (s *Service) resume(ctx context.Context, project *domain.Project) (*domain.Project, error) {
	s.logger.Info("resuming interrupted deployment", "project", project.Name, "state", project.State)
	art, err := s.resolveAndBuild(ctx, domain.OpCreate, project.Name, project.Source)
	if err != nil {
		s.markFailed(ctx, project)
		s.emit(project.Name, domain.OpCreate, "failed", err)
		return nil, err
	}
	g := s.newSaga(domain.OpCreate)
	g.push("discard_image", func(ctx context.Context) error { return s.deps.Builder.Discard(ctx, art) })
	if err := s.setState(ctx, project, domain.StateDeploying); err != nil {
		return nil, g.compensate(ctx, project.Name, err)
	}
	g.push("mark_failed", func(ctx context.Context) error {
		return s.deps.Projects.SetProjectState(ctx, project.ID, domain.StateFailed)
	})
	if err := s.launch(ctx, g, project, art, project.ContainerName); err != nil {
		s.emit(project.Name, domain.OpCreate, "failed", err)
		return nil, g.compensate(ctx, project.Name, err)
	}
	s.emit(project.Name, domain.OpCreate, "running", nil)
	return project, nil
}

// launch starts art under containerName and commits it. Undo steps for what
// it creates are pushed onto g. On success project reflects the commit.
func (s *Service) launch(ctx context.Context, g *saga, project *domain.Project, art domain.Artifact, containerName string) error {
	if project.VolumeName != "" {
		created, err := s.ensureVolume(ctx, project)
		if err != nil {
			return err
		}
		if created {
			volume := project.VolumeName
			g.push("remove_volume", func(ctx context.Context) error { return s.deps.Runtime.RemoveVolume(ctx, volume) })
		}
	}

	env, err := s.decryptEnv(project.EnvVars)
	if err != nil {
		return err
	}

	s.emit(project.Name, g.op, "starting", nil)
	state, err := s.startContainer(ctx, s.containerSpec(project, containerName, art, env), project.Name)
	if errors.Is(err, domain.ErrNameCollision) {
		return err
	}
	g.push("remove_container", func(ctx context.Context) error { return s.deps.Runtime.RemoveContainer(ctx, containerName) })
	if err != nil {
		return err
	}

	commit := repository.DeploymentCommit{
		ProjectID:     project.ID,
		ContainerName: containerName,
		ImageTag:      art.Tag,
		ImageDigest:   art.Digest,
	}
	commitCtx, cancel := s.short(ctx)
	err = s.deps.Projects.CommitDeployment(commitCtx, commit)
	cancel()
	if err != nil {
		return catalogError("commit deployment", err)
	}

	project.ContainerName = containerName
	project.DeployedImageTag = art.Tag
	project.DeployedImageDigest = art.Digest
	project.State = domain.StateRunning
	project.StateChangedAt = s.now()
	s.logger.Info("deployment committed", "project", project.Name, "container", containerName, "container_id", state.ID, "digest", art.Digest)
	return nil
}

func (s *Service) ensureVolume(ctx context.Context, project *domain.Project) (bool, error) {
	ctx, cancel := s.short(ctx)
	defer cancel()
	labels := map[string]string{docker.LabelManaged: "true", docker.LabelProject: project.Name}
	created, err := s.deps.Runtime.CreateVolume(ctx, project.VolumeName, labels)
	if err != nil {
		return false, runtimeError("create volume "+project.VolumeName, err)
	}
	if !created {
		s.logger.Info("reusing existing volume", "project", project.Name, "volume", project.VolumeName)
	}
	return created, nil
}

func (s *Service) setState(ctx context.Context, project *domain.Project, state domain.DeploymentState) error {
	ctx, cancel := s.short(ctx)
	defer cancel()
	if err := s.deps.Projects.SetProjectState(ctx, project.ID, state); err != nil {
		return catalogError("set state "+string(state), err)
	}
	project.State = state
	project.StateChangedAt = s.now()
	return nil
}

func (s *Service) markFailed(ctx context.Context, project *domain.Project) {
	ctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if err := s.setState(ctx, project, domain.StateFailed); err != nil {
		s.logger.Error("failed to mark project failed", "project", project.Name, "error", err)
	}
}
