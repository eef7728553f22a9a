package deploy

import (
	"context"
	"maps"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

// SetEnv replaces the project's environment. Values are encrypted before
// they are stored; the running container keeps its environment until a
// forced redeploy.
func (s *Service) SetEnv(ctx context.Context, id int64, env map[string]string) (*domain.Project, error) {
	encrypted, err := s.encryptEnv(env)
	if err != nil {
		return nil, err
	}
	return s.writeEnv(ctx, id, func(map[string][]byte) map[string][]byte { return encrypted })
}

// UpdateEnv sets and removes individual variables, keeping the others.
func (s *Service) UpdateEnv(ctx context.Context, id int64, set map[string]string, unset []string) (*domain.Project, error) {
	encrypted, err := s.encryptEnv(set)
	if err != nil {
		return nil, err
	}
	for _, key := range unset {
		if err := domain.ValidateEnvKey(key); err != nil {
			return nil, err
		}
	}
	return s.writeEnv(ctx, id, func(current map[string][]byte) map[string][]byte {
		next := make(map[string][]byte, len(current)+len(encrypted))
		maps.Copy(next, current)
		for _, key := range unset {
			delete(next, key)
		}
		maps.Copy(next, encrypted)
		return next
	})
}

func (s *Service) writeEnv(ctx context.Context, id int64, apply func(map[string][]byte) map[string][]byte) (*domain.Project, error) {
	project, unlock, err := s.lockProject(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next := apply(project.EnvVars)
	updateCtx, cancel := s.short(ctx)
	defer cancel()
	if err := s.deps.Projects.UpdateEnvVars(updateCtx, id, next); err != nil {
		return nil, catalogError("update environment", err)
	}
	project.EnvVars = next
	s.logger.Info("environment updated", "project", project.Name, "variables", len(next))
	return project, nil
}
