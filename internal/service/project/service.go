package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

// Cipher opens and re-seals stored env var values.
type Cipher interface {
	Decrypt(payload []byte) (string, error)
	NeedsRewrap(payload []byte) bool
	Rewrap(payload []byte) ([]byte, error)
}

// Service answers catalogue queries and manages participants.
type Service struct {
	projects repository.ProjectRepository
	vault    Cipher
	locks    keylock.Locker
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, vault Cipher, locks keylock.Locker, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, vault: vault, locks: locks, logger: logger.With("component", "project")}
}

// EnvVar is a decrypted environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, id int64) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, id)
	if err != nil {
		return nil, notFound(fmt.Sprintf("project %d", id), err)
	}
	return project, nil
}

// GetByName returns project details by name.
func (s Service) GetByName(ctx context.Context, name string) (*domain.Project, error) {
	name = domain.NormalizeProjectName(name)
	if name == "" {
		return nil, fmt.Errorf("project name is required: %w", domain.ErrValidation)
	}
	project, err := s.projects.GetProjectByName(ctx, name)
	if err != nil {
		return nil, notFound("project "+name, err)
	}
	return project, nil
}

// List returns every project when login is empty, otherwise the projects
// login owns or participates in.
func (s Service) List(ctx context.Context, login string) ([]domain.Project, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return s.projects.ListProjects(ctx)
	}
	return s.projects.ListProjectsByLogin(ctx, login)
}

// ListEnvVars decrypts the stored environment of a project, sorted by key.
// Values that cannot be decrypted are left out and reported together as
// ErrDecryptionFailed alongside the readable ones.
func (s Service) ListEnvVars(ctx context.Context, id int64) ([]EnvVar, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	vars := make([]EnvVar, 0, len(project.EnvVars))
	var broken []string
	for key, sealed := range project.EnvVars {
		value, err := s.vault.Decrypt(sealed)
		if err != nil {
			s.logger.Warn("failed to decrypt env var", "project_id", id, "key", key, "error", err)
			broken = append(broken, key)
			continue
		}
		vars = append(vars, EnvVar{Key: key, Value: value})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Key < vars[j].Key })
	if len(broken) > 0 {
		sort.Strings(broken)
		return vars, fmt.Errorf("env vars %s of project %d: %w", strings.Join(broken, ", "), id, domain.ErrDecryptionFailed)
	}
	return vars, nil
}

// ListParticipants returns the logins sharing access to a project.
func (s Service) ListParticipants(ctx context.Context, id int64) ([]string, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	participants := append([]string(nil), project.Participants...)
	sort.Strings(participants)
	return participants, nil
}

// AddParticipant grants login access to a project. The owner is implicit and
// cannot be added.
func (s Service) AddParticipant(ctx context.Context, id int64, login string) error {
	login = strings.TrimSpace(login)
	if err := domain.ValidateOwner(login); err != nil {
		return err
	}
	project, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if project.Owner == login {
		return fmt.Errorf("%s owns project %s: %w", login, project.Name, domain.ErrValidation)
	}
	if err := s.projects.AddParticipant(ctx, id, login); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%s already participates in %s: %w", login, project.Name, domain.ErrAlreadyExists)
		}
		return notFound(fmt.Sprintf("project %d", id), err)
	}
	s.logger.Info("participant added", "project_id", id, "project", project.Name, "login", login)
	return nil
}

// RemoveParticipant revokes access. Removing a login that does not
// participate is not an error.
func (s Service) RemoveParticipant(ctx context.Context, id int64, login string) error {
	login = strings.TrimSpace(login)
	if login == "" {
		return fmt.Errorf("login is required: %w", domain.ErrValidation)
	}
	if err := s.projects.RemoveParticipant(ctx, id, login); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.logger.Info("participant removed", "project_id", id, "login", login)
	return nil
}

// RewrapEnv re-encrypts env values sealed under a retired vault key and
// returns how many projects were rewritten.
func (s Service) RewrapEnv(ctx context.Context) (int, error) {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	rewritten := 0
	for _, p := range projects {
		changed, err := s.rewrapProject(ctx, p)
		if err != nil {
			return rewritten, err
		}
		if changed {
			rewritten++
		}
	}
	return rewritten, nil
}

func (s Service) rewrapProject(ctx context.Context, snapshot domain.Project) (bool, error) {
	if !s.anyRetired(snapshot.EnvVars) {
		return false, nil
	}
	unlock, err := s.locks.Lock(ctx, keylock.ProjectKey(snapshot.Name))
	if err != nil {
		return false, err
	}
	defer unlock()

	project, err := s.projects.GetProjectByID(ctx, snapshot.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	env := make(map[string][]byte, len(project.EnvVars))
	for key, sealed := range project.EnvVars {
		if !s.vault.NeedsRewrap(sealed) {
			env[key] = sealed
			continue
		}
		resealed, err := s.vault.Rewrap(sealed)
		if err != nil {
			return false, fmt.Errorf("env var %s of project %s: %w", key, project.Name, err)
		}
		env[key] = resealed
	}
	if err := s.projects.UpdateEnvVars(ctx, project.ID, env); err != nil {
		return false, fmt.Errorf("store rewrapped env of %s: %w", project.Name, err)
	}
	s.logger.Info("env vars rewrapped", "project_id", project.ID, "project", project.Name)
	return true, nil
}

func (s Service) anyRetired(env map[string][]byte) bool {
	for _, sealed := range env {
		if s.vault.NeedsRewrap(sealed) {
			return true
		}
	}
	return false
}

func notFound(what string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
