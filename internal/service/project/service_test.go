package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

type stubProjectRepository struct {
	projects map[int64]domain.Project
	updates  int
}

func (s *stubProjectRepository) ReserveProject(context.Context, *domain.Project) error { return nil }

func (s *stubProjectRepository) GetProjectByID(_ context.Context, id int64) (*domain.Project, error) {
	if p, ok := s.projects[id]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) GetProjectByName(_ context.Context, name string) (*domain.Project, error) {
	for _, p := range s.projects {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) ListProjects(context.Context) ([]domain.Project, error) {
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubProjectRepository) ListProjectsByLogin(_ context.Context, login string) ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range s.projects {
		if p.CanAccess(login) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjectRepository) ContainerNameTaken(context.Context, string) (bool, error) {
	return false, nil
}

func (s *stubProjectRepository) VolumeNameTaken(context.Context, string) (bool, error) {
	return false, nil
}

func (s *stubProjectRepository) SetProjectState(context.Context, int64, domain.DeploymentState) error {
	return nil
}

func (s *stubProjectRepository) CommitDeployment(context.Context, repository.DeploymentCommit) error {
	return nil
}

func (s *stubProjectRepository) UpdateEnvVars(_ context.Context, id int64, env map[string][]byte) error {
	p := s.projects[id]
	p.EnvVars = env
	s.projects[id] = p
	s.updates++
	return nil
}

func (s *stubProjectRepository) DeleteProject(context.Context, int64) error { return nil }

func (s *stubProjectRepository) AddParticipant(_ context.Context, id int64, login string) error {
	p, ok := s.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if slices.Contains(p.Participants, login) {
		return &repository.ConflictError{Constraint: "project_participants_pkey"}
	}
	p.Participants = append(p.Participants, login)
	s.projects[id] = p
	return nil
}

func (s *stubProjectRepository) RemoveParticipant(_ context.Context, id int64, login string) error {
	p, ok := s.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Participants = slices.DeleteFunc(p.Participants, func(l string) bool { return l == login })
	s.projects[id] = p
	return nil
}

func newTestVault(t *testing.T, opts crypto.VaultOptions) *crypto.Vault {
	t.Helper()
	v, err := crypto.NewVault(opts)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return v
}

func newTestService(repo *stubProjectRepository, vault Cipher) Service {
	return New(repo, vault, keylock.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListEnvVarsDecryptsValues(t *testing.T) {
	vault := newTestVault(t, crypto.VaultOptions{ActiveSecret: "test-secret"})
	known, err := vault.Encrypt("value-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	repo := &stubProjectRepository{projects: map[int64]domain.Project{
		1: {ID: 1, Name: "site", Owner: "alice", EnvVars: map[string][]byte{
			"KNOWN":  known,
			"BROKEN": []byte("invalid"),
		}},
	}}
	svc := newTestService(repo, vault)

	vars, err := svc.ListEnvVars(context.Background(), 1)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if len(vars) != 1 || vars[0].Key != "KNOWN" || vars[0].Value != "value-123" {
		t.Fatalf("unexpected env var result: %+v", vars)
	}
}

func TestGetByNameIgnoresCase(t *testing.T) {
	repo := &stubProjectRepository{projects: map[int64]domain.Project{1: {ID: 1, Name: "site", Owner: "alice"}}}
	project, err := newTestService(repo, nil).GetByName(context.Background(), " Site ")
	if err != nil || project.ID != 1 {
		t.Fatalf("expected project 1, got %+v, %v", project, err)
	}
}

func TestGetMapsNotFound(t *testing.T) {
	svc := newTestService(&stubProjectRepository{projects: map[int64]domain.Project{}}, nil)
	if _, err := svc.Get(context.Background(), 7); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetByName(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestListByLogin(t *testing.T) {
	repo := &stubProjectRepository{projects: map[int64]domain.Project{
		1: {ID: 1, Name: "a", Owner: "alice"},
		2: {ID: 2, Name: "b", Owner: "bob", Participants: []string{"alice"}},
		3: {ID: 3, Name: "c", Owner: "carol"},
	}}
	svc := newTestService(repo, nil)
	got, err := svc.List(context.Background(), "alice")
	if err != nil || len(got) != 2 {
		t.Fatalf("List(alice) = %d projects, %v", len(got), err)
	}
	all, err := svc.List(context.Background(), "")
	if err != nil || len(all) != 3 {
		t.Fatalf("List() = %d projects, %v", len(all), err)
	}
}

func TestParticipants(t *testing.T) {
	repo := &stubProjectRepository{projects: map[int64]domain.Project{1: {ID: 1, Name: "site", Owner: "alice"}}}
	svc := newTestService(repo, nil)
	ctx := context.Background()

	if err := svc.AddParticipant(ctx, 1, "alice"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("adding owner = %v", err)
	}
	if err := svc.AddParticipant(ctx, 1, "bob"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := svc.AddParticipant(ctx, 1, "bob"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate = %v", err)
	}
	if err := svc.AddParticipant(ctx, 9, "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing project = %v", err)
	}
	got, err := svc.ListParticipants(ctx, 1)
	if err != nil || len(got) != 1 || got[0] != "bob" {
		t.Fatalf("participants = %v, %v", got, err)
	}
	if err := svc.RemoveParticipant(ctx, 1, "bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if got, _ := svc.ListParticipants(ctx, 1); len(got) != 0 {
		t.Fatalf("participants after removal = %v", got)
	}
}

func TestRewrapEnv(t *testing.T) {
	old := newTestVault(t, crypto.VaultOptions{ActiveSecret: "old-secret"})
	sealed, err := old.Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	rotated := newTestVault(t, crypto.VaultOptions{
		ActiveVersion: 2,
		ActiveSecret:  "new-secret",
		Retired:       map[byte]string{1: "old-secret"},
	})
	current, err := rotated.Encrypt("fresh")
	if err != nil {
		t.Fatal(err)
	}
	repo := &stubProjectRepository{projects: map[int64]domain.Project{
		1: {ID: 1, Name: "legacy", EnvVars: map[string][]byte{"TOKEN": sealed}},
		2: {ID: 2, Name: "current", EnvVars: map[string][]byte{"TOKEN": current}},
	}}
	svc := newTestService(repo, rotated)

	n, err := svc.RewrapEnv(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RewrapEnv = %d, %v", n, err)
	}
	if repo.updates != 1 {
		t.Fatalf("updates = %d", repo.updates)
	}
	got := repo.projects[1].EnvVars["TOKEN"]
	if rotated.NeedsRewrap(got) {
		t.Fatal("value still sealed under the retired key")
	}
	if plain, err := rotated.Decrypt(got); err != nil || plain != "s3cret" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
}
