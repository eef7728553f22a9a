package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/internal/source"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

type stubProjects struct {
	mu       sync.Mutex
	nextID   int64
	projects map[int64]domain.Project
	commits  int
	failDel  error
}

func newStubProjects() *stubProjects {
	return &stubProjects{projects: make(map[int64]domain.Project)}
}

func (s *stubProjects) ReserveProject(ctx context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		switch {
		case strings.EqualFold(existing.Name, project.Name):
			return &repository.ConflictError{Constraint: repository.ConstraintProjectName}
		case existing.ContainerName == project.ContainerName:
			return &repository.ConflictError{Constraint: repository.ConstraintContainerName}
		case project.VolumeName != "" && existing.VolumeName == project.VolumeName:
			return &repository.ConflictError{Constraint: repository.ConstraintVolumeName}
		}
	}
	s.nextID++
	project.ID = s.nextID
	project.State = domain.StateDeploying
	project.StateChangedAt = time.Now()
	project.CreatedAt = time.Now()
	s.projects[project.ID] = cloneProject(*project)
	return nil
}

func (s *stubProjects) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := cloneProject(p)
	return &clone, nil
}

func (s *stubProjects) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if strings.EqualFold(p.Name, name) {
			clone := cloneProject(p)
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjects) ListProjects(ctx context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	return out, nil
}

func (s *stubProjects) ListProjectsByLogin(ctx context.Context, login string) ([]domain.Project, error) {
	all, _ := s.ListProjects(ctx)
	var out []domain.Project
	for _, p := range all {
		if p.CanAccess(login) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjects) ContainerNameTaken(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ContainerName == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubProjects) VolumeNameTaken(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.VolumeName == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubProjects) SetProjectState(ctx context.Context, id int64, state domain.DeploymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.State = state
	s.projects[id] = p
	return nil
}

func (s *stubProjects) CommitDeployment(ctx context.Context, commit repository.DeploymentCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[commit.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.State == domain.StateTerminating {
		return repository.ErrConflict
	}
	p.ContainerName = commit.ContainerName
	p.DeployedImageTag = commit.ImageTag
	p.DeployedImageDigest = commit.ImageDigest
	p.State = domain.StateRunning
	s.projects[commit.ProjectID] = p
	s.commits++
	return nil
}

func (s *stubProjects) UpdateEnvVars(ctx context.Context, id int64, env map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.EnvVars = maps.Clone(env)
	s.projects[id] = p
	return nil
}

func (s *stubProjects) DeleteProject(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		return s.failDel
	}
	if _, ok := s.projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *stubProjects) AddParticipant(ctx context.Context, projectID int64, login string) error {
	return nil
}

func (s *stubProjects) RemoveParticipant(ctx context.Context, projectID int64, login string) error {
	return nil
}

func (s *stubProjects) get(t *testing.T, id int64) domain.Project {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		t.Fatalf("project %d not in catalog", id)
	}
	return p
}

func (s *stubProjects) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects)
}

func cloneProject(p domain.Project) domain.Project {
	p.Participants = slices.Clone(p.Participants)
	p.EnvVars = maps.Clone(p.EnvVars)
	return p
}

type fakeContainer struct {
	spec    docker.ContainerSpec
	running bool
}

type fakeRuntime struct {
	mu              sync.Mutex
	containers      map[string]fakeContainer
	volumes         map[string]bool
	volumesCreated  int
	runs            int
	runErr          error
	createVolumeErr error
	removeVolumeErr error
	removedVolumes  []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]fakeContainer), volumes: make(map[string]bool)}
}

func (f *fakeRuntime) RunContainer(ctx context.Context, spec docker.ContainerSpec) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[spec.Name]; ok {
		return docker.ContainerState{}, fmt.Errorf("create %s: %w", spec.Name, docker.ErrNameInUse)
	}
	f.runs++
	if f.runErr != nil {
		f.containers[spec.Name] = fakeContainer{spec: spec}
		return docker.ContainerState{Name: spec.Name, Status: "exited"}, f.runErr
	}
	f.containers[spec.Name] = fakeContainer{spec: spec, running: true}
	return docker.ContainerState{ID: "id-" + spec.Name, Name: spec.Name, Running: true, Status: "running", Labels: spec.Labels}, nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, name string) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return docker.ContainerState{}, docker.ErrNotFound
	}
	return docker.ContainerState{ID: "id-" + name, Name: name, Running: c.running, ImageID: c.spec.Image, Labels: c.spec.Labels}, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createVolumeErr != nil {
		return false, f.createVolumeErr
	}
	if f.volumes[name] {
		return false, nil
	}
	f.volumes[name] = true
	f.volumesCreated++
	return true, nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeVolumeErr != nil {
		return f.removeVolumeErr
	}
	delete(f.volumes, name)
	f.removedVolumes = append(f.removedVolumes, name)
	return nil
}

func (f *fakeRuntime) container(name string) (fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return c, ok
}

func (f *fakeRuntime) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.containers))
}

type stubResolver struct {
	released int
	err      error
}

func (r *stubResolver) Resolve(ctx context.Context, project string, src domain.Source) (source.BuildInput, error) {
	if r.err != nil {
		return nil, r.err
	}
	switch s := src.(type) {
	case domain.DirectSource:
		return source.PrebuiltImage{Ref: s.ImageRef}, nil
	case domain.GitHubSource:
		return source.NewSourceTree("/tmp/x", "/tmp/x", "abc1234def", func() error {
			r.released++
			return nil
		}), nil
	}
	return nil, domain.ErrValidation
}

// stubBuilder resolves prebuilt refs through digests and source trees to
// treeDigest under an increasing tag.
type stubBuilder struct {
	digests    map[string]string
	treeDigest string
	builds     int
	discarded  []string
	err        error
}

func (b *stubBuilder) Build(ctx context.Context, project string, in source.BuildInput) (domain.Artifact, error) {
	if b.err != nil {
		return domain.Artifact{}, b.err
	}
	switch input := in.(type) {
	case source.PrebuiltImage:
		digest, ok := b.digests[input.Ref]
		if !ok {
			return domain.Artifact{}, fmt.Errorf("image %s: %w", input.Ref, domain.ErrSourceNotFound)
		}
		return domain.Artifact{Tag: input.Ref, Digest: digest}, nil
	case source.SourceTree:
		b.builds++
		return domain.Artifact{Tag: fmt.Sprintf("hangar/%s:%d", project, b.builds), Digest: b.treeDigest, Built: true}, nil
	}
	return domain.Artifact{}, errors.New("unexpected input")
}

func (b *stubBuilder) Discard(ctx context.Context, art domain.Artifact) error {
	if art.Built {
		b.discarded = append(b.discarded, art.Tag)
	}
	return nil
}

type countingUnlinker struct {
	calls []int64
	err   error
}

func (u *countingUnlinker) Unlink(ctx context.Context, projectID int64) error {
	u.calls = append(u.calls, projectID)
	return u.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	stages []string
}

func (p *recordingPublisher) Publish(ev domain.DeploymentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, string(ev.Operation)+":"+ev.Stage)
}

type harness struct {
	svc      *Service
	projects *stubProjects
	runtime  *fakeRuntime
	resolver *stubResolver
	builder  *stubBuilder
	unlinker *countingUnlinker
	events   *recordingPublisher
	vault    *crypto.Vault
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	vault, err := crypto.NewVault(crypto.VaultOptions{ActiveSecret: "test-secret"})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	h := &harness{
		projects: newStubProjects(),
		runtime:  newFakeRuntime(),
		resolver: &stubResolver{},
		builder:  &stubBuilder{digests: map[string]string{"nginx:1.25": "sha256:nginx125", "nginx:1.27": "sha256:nginx127"}, treeDigest: "sha256:tree1"},
		unlinker: &countingUnlinker{},
		events:   &recordingPublisher{},
		vault:    vault,
	}
	opts := Options{
		ContainerPrefix:   "c",
		VolumePrefix:      "vol",
		Network:           "traefik-net",
		DomainSuffix:      "apps.example.com",
		TraefikEntrypoint: "websecure",
		TraefikResolver:   "le",
		Port:              80,
		Registry:          "hangar",
		Timeout:           time.Second,
		LongTimeout:       time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.svc = New(Deps{
		Projects:  h.projects,
		Runtime:   h.runtime,
		Resolver:  h.resolver,
		Builder:   h.builder,
		Vault:     vault,
		Databases: h.unlinker,
		Locks:     keylock.NewMemory(),
		Events:    h.events,
	}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	suffixes := 0
	h.svc.suffix = func() (string, error) {
		suffixes++
		return fmt.Sprintf("s%d", suffixes), nil
	}
	return h
}
