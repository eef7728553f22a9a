// Package deploy coordinates the lifecycle of project containers against the catalog.
//
// The catalog is the commit point: a container is recorded only after the
// runtime reports it running, and every side effect of a failed attempt is
// undone in reverse order before the error is returned.
//
// Redeploy supports two strategies. RedeployParallel starts the replacement
// under a fresh container name, commits it, then removes the old container,
// so the project is never without a running container. RedeployStopFirst
// removes the old container before starting the replacement under the same
// name; the project is unreachable until the new container runs, and a
// failure in between leaves it in the failed state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/metrics"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/internal/source"
	"github.com/0xEthamin/hangar-back/pkg/config"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

const maxNameAttempts = 5

// Runtime is the container side of the container runtime.
type Runtime interface {
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (docker.ContainerState, error)
	InspectContainer(ctx context.Context, nameOrID string) (docker.ContainerState, error)
	RemoveContainer(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string, labels map[string]string) (bool, error)
	RemoveVolume(ctx context.Context, name string) error
}

// Resolver turns a declared source into build input.
type Resolver interface {
	Resolve(ctx context.Context, project string, src domain.Source) (source.BuildInput, error)
}

// Builder turns build input into an artifact.
type Builder interface {
	Build(ctx context.Context, project string, in source.BuildInput) (domain.Artifact, error)
	Discard(ctx context.Context, art domain.Artifact) error
}

// Cipher encrypts environment values at rest.
type Cipher interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(payload []byte) (string, error)
}

// Unlinker severs database links of a destroyed project.
type Unlinker interface {
	Unlink(ctx context.Context, projectID int64) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ev domain.DeploymentEvent)
}

// Deps are the collaborators of the coordinator. Events and Metrics are optional.
type Deps struct {
	Projects  repository.ProjectRepository
	Runtime   Runtime
	Resolver  Resolver
	Builder   Builder
	Vault     Cipher
	Databases Unlinker
	Locks     keylock.Locker
	Events    Publisher
	Metrics   *metrics.Recorder
}

// Options shape the containers the coordinator creates.
type Options struct {
	ContainerPrefix   string
	VolumePrefix      string
	Network           string
	DomainSuffix      string
	TraefikEntrypoint string
	TraefikResolver   string
	Port              int
	Limits            docker.Limits
	// Registry identifies images built from source, which are removed once replaced.
	Registry string
	Strategy string
	// Timeout bounds each catalog and runtime call; LongTimeout bounds fetches and builds.
	Timeout     time.Duration
	LongTimeout time.Duration
}

// OptionsFromConfig maps daemon configuration onto coordinator options.
func OptionsFromConfig(cfg config.HangarConfig) Options {
	return Options{
		ContainerPrefix:   cfg.Docker.ContainerPrefix,
		VolumePrefix:      cfg.Docker.VolumePrefix,
		Network:           cfg.Docker.Network,
		DomainSuffix:      cfg.Docker.DomainSuffix,
		TraefikEntrypoint: cfg.Docker.TraefikEntrypoint,
		TraefikResolver:   cfg.Docker.TraefikResolver,
		Port:              cfg.Docker.ContainerPort,
		Limits: docker.Limits{
			MemoryMB:  cfg.Docker.MemoryMB,
			CPUQuota:  cfg.Docker.CPUQuota,
			PidsLimit: cfg.Docker.PidsLimit,
		},
		Registry:    cfg.Build.Registry,
		Strategy:    cfg.RedeployStrategy,
		Timeout:     cfg.TimeoutNormal,
		LongTimeout: cfg.TimeoutLong,
	}
}

// Service is the deployment coordinator.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	suffix func() (string, error)
	now    func() time.Time
}

// New constructs a coordinator.
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = "hangar"
	}
	if opts.VolumePrefix == "" {
		opts.VolumePrefix = "vol"
	}
	if opts.Port <= 0 {
		opts.Port = 80
	}
	if opts.Strategy == "" {
		opts.Strategy = config.RedeployParallel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = 5 * time.Minute
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "deploy"),
		suffix: func() (string, error) { return crypto.RandomSuffix(6) },
		now:    time.Now,
	}
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Project, error) {
	ctx, cancel := s.short(ctx)
	defer cancel()
	project, err := s.deps.Projects.GetProjectByID(ctx, id)
	if err != nil {
		return nil, catalogError("load project", err)
	}
	return project, nil
}

// lockProject loads the project by id, takes its lock and reloads it so the
// caller sees the state as of acquiring the lock.
func (s *Service) lockProject(ctx context.Context, id int64) (*domain.Project, keylock.Unlock, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.deps.Locks.Lock(ctx, keylock.ProjectKey(project.Name))
	if err != nil {
		return nil, nil, err
	}
	project, err = s.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return project, unlock, nil
}

func (s *Service) short(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *Service) long(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.LongTimeout)
}

// cleanupContext outlives a cancelled caller so compensations still run.
func (s *Service) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
}

func (s *Service) emit(project string, op domain.Operation, stage string, err error) {
	if s.deps.Events == nil {
		return
	}
	ev := domain.DeploymentEvent{Project: project, Operation: op, Stage: stage, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.deps.Events.Publish(ev)
}

func (s *Service) observe(op domain.Operation, started time.Time, err error) {
	s.deps.Metrics.Observe(op, err, s.now().Sub(started))
}

// resolveAndBuild runs the source and image stages under the long timeout.
func (s *Service) resolveAndBuild(ctx context.Context, op domain.Operation, name string, src domain.Source) (domain.Artifact, error) {
	s.emit(name, op, "resolving", nil)
	resolveCtx, cancel := s.long(ctx)
	input, err := s.deps.Resolver.Resolve(resolveCtx, name, src)
	cancel()
	if err != nil {
		return domain.Artifact{}, err
	}
	defer func() {
		if err := source.Release(input); err != nil {
			s.logger.Warn("failed to release source", "project", name, "error", err)
		}
	}()

	s.emit(name, op, "building", nil)
	art, err := s.deps.Builder.Build(ctx, name, input)
	if err != nil {
		return domain.Artifact{}, err
	}
	s.logger.Info("artifact ready", "project", name, "image", art.Tag, "digest", art.Digest)
	return art, nil
}

func (s *Service) discard(ctx context.Context, art domain.Artifact) {
	if err := s.deps.Builder.Discard(ctx, art); err != nil {
		s.logger.Warn("failed to discard image", "image", art.Tag, "error", err)
	}
}

// releaseImage removes an image this service built once no container uses it.
func (s *Service) releaseImage(ctx context.Context, tag string) {
	if tag == "" || s.opts.Registry == "" || !strings.HasPrefix(tag, strings.TrimRight(s.opts.Registry, "/")+"/") {
		return
	}
	s.discard(ctx, domain.Artifact{Tag: tag, Built: true})
}

func (s *Service) decryptEnv(env map[string][]byte) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	plain := make(map[string]string, len(env))
	for key, value := range env {
		decrypted, err := s.deps.Vault.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", key, err)
		}
		plain[key] = decrypted
	}
	return plain, nil
}

func (s *Service) encryptEnv(env map[string]string) (map[string][]byte, error) {
	encrypted := make(map[string][]byte, len(env))
	for key, value := range env {
		if err := domain.ValidateEnvKey(key); err != nil {
			return nil, err
		}
		sealed, err := s.deps.Vault.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", key, err)
		}
		encrypted[key] = sealed
	}
	return encrypted, nil
}

func catalogError(action string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", action, domain.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func runtimeError(action string, err error) error {
	if errors.Is(err, domain.ErrRuntime) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", action, domain.ErrRuntime, err)
}
