// Package hangar assembles the daemon's collaborators from configuration.
// Both the daemon and the operator CLI start from Open.
package hangar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/0xEthamin/hangar-back/internal/app/migrate"
	"github.com/0xEthamin/hangar-back/internal/build"
	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/events"
	"github.com/0xEthamin/hangar-back/internal/github"
	httpx "github.com/0xEthamin/hangar-back/internal/http"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/mariadb"
	"github.com/0xEthamin/hangar-back/internal/metrics"
	"github.com/0xEthamin/hangar-back/internal/repository/postgres"
	"github.com/0xEthamin/hangar-back/internal/service/deploy"
	"github.com/0xEthamin/hangar-back/internal/service/project"
	"github.com/0xEthamin/hangar-back/internal/service/provision"
	"github.com/0xEthamin/hangar-back/internal/service/reconcile"
	"github.com/0xEthamin/hangar-back/internal/source"
	"github.com/0xEthamin/hangar-back/internal/workspace"
	"github.com/0xEthamin/hangar-back/internal/ws"
	"github.com/0xEthamin/hangar-back/pkg/config"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
	"github.com/0xEthamin/hangar-back/pkg/jwt"
)

// ErrProvisionerDisabled is returned by callers that need the database
// provisioner when no MariaDB server is configured.
var ErrProvisionerDisabled = errors.New("database provisioner disabled: MARIADB_DSN is not set")

// Options select optional startup steps.
type Options struct {
	// Migrate applies pending catalog migrations before services are built.
	Migrate bool
}

// Stack holds every long-lived collaborator.
type Stack struct {
	Config     config.HangarConfig
	Pool       *pgxpool.Pool
	Repo       *postgres.Repository
	Vault      *crypto.Vault
	Docker     *docker.Client
	MariaDB    *mariadb.Server
	Locks      keylock.Locker
	Workspaces *workspace.Manager
	Hub        *ws.Hub
	Events     *events.Stream
	Registry   *prometheus.Registry
	Metrics    *metrics.Recorder

	Deploy     *deploy.Service
	Projects   project.Service
	Provision  *provision.Service
	Reconciler *reconcile.Controller

	closers []func()
}

// Open connects to the catalog, container runtime, database server and lock
// backend, then builds the services. Close releases everything Open acquired.
func Open(ctx context.Context, cfg config.HangarConfig, log *slog.Logger, opts Options) (_ *Stack, err error) {
	s := &Stack{Config: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.Vault, err = VaultFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	s.Pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to catalog: %w", err)
	}
	s.closers = append(s.closers, s.Pool.Close)

	if opts.Migrate {
		runner, err := migrate.New(s.Pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			return nil, fmt.Errorf("catalog ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	s.Repo = postgres.New(s.Pool)

	s.Docker, err = docker.New(cfg.Docker.Host)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = s.Docker.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, cfg.TimeoutNormal)
	if version, err := s.Docker.APIVersion(pingCtx); err != nil {
		log.Warn("docker engine not reachable yet", "error", err)
	} else {
		log.Debug("docker engine ready", "api_version", version)
	}
	cancel()

	if dsn := strings.TrimSpace(cfg.MariaDB.DSN); dsn != "" {
		s.MariaDB, err = mariadb.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to mariadb: %w", err)
		}
		s.closers = append(s.closers, func() { _ = s.MariaDB.Close() })
	} else {
		log.Warn("MARIADB_DSN not set, database provisioning disabled")
	}

	s.Locks, err = openLocks(cfg.Lock, log)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = s.Locks.Close() })

	s.Workspaces, err = workspace.New(cfg.Build.Workdir)
	if err != nil {
		return nil, err
	}

	var tokens source.TokenSource
	if appID := strings.TrimSpace(cfg.GitHub.AppID); appID != "" {
		signer, err := jwt.NewAppSigner(appID, cfg.GitHub.PrivateKeyB64)
		if err != nil {
			return nil, fmt.Errorf("github app signer: %w", err)
		}
		client, err := github.New(cfg.GitHub.APIURL, signer)
		if err != nil {
			return nil, err
		}
		tokens = client
	}
	resolver := source.New(s.Workspaces, tokens, cfg.TimeoutLong, log)

	var scanner build.Scanner
	if grype := build.NewGrype(cfg.Build.ScannerCommand, cfg.Build.ScanSeverity); grype != nil {
		scanner = grype
	}
	builder := build.New(s.Docker, scanner, build.Options{
		Registry:        cfg.Build.Registry,
		StaticBaseImage: cfg.Build.BaseImage,
		Port:            cfg.Docker.ContainerPort,
		Timeout:         cfg.TimeoutLong,
	}, log)

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.NewRecorder(s.Registry)

	s.Hub = ws.NewHub()
	s.Events = events.New(s.Hub, log)

	var unlinker deploy.Unlinker
	if s.MariaDB != nil {
		s.Provision = provision.New(provision.Deps{
			Databases: s.Repo,
			Projects:  s.Repo,
			Server:    s.MariaDB,
			Vault:     s.Vault,
			Locks:     s.Locks,
			Metrics:   s.Metrics,
		}, provision.Options{
			PublicHost: cfg.MariaDB.PublicHost,
			PublicPort: cfg.MariaDB.PublicPort,
			Timeout:    cfg.TimeoutNormal,
		}, log)
		unlinker = s.Provision
	} else {
		unlinker = catalogUnlinker{repo: s.Repo}
	}

	s.Deploy = deploy.New(deploy.Deps{
		Projects:  s.Repo,
		Runtime:   s.Docker,
		Resolver:  resolver,
		Builder:   builder,
		Vault:     s.Vault,
		Databases: unlinker,
		Locks:     s.Locks,
		Events:    s.Events,
		Metrics:   s.Metrics,
	}, deploy.OptionsFromConfig(cfg), log)
	s.Projects = project.New(s.Repo, s.Vault, s.Locks, log)
	s.Reconciler = reconcile.New(s.Repo, s.Docker, s.Locks, s.Workspaces, s.Metrics, log, cfg)
	return s, nil
}

// openLocks selects the lock backend. A configured Redis that cannot be
// reached fails startup: other processes would otherwise lock elsewhere.
func openLocks(cfg config.LockConfig, log *slog.Logger) (keylock.Locker, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return keylock.NewMemory(), nil
	}
	locks, err := keylock.NewRedis(addr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, log)
	if err != nil {
		return nil, fmt.Errorf("lock backend %s: %w", addr, err)
	}
	return locks, nil
}

// Checks returns the dependency probes served on /healthz.
func (s *Stack) Checks() map[string]httpx.HealthCheck {
	checks := map[string]httpx.HealthCheck{
		"postgres": s.Pool.Ping,
		"docker":   s.Docker.Ping,
	}
	if s.MariaDB != nil {
		checks["mariadb"] = s.MariaDB.Ping
	}
	return checks
}

// Provisioner returns the database provisioner or ErrProvisionerDisabled.
func (s *Stack) Provisioner() (*provision.Service, error) {
	if s.Provision == nil {
		return nil, ErrProvisionerDisabled
	}
	return s.Provision, nil
}

// Close releases resources in reverse acquisition order.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// VaultFromConfig builds the credential vault from the active key and the
// VAULT_RETIRED_KEYS map of version to secret.
func VaultFromConfig(cfg config.HangarConfig) (*crypto.Vault, error) {
	retired := make(map[byte]string, len(cfg.VaultRetiredKeys))
	for raw, secret := range cfg.VaultRetiredKeys {
		version, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 8)
		if err != nil || version == 0 {
			return nil, fmt.Errorf("VAULT_RETIRED_KEYS: invalid key version %q", raw)
		}
		retired[byte(version)] = secret
	}
	vault, err := crypto.NewVault(crypto.VaultOptions{
		ActiveVersion: byte(cfg.VaultKeyVersion),
		ActiveSecret:  cfg.VaultKey,
		Retired:       retired,
	})
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}
	return vault, nil
}

// catalogUnlinker clears database links directly in the catalog when no
// provisioner is configured.
type catalogUnlinker struct {
	repo *postgres.Repository
}

func (u catalogUnlinker) Unlink(ctx context.Context, projectID int64) error {
	_, err := u.repo.UnlinkProjectDatabases(ctx, projectID)
	return err
}
