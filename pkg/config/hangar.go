package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Redeploy strategies understood by the coordinator.
const (
	RedeployParallel  = "parallel"
	RedeployStopFirst = "stop-first"
)

// HangarConfig holds runtime configuration for the hangar daemon and CLI.
type HangarConfig struct {
	Environment   string
	LogLevel      string
	OpsAddr       string
	DatabaseURL   string
	MigrationsDir string
	DBMaxConns    int

	VaultKey         string
	VaultKeyVersion  int
	VaultRetiredKeys map[string]string

	Docker  DockerConfig
	Build   BuildConfig
	GitHub  GitHubConfig
	MariaDB MariaDBConfig
	Lock    LockConfig

	TimeoutNormal     time.Duration
	TimeoutLong       time.Duration
	RedeployStrategy  string
	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	DeployStaleAfter  time.Duration
}

// DockerConfig describes how project containers are created.
type DockerConfig struct {
	Host              string
	Network           string
	ContainerPrefix   string
	VolumePrefix      string
	DomainSuffix      string
	TraefikEntrypoint string
	TraefikResolver   string
	ContainerPort     int
	MemoryMB          int
	CPUQuota          int
	PidsLimit         int
	VolumeMountPath   string
}

// BuildConfig drives source builds.
type BuildConfig struct {
	Workdir        string
	Registry       string
	BaseImage      string
	ScanSeverity   string
	ScannerCommand string
}

// GitHubConfig holds GitHub App credentials. An empty AppID disables token exchange.
type GitHubConfig struct {
	AppID         string
	PrivateKeyB64 string
	APIURL        string
}

// MariaDBConfig points at the shared database server handed out to owners.
type MariaDBConfig struct {
	DSN        string
	PublicHost string
	PublicPort int
}

// LockConfig selects the per-entity lock backend. An empty RedisAddr keeps locks in memory.
type LockConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// LoadHangarConfig constructs a HangarConfig from environment variables.
func LoadHangarConfig() HangarConfig {
	return HangarConfig{
		Environment:      GetString("APP_ENV", "development"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		OpsAddr:          GetString("OPS_ADDR", ":4100"),
		DatabaseURL:      GetString("DATABASE_URL", ""),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DBMaxConns:       GetInt("DB_MAX_CONNECTIONS", 10),
		VaultKey:         GetString("VAULT_KEY", ""),
		VaultKeyVersion:  GetInt("VAULT_KEY_VERSION", 1),
		VaultRetiredKeys: GetMap("VAULT_RETIRED_KEYS"),
		Docker: DockerConfig{
			Host:              GetString("DOCKER_HOST", ""),
			Network:           GetString("DOCKER_NETWORK", "traefik-net"),
			ContainerPrefix:   GetString("CONTAINER_PREFIX", "hangar"),
			VolumePrefix:      GetString("VOLUME_PREFIX", "vol"),
			DomainSuffix:      GetString("APP_DOMAIN_SUFFIX", "localhost"),
			TraefikEntrypoint: GetString("TRAEFIK_ENTRYPOINT", "websecure"),
			TraefikResolver:   GetString("TRAEFIK_CERT_RESOLVER", "myresolver"),
			ContainerPort:     GetInt("CONTAINER_PORT", 80),
			MemoryMB:          GetInt("CONTAINER_MEMORY_MB", 512),
			CPUQuota:          GetInt("CONTAINER_CPU_QUOTA", 50000),
			PidsLimit:         GetInt("CONTAINER_PIDS_LIMIT", 256),
			VolumeMountPath:   GetString("CONTAINER_VOLUME_PATH", "/data"),
		},
		Build: BuildConfig{
			Workdir:        GetString("BUILDER_WORKDIR", "/tmp/hangar"),
			Registry:       GetString("IMAGE_REGISTRY", "hangar"),
			BaseImage:      GetString("BUILD_BASE_IMAGE", "nginx:alpine"),
			ScanSeverity:   GetString("GRYPE_FAIL_ON_SEVERITY", ""),
			ScannerCommand: GetString("GRYPE_COMMAND", "grype"),
		},
		GitHub: GitHubConfig{
			AppID:         GetString("GITHUB_APP_ID", ""),
			PrivateKeyB64: GetString("GITHUB_PRIVATE_KEY_B64", ""),
			APIURL:        GetString("GITHUB_API_URL", "https://api.github.com"),
		},
		MariaDB: MariaDBConfig{
			DSN:        GetString("MARIADB_DSN", ""),
			PublicHost: GetString("MARIADB_PUBLIC_HOST", "localhost"),
			PublicPort: GetInt("MARIADB_PUBLIC_PORT", 3306),
		},
		Lock: LockConfig{
			RedisAddr:     GetString("LOCK_REDIS_ADDR", ""),
			RedisPassword: GetString("LOCK_REDIS_PASSWORD", ""),
			RedisDB:       GetInt("LOCK_REDIS_DB", 0),
			TTL:           GetSeconds("LOCK_TTL_SECONDS", 600),
		},
		TimeoutNormal:     GetSeconds("TIMEOUT_SECONDS_NORMAL", 10),
		TimeoutLong:       GetSeconds("TIMEOUT_SECONDS_LONG", 300),
		RedeployStrategy:  strings.ToLower(GetString("REDEPLOY_STRATEGY", RedeployParallel)),
		ReconcileEnabled:  GetBool("RECONCILE_ENABLED", true),
		ReconcileInterval: GetSeconds("RECONCILE_INTERVAL_SECONDS", 60),
		DeployStaleAfter:  GetSeconds("DEPLOY_STALE_AFTER_SECONDS", 900),
	}
}

// Validate reports configuration problems that would prevent the daemon from starting.
func (c HangarConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.VaultKey) == "" {
		errs = append(errs, errors.New("VAULT_KEY is required"))
	}
	if c.VaultKeyVersion < 1 || c.VaultKeyVersion > 255 {
		errs = append(errs, fmt.Errorf("VAULT_KEY_VERSION must be within 1..255, got %d", c.VaultKeyVersion))
	}
	switch c.RedeployStrategy {
	case RedeployParallel, RedeployStopFirst:
	default:
		errs = append(errs, fmt.Errorf("REDEPLOY_STRATEGY %q is not supported", c.RedeployStrategy))
	}
	if c.TimeoutNormal <= 0 || c.TimeoutLong <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Docker.ContainerPrefix == "" || c.Docker.VolumePrefix == "" {
		errs = append(errs, errors.New("container and volume prefixes must not be empty"))
	}
	return errors.Join(errs...)
}
