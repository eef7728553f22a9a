// Package provision hands out one database on the shared MariaDB server per owner.
package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/mariadb"
	"github.com/0xEthamin/hangar-back/internal/metrics"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

const maxNameAttempts = 5

// Server is the administrative surface of the database server.
type Server interface {
	CreateDatabase(ctx context.Context, name string) error
	CreateUser(ctx context.Context, username, password string) error
	GrantAll(ctx context.Context, database, username string) error
	SetPassword(ctx context.Context, username, password string) error
	DropDatabase(ctx context.Context, name string) error
	DropUser(ctx context.Context, username string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	UserExists(ctx context.Context, username string) (bool, error)
}

// Cipher seals passwords for the catalog.
type Cipher interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(encoded string) (string, error)
	NeedsRewrap(payload []byte) bool
	Rewrap(payload []byte) ([]byte, error)
}

// ProjectLookup confirms a project exists before a database is linked to it.
type ProjectLookup interface {
	GetProjectByID(ctx context.Context, id int64) (*domain.Project, error)
}

// Options configure naming, credentials and the endpoint reported to owners.
type Options struct {
	Prefix         string
	PasswordLength int
	PublicHost     string
	PublicPort     int
	Timeout        time.Duration
}

// Service is the database provisioner.
type Service struct {
	databases repository.DatabaseRepository
	projects  ProjectLookup
	server    Server
	vault     Cipher
	locks     keylock.Locker
	metrics   *metrics.Recorder
	opts      Options
	logger    *slog.Logger
	suffix    func() (string, error)
	password  func(int) (string, error)
}

// Deps are the collaborators of the provisioner. Projects and Metrics may be nil.
type Deps struct {
	Databases repository.DatabaseRepository
	Projects  ProjectLookup
	Server    Server
	Vault     Cipher
	Locks     keylock.Locker
	Metrics   *metrics.Recorder
}

// New constructs a provisioner.
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = "hangardb"
	}
	if opts.PasswordLength <= 0 {
		opts.PasswordLength = crypto.DefaultPasswordLength
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Service{
		databases: deps.Databases,
		projects:  deps.Projects,
		server:    deps.Server,
		vault:     deps.Vault,
		locks:     deps.Locks,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    logger.With("component", "provision"),
		suffix:    func() (string, error) { return crypto.RandomSuffix(6) },
		password:  crypto.GeneratePassword,
	}
}

// Provision creates the owner's database and user, or returns the existing
// one. When projectID is set the database is linked to that project.
func (s *Service) Provision(ctx context.Context, owner string, projectID *int64) (details *domain.DatabaseDetails, err error) {
	started := time.Now()
	defer func() { s.metrics.Observe(domain.OpProvision, err, time.Since(started)) }()

	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, keylock.DatabaseKey(owner))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if projectID != nil {
		if err := s.checkProject(ctx, *projectID, owner); err != nil {
			return nil, err
		}
	}

	existing, err := s.byOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.converge(ctx, existing, projectID)
	}

	db, password, err := s.create(ctx, owner, projectID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("database provisioned", "database_id", db.ID, "owner", owner, "database", db.DatabaseName)
	return s.details(*db, password), nil
}

func (s *Service) converge(ctx context.Context, existing *domain.Database, projectID *int64) (*domain.DatabaseDetails, error) {
	if projectID != nil {
		switch {
		case existing.ProjectID == nil:
			if err := s.setProject(ctx, existing.ID, projectID); err != nil {
				return nil, err
			}
			existing.ProjectID = projectID
		case *existing.ProjectID != *projectID:
			return nil, fmt.Errorf("database of %s is linked to project %d: %w", existing.OwnerLogin, *existing.ProjectID, domain.ErrAlreadyExists)
		}
	}
	password, err := s.vault.DecryptString(existing.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("database %d password: %w", existing.ID, err)
	}
	return s.details(*existing, password), nil
}

// create claims a free name on both the catalog and the server. Names taken
// on either side, or claimed concurrently, are regenerated.
func (s *Service) create(ctx context.Context, owner string, projectID *int64) (*domain.Database, string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name, err := s.candidateName(owner, attempt)
		if err != nil {
			return nil, "", err
		}
		free, err := s.nameFree(ctx, name)
		if err != nil {
			return nil, "", err
		}
		if !free {
			s.logger.Info("database name taken, regenerating", "owner", owner, "database", name)
			continue
		}

		password, err := s.password(s.opts.PasswordLength)
		if err != nil {
			return nil, "", fmt.Errorf("generate password: %w", err)
		}
		if err := s.createOnServer(ctx, name, password); err != nil {
			if errors.Is(err, mariadb.ErrExists) {
				continue
			}
			return nil, "", err
		}

		encrypted, err := s.vault.EncryptString(password)
		if err != nil {
			return nil, "", s.compensate(ctx, name, fmt.Errorf("encrypt password: %w", err))
		}
		db := &domain.Database{
			OwnerLogin:        owner,
			DatabaseName:      name,
			Username:          name,
			EncryptedPassword: encrypted,
			ProjectID:         projectID,
		}
		insertCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		err = s.databases.CreateDatabase(insertCtx, db)
		cancel()
		switch {
		case err == nil:
			return db, password, nil
		case repository.ConflictOn(err, repository.ConstraintDatabaseOwner):
			return nil, "", s.compensate(ctx, name, fmt.Errorf("owner %s: %w", owner, domain.ErrAlreadyExists))
		case repository.ConflictOn(err, repository.ConstraintDatabaseName), repository.ConflictOn(err, repository.ConstraintDatabaseUsername):
			if err := s.compensate(ctx, name, err); errors.Is(err, domain.ErrProvisionFailedOrphaned) {
				return nil, "", err
			}
			continue
		default:
			return nil, "", s.compensate(ctx, name, fmt.Errorf("record database: %w", err))
		}
	}
	return nil, "", fmt.Errorf("database name for %s after %d attempts: %w", owner, maxNameAttempts, domain.ErrNameCollision)
}

// createOnServer runs CREATE DATABASE, CREATE USER and GRANT. Anything created
// before a failing step is dropped again. mariadb.ErrExists is passed through
// so the caller can regenerate the name.
func (s *Service) createOnServer(ctx context.Context, name, password string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if err := s.server.CreateDatabase(ctx, name); err != nil {
		if errors.Is(err, mariadb.ErrExists) {
			return err
		}
		return fmt.Errorf("create database %s: %w: %w", name, domain.ErrProvisionFailed, err)
	}
	if err := s.server.CreateUser(ctx, name, password); err != nil {
		cause := err
		if !errors.Is(err, mariadb.ErrExists) {
			cause = fmt.Errorf("create user %s: %w: %w", name, domain.ErrProvisionFailed, err)
		}
		if dropErr := s.dropDatabaseOnly(ctx, name); dropErr != nil {
			return dropErr
		}
		return cause
	}
	if err := s.server.GrantAll(ctx, name, name); err != nil {
		return s.compensate(ctx, name, fmt.Errorf("grant %s: %w", name, err))
	}
	return nil
}

func (s *Service) dropDatabaseOnly(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()
	err := s.server.DropDatabase(ctx, name)
	s.metrics.Compensation(domain.OpProvision, "drop_database", err)
	if err != nil {
		s.logger.Error("failed to drop database after failed provision", "database", name, "error", err)
		return fmt.Errorf("drop database %s: %w: %w", name, domain.ErrProvisionFailedOrphaned, err)
	}
	return nil
}

// compensate drops the user and database created for name and returns cause
// as ErrProvisionFailed, or ErrProvisionFailedOrphaned when the drop fails too.
func (s *Service) compensate(ctx context.Context, name string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()
	if err := s.drop(ctx, name, name); err != nil {
		s.metrics.Compensation(domain.OpProvision, "drop", err)
		s.logger.Error("server objects orphaned after failed provision", "database", name, "error", err)
		return fmt.Errorf("%w: %w (cleanup: %w)", domain.ErrProvisionFailedOrphaned, cause, err)
	}
	s.metrics.Compensation(domain.OpProvision, "drop", nil)
	if errors.Is(cause, domain.ErrProvisionFailed) || errors.Is(cause, domain.ErrAlreadyExists) {
		return cause
	}
	return fmt.Errorf("%w: %w", domain.ErrProvisionFailed, cause)
}

// drop removes the user then the database. Both are attempted.
func (s *Service) drop(ctx context.Context, database, username string) error {
	return errors.Join(s.server.DropUser(ctx, username), s.server.DropDatabase(ctx, database))
}

// candidateName is <prefix>_<owner> on the first attempt and carries a random
// suffix afterwards, always within the server's identifier limit.
func (s *Service) candidateName(owner string, attempt int) (string, error) {
	base := sanitize(s.opts.Prefix + "_" + owner)
	if attempt == 0 {
		return truncate(base, mariadb.MaxIdentifierLength), nil
	}
	suffix, err := s.suffix()
	if err != nil {
		return "", err
	}
	return truncate(base, mariadb.MaxIdentifierLength-len(suffix)-1) + "_" + suffix, nil
}

func (s *Service) nameFree(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	taken, err := s.databases.DatabaseNamesTaken(ctx, name, name)
	if err != nil {
		return false, fmt.Errorf("check catalog for %s: %w", name, err)
	}
	if taken {
		return false, nil
	}
	exists, err := s.server.DatabaseExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check server for %s: %w: %w", name, domain.ErrProvisionFailed, err)
	}
	if exists {
		return false, nil
	}
	exists, err = s.server.UserExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check server for %s: %w: %w", name, domain.ErrProvisionFailed, err)
	}
	return !exists, nil
}

func (s *Service) details(db domain.Database, password string) *domain.DatabaseDetails {
	return &domain.DatabaseDetails{Database: db, Password: password, Host: s.opts.PublicHost, Port: s.opts.PublicPort}
}

func (s *Service) byOwner(ctx context.Context, owner string) (*domain.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	db, err := s.databases.GetDatabaseByOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load database of %s: %w", owner, err)
	}
	return db, nil
}

func (s *Service) byID(ctx context.Context, id int64) (*domain.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	db, err := s.databases.GetDatabaseByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("database %d: %w: %w", id, domain.ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load database %d: %w", id, err)
	}
	return db, nil
}

func (s *Service) checkProject(ctx context.Context, projectID int64, owner string) error {
	if s.projects == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("project %d: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	if project.Owner != owner {
		return fmt.Errorf("project %d is not owned by %s: %w", projectID, owner, domain.ErrValidation)
	}
	return nil
}

func (s *Service) setProject(ctx context.Context, id int64, projectID *int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.databases.SetDatabaseProject(ctx, id, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("database %d: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("link database %d: %w", id, err)
	}
	return nil
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func decodeCiphertext(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, crypto.ErrDecryptionFailed
	}
	return raw, nil
}
