package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

// Unlink clears the project link of every database attached to projectID.
// The databases themselves are kept.
func (s *Service) Unlink(ctx context.Context, projectID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	n, err := s.databases.UnlinkProjectDatabases(ctx, projectID)
	if err != nil {
		return fmt.Errorf("unlink databases of project %d: %w", projectID, err)
	}
	if n > 0 {
		s.logger.Info("databases unlinked", "project_id", projectID, "count", n)
	}
	return nil
}

// Link attaches the owner's database to one of the owner's projects.
func (s *Service) Link(ctx context.Context, databaseID, projectID int64, owner string) error {
	db, unlock, err := s.lockDatabase(ctx, databaseID)
	if err != nil {
		return err
	}
	defer unlock()
	if db.OwnerLogin != owner {
		return fmt.Errorf("database %d: %w", databaseID, domain.ErrNotFound)
	}
	if err := s.checkProject(ctx, projectID, owner); err != nil {
		return err
	}
	return s.setProject(ctx, databaseID, &projectID)
}

// Detach clears the project link of a single database.
func (s *Service) Detach(ctx context.Context, databaseID int64, owner string) error {
	db, unlock, err := s.lockDatabase(ctx, databaseID)
	if err != nil {
		return err
	}
	defer unlock()
	if db.OwnerLogin != owner {
		return fmt.Errorf("database %d: %w", databaseID, domain.ErrNotFound)
	}
	return s.setProject(ctx, databaseID, nil)
}

// Deprovision drops the database and user on the server, then deletes the
// row. A failed drop keeps the row so the call can be retried; a failed delete
// after the drop is ErrProvisionFailedOrphaned. A missing row is success.
func (s *Service) Deprovision(ctx context.Context, databaseID int64) (err error) {
	started := time.Now()
	defer func() { s.metrics.Observe(domain.OpDeprovision, err, time.Since(started)) }()

	db, unlock, err := s.lockDatabase(ctx, databaseID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	dropCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	err = s.drop(dropCtx, db.DatabaseName, db.Username)
	cancel()
	if err != nil {
		s.logger.Error("database drop failed", "database_id", db.ID, "database", db.DatabaseName, "error", err)
		return fmt.Errorf("drop %s: %w: %w", db.DatabaseName, domain.ErrProvisionFailed, err)
	}

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	err = s.databases.DeleteDatabase(deleteCtx, db.ID)
	cancel()
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("database dropped but catalog row remains", "database_id", db.ID, "database", db.DatabaseName, "error", err)
		return fmt.Errorf("delete database row %d: %w: %w", db.ID, domain.ErrProvisionFailedOrphaned, err)
	}
	s.logger.Info("database deprovisioned", "database_id", db.ID, "owner", db.OwnerLogin, "database", db.DatabaseName)
	return nil
}

// Details returns the database with its decrypted password.
func (s *Service) Details(ctx context.Context, databaseID int64) (*domain.DatabaseDetails, error) {
	db, err := s.byID(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	password, err := s.vault.DecryptString(db.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("database %d password: %w", db.ID, err)
	}
	return s.details(*db, password), nil
}

// DetailsByOwner is Details for the owner's database.
func (s *Service) DetailsByOwner(ctx context.Context, owner string) (*domain.DatabaseDetails, error) {
	db, err := s.byOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("database of %s: %w", owner, domain.ErrNotFound)
	}
	return s.Details(ctx, db.ID)
}

// List returns every provisioned database without credentials.
func (s *Service) List(ctx context.Context) ([]domain.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return s.databases.ListDatabases(ctx)
}

// ResetPassword sets a new random password on the server and in the catalog.
// A catalog failure puts the previous password back on the server.
func (s *Service) ResetPassword(ctx context.Context, databaseID int64) (*domain.DatabaseDetails, error) {
	db, unlock, err := s.lockDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	password, err := s.password(s.opts.PasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	encrypted, err := s.vault.EncryptString(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}

	previous, err := s.vault.DecryptString(db.EncryptedPassword)
	restorable := err == nil
	if !restorable {
		s.logger.Warn("stored password unreadable, resetting without rollback", "database_id", db.ID, "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.server.SetPassword(ctx, db.Username, password); err != nil {
		return nil, fmt.Errorf("set password for %s: %w: %w", db.Username, domain.ErrProvisionFailed, err)
	}
	if err := s.databases.UpdateDatabasePassword(ctx, db.ID, encrypted); err != nil {
		return nil, s.restorePassword(ctx, db, previous, restorable, err)
	}
	db.EncryptedPassword = encrypted
	return s.details(*db, password), nil
}

// restorePassword puts the previous password back on the server after the
// catalog refused the new one.
func (s *Service) restorePassword(ctx context.Context, db *domain.Database, previous string, restorable bool, cause error) error {
	if !restorable {
		return fmt.Errorf("record password for %d: %w: %w", db.ID, domain.ErrProvisionFailedOrphaned, cause)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()
	err := s.server.SetPassword(ctx, db.Username, previous)
	s.metrics.Compensation(domain.OpProvision, "restore_password", err)
	if err != nil {
		s.logger.Error("server password changed but catalog not updated", "database_id", db.ID, "error", err)
		return fmt.Errorf("record password for %d: %w: %w (restore: %w)", db.ID, domain.ErrProvisionFailedOrphaned, cause, err)
	}
	s.logger.Warn("catalog update failed, previous password restored", "database_id", db.ID, "error", cause)
	return fmt.Errorf("record password for %d: %w: %w", db.ID, domain.ErrProvisionFailed, cause)
}

// Rewrap re-encrypts every password sealed under a retired vault key and
// returns how many were rewritten.
func (s *Service) Rewrap(ctx context.Context) (int, error) {
	dbs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	rewritten := 0
	for _, db := range dbs {
		raw, err := decodeCiphertext(db.EncryptedPassword)
		if err != nil {
			return rewritten, fmt.Errorf("database %d password: %w", db.ID, err)
		}
		if !s.vault.NeedsRewrap(raw) {
			continue
		}
		sealed, err := s.vault.Rewrap(raw)
		if err != nil {
			return rewritten, fmt.Errorf("database %d password: %w", db.ID, err)
		}
		updateCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		err = s.databases.UpdateDatabasePassword(updateCtx, db.ID, base64.StdEncoding.EncodeToString(sealed))
		cancel()
		if err != nil {
			return rewritten, fmt.Errorf("record rewrapped password %d: %w", db.ID, err)
		}
		rewritten++
	}
	return rewritten, nil
}

// lockDatabase loads a database, locks its owner and reloads it.
func (s *Service) lockDatabase(ctx context.Context, id int64) (*domain.Database, keylock.Unlock, error) {
	db, err := s.byID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, keylock.DatabaseKey(db.OwnerLogin))
	if err != nil {
		return nil, nil, err
	}
	db, err = s.byID(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return db, unlock, nil
}
