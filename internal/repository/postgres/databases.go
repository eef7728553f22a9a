package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

const databaseColumns = `id, owner_login, database_name, username, encrypted_password, project_id, created_at`

// CreateDatabase inserts a provisioned database credential.
func (r *Repository) CreateDatabase(ctx context.Context, db *domain.Database) error {
	if db == nil {
		return fmt.Errorf("database required")
	}
	const query = `INSERT INTO databases (owner_login, database_name, username, encrypted_password, project_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		db.OwnerLogin,
		db.DatabaseName,
		db.Username,
		db.EncryptedPassword,
		int64PtrToNil(db.ProjectID),
	).Scan(&db.ID, &db.CreatedAt)
	return mapError(err)
}

// GetDatabaseByID fetches a credential by identifier.
func (r *Repository) GetDatabaseByID(ctx context.Context, id int64) (*domain.Database, error) {
	const query = `SELECT ` + databaseColumns + ` FROM databases WHERE id = $1`
	db, err := scanDatabase(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return db, nil
}

// GetDatabaseByOwner fetches the credential owned by login.
func (r *Repository) GetDatabaseByOwner(ctx context.Context, owner string) (*domain.Database, error) {
	const query = `SELECT ` + databaseColumns + ` FROM databases WHERE owner_login = $1`
	db, err := scanDatabase(r.pool.QueryRow(ctx, query, owner))
	if err != nil {
		return nil, mapError(err)
	}
	return db, nil
}

// ListDatabases returns every credential.
func (r *Repository) ListDatabases(ctx context.Context) ([]domain.Database, error) {
	const query = `SELECT ` + databaseColumns + ` FROM databases ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Database, 0)
	for rows.Next() {
		db, err := scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *db)
	}
	return out, rows.Err()
}

// DatabaseNamesTaken reports whether either name is already recorded.
func (r *Repository) DatabaseNamesTaken(ctx context.Context, databaseName, username string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM databases WHERE database_name = $1 OR username = $2)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, databaseName, username).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// SetDatabaseProject links a credential to a project, or unlinks it when projectID is nil.
func (r *Repository) SetDatabaseProject(ctx context.Context, id int64, projectID *int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE databases SET project_id = $2 WHERE id = $1`, id, int64PtrToNil(projectID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UnlinkProjectDatabases clears the project link on every credential pointing at projectID.
func (r *Repository) UnlinkProjectDatabases(ctx context.Context, projectID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE databases SET project_id = NULL WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// UpdateDatabasePassword replaces the stored ciphertext.
func (r *Repository) UpdateDatabasePassword(ctx context.Context, id int64, encrypted string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE databases SET encrypted_password = $2 WHERE id = $1`, id, encrypted)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDatabase removes a credential row.
func (r *Repository) DeleteDatabase(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM databases WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanDatabase(row pgx.Row) (*domain.Database, error) {
	var db domain.Database
	if err := row.Scan(
		&db.ID,
		&db.OwnerLogin,
		&db.DatabaseName,
		&db.Username,
		&db.EncryptedPassword,
		&db.ProjectID,
		&db.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &db, nil
}
