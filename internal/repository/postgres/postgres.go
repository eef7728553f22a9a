package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xEthamin/hangar-back/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository  = (*Repository)(nil)
	_ repository.DatabaseRepository = (*Repository)(nil)
)

// mapError translates driver errors into repository errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &repository.ConflictError{Constraint: constraintName(pgErr.ConstraintName)}
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// constraintName folds secondary unique indexes onto the constraint callers
// know about.
func constraintName(name string) string {
	if name == "projects_name_lower_key" {
		return repository.ConstraintProjectName
	}
	return name
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
