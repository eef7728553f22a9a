package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a unique constraint rejected the write.
	ErrConflict = errors.New("repository: conflict")
)

// ConflictError names the unique constraint that rejected a write.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("repository: conflict on %s", e.Constraint)
}

// Is makes errors.Is(err, ErrConflict) hold for every ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ConflictOn reports whether err is a conflict on the named constraint.
func ConflictOn(err error, constraint string) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict) && conflict.Constraint == constraint
}

// Constraint names referenced by callers that regenerate names on conflict.
const (
	ConstraintProjectName      = "projects_name_key"
	ConstraintContainerName    = "projects_container_name_key"
	ConstraintVolumeName       = "projects_volume_name_key"
	ConstraintDatabaseOwner    = "databases_owner_login_key"
	ConstraintDatabaseName     = "databases_database_name_key"
	ConstraintDatabaseUsername = "databases_username_key"
)
