package repository

import (
	"context"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

// DeploymentCommit is the catalog write that makes a deployment authoritative.
type DeploymentCommit struct {
	ProjectID     int64
	ContainerName string
	ImageTag      string
	ImageDigest   string
}

// ProjectRepository persists projects and their participants.
type ProjectRepository interface {
	// ReserveProject inserts a project in the deploying state, claiming its
	// name, container name and volume name.
	ReserveProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id int64) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListProjectsByLogin(ctx context.Context, login string) ([]domain.Project, error)
	ContainerNameTaken(ctx context.Context, name string) (bool, error)
	VolumeNameTaken(ctx context.Context, name string) (bool, error)
	SetProjectState(ctx context.Context, id int64, state domain.DeploymentState) error
	CommitDeployment(ctx context.Context, commit DeploymentCommit) error
	UpdateEnvVars(ctx context.Context, id int64, env map[string][]byte) error
	// DeleteProject clears database links and removes the row in one transaction.
	DeleteProject(ctx context.Context, id int64) error
	AddParticipant(ctx context.Context, projectID int64, login string) error
	RemoveParticipant(ctx context.Context, projectID int64, login string) error
}

// DatabaseRepository persists provisioned database credentials.
type DatabaseRepository interface {
	CreateDatabase(ctx context.Context, db *domain.Database) error
	GetDatabaseByID(ctx context.Context, id int64) (*domain.Database, error)
	GetDatabaseByOwner(ctx context.Context, owner string) (*domain.Database, error)
	ListDatabases(ctx context.Context) ([]domain.Database, error)
	DatabaseNamesTaken(ctx context.Context, databaseName, username string) (bool, error)
	SetDatabaseProject(ctx context.Context, id int64, projectID *int64) error
	UnlinkProjectDatabases(ctx context.Context, projectID int64) (int64, error)
	UpdateDatabasePassword(ctx context.Context, id int64, encrypted string) error
	DeleteDatabase(ctx context.Context, id int64) error
}
