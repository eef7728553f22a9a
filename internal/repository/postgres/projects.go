package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/repository"
)

const projectColumns = `p.id, p.name, p.owner,
	COALESCE(ARRAY(SELECT pp.participant_id FROM project_participants pp WHERE pp.project_id = p.id ORDER BY pp.participant_id), '{}'),
	p.source_type, COALESCE(p.image_ref, ''), COALESCE(p.repo_url, ''), COALESCE(p.branch, ''), COALESCE(p.root_dir, ''),
	p.container_name, COALESCE(p.deployed_image_tag, ''), COALESCE(p.deployed_image_digest, ''), p.env_vars,
	COALESCE(p.persistent_volume_path, ''), COALESCE(p.volume_name, ''),
	p.deployment_state, p.state_changed_at, p.created_at`

// ReserveProject inserts a project in the deploying state.
func (r *Repository) ReserveProject(ctx context.Context, project *domain.Project) error {
	if project == nil {
		return fmt.Errorf("project required")
	}
	env, err := encodeEnv(project.EnvVars)
	if err != nil {
		return err
	}
	var imageRef, repoURL, branch, rootDir string
	switch src := project.Source.(type) {
	case domain.DirectSource:
		imageRef = src.ImageRef
	case domain.GitHubSource:
		repoURL, branch, rootDir = src.RepoURL, src.Branch, src.RootDir
	default:
		return fmt.Errorf("unsupported source %T", project.Source)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO projects (
		name, owner, source_type, image_ref, repo_url, branch, root_dir,
		container_name, env_vars, persistent_volume_path, volume_name,
		deployment_state, state_changed_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'deploying',NOW(),NOW())
	RETURNING id, state_changed_at, created_at`
	if err := tx.QueryRow(ctx, query,
		project.Name,
		project.Owner,
		string(domain.TypeOf(project.Source)),
		nilIfEmpty(imageRef),
		nilIfEmpty(repoURL),
		nilIfEmpty(branch),
		nilIfEmpty(rootDir),
		project.ContainerName,
		env,
		nilIfEmpty(project.PersistentVolumePath),
		nilIfEmpty(project.VolumeName),
	).Scan(&project.ID, &project.StateChangedAt, &project.CreatedAt); err != nil {
		return mapError(err)
	}

	const participantInsert = `INSERT INTO project_participants (project_id, participant_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	for _, login := range project.Participants {
		if _, err := tx.Exec(ctx, participantInsert, project.ID, login); err != nil {
			return mapError(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	project.State = domain.StateDeploying
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE lower(p.name) = lower($1)`
	p, err := scanProject(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// ListProjects returns every project, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p ORDER BY p.id`
	return r.listProjects(ctx, query)
}

// ListProjectsByLogin returns projects owned by or shared with login.
func (r *Repository) ListProjectsByLogin(ctx context.Context, login string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p
		WHERE p.owner = $1
			OR EXISTS (SELECT 1 FROM project_participants pp WHERE pp.project_id = p.id AND pp.participant_id = $1)
		ORDER BY p.created_at DESC`
	return r.listProjects(ctx, query, login)
}

func (r *Repository) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ContainerNameTaken reports whether any project holds the container name.
func (r *Repository) ContainerNameTaken(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM projects WHERE container_name = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// VolumeNameTaken reports whether any project holds the volume name.
func (r *Repository) VolumeNameTaken(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM projects WHERE volume_name = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// SetProjectState moves a project to state and refreshes its staleness timestamp.
func (r *Repository) SetProjectState(ctx context.Context, id int64, state domain.DeploymentState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid deployment state %q", state)
	}
	const query = `UPDATE projects SET deployment_state = $2, state_changed_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(state))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CommitDeployment records the running image and container and marks the project running.
func (r *Repository) CommitDeployment(ctx context.Context, commit repository.DeploymentCommit) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	if err := tx.QueryRow(ctx, `SELECT deployment_state FROM projects WHERE id = $1 FOR UPDATE`, commit.ProjectID).Scan(&state); err != nil {
		return mapError(err)
	}
	if domain.DeploymentState(state) == domain.StateTerminating {
		return fmt.Errorf("project %d is terminating: %w", commit.ProjectID, repository.ErrConflict)
	}

	const query = `UPDATE projects
		SET container_name = $2,
			deployed_image_tag = $3,
			deployed_image_digest = $4,
			deployment_state = 'running',
			state_changed_at = NOW()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, commit.ProjectID, commit.ContainerName, commit.ImageTag, commit.ImageDigest); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// UpdateEnvVars replaces the encrypted environment of a project.
func (r *Repository) UpdateEnvVars(ctx context.Context, id int64, env map[string][]byte) error {
	encoded, err := encodeEnv(env)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE projects SET env_vars = $2 WHERE id = $1`, id, encoded)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject unlinks databases and deletes the project; participants cascade.
func (r *Repository) DeleteProject(ctx context.Context, id int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE databases SET project_id = NULL WHERE project_id = $1`, id); err != nil {
		return mapError(err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// AddParticipant grants login access to a project.
func (r *Repository) AddParticipant(ctx context.Context, projectID int64, login string) error {
	const query = `INSERT INTO project_participants (project_id, participant_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, query, projectID, login)
	return mapError(err)
}

// RemoveParticipant revokes access for login.
func (r *Repository) RemoveParticipant(ctx context.Context, projectID int64, login string) error {
	const query = `DELETE FROM project_participants WHERE project_id = $1 AND participant_id = $2`
	tag, err := r.pool.Exec(ctx, query, projectID, login)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p                                         domain.Project
		sourceType, imageRef, repoURL, branch, rd string
		envRaw                                    []byte
		state                                     string
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Owner,
		&p.Participants,
		&sourceType,
		&imageRef,
		&repoURL,
		&branch,
		&rd,
		&p.ContainerName,
		&p.DeployedImageTag,
		&p.DeployedImageDigest,
		&envRaw,
		&p.PersistentVolumePath,
		&p.VolumeName,
		&state,
		&p.StateChangedAt,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	switch domain.SourceType(sourceType) {
	case domain.SourceDirect:
		p.Source = domain.DirectSource{ImageRef: imageRef}
	case domain.SourceGitHub:
		p.Source = domain.GitHubSource{RepoURL: repoURL, Branch: branch, RootDir: rd}
	default:
		return nil, fmt.Errorf("project %d has unknown source type %q", p.ID, sourceType)
	}
	env, err := decodeEnv(envRaw)
	if err != nil {
		return nil, fmt.Errorf("project %d env vars: %w", p.ID, err)
	}
	p.EnvVars = env
	p.State = domain.DeploymentState(state)
	return &p, nil
}

// encodeEnv stores ciphertext as base64 strings inside a JSON object.
func encodeEnv(env map[string][]byte) (string, error) {
	if len(env) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEnv(raw []byte) (map[string][]byte, error) {
	env := make(map[string][]byte)
	if len(raw) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env, nil
}
