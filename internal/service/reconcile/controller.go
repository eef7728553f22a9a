package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/metrics"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/pkg/config"
)

const (
	defaultInterval   = time.Minute
	defaultStaleAfter = 15 * time.Minute
	reconcileTimeout  = 30 * time.Second
	lockWait          = 2 * time.Second
)

// Projects is the catalog surface the sweep reads and repairs.
type Projects interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	GetProjectByID(ctx context.Context, id int64) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	SetProjectState(ctx context.Context, id int64, state domain.DeploymentState) error
}

// Runtime is the container runtime surface the sweep inspects.
type Runtime interface {
	InspectContainer(ctx context.Context, nameOrID string) (docker.ContainerState, error)
	RemoveContainer(ctx context.Context, name string) error
	ListManagedContainers(ctx context.Context) ([]docker.ContainerState, error)
}

// Sweeper removes stale build workspaces.
type Sweeper interface {
	Sweep(now time.Time, olderThan time.Duration) (int, error)
}

// Report summarises one pass.
type Report struct {
	Applied []Action
	Skipped []Action
	Errors  []error
	Swept   int
}

// Controller runs the reconciliation sweep periodically.
type Controller struct {
	projects   Projects
	runtime    Runtime
	locks      keylock.Locker
	workspaces Sweeper
	metrics    *metrics.Recorder
	logger     *slog.Logger

	interval   time.Duration
	staleAfter time.Duration

	now func() time.Time
}

// New constructs a controller. workspaces and recorder may be nil.
func New(projects Projects, runtime Runtime, locks keylock.Locker, workspaces Sweeper, recorder *metrics.Recorder, logger *slog.Logger, cfg config.HangarConfig) *Controller {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	staleAfter := cfg.DeployStaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		projects:   projects,
		runtime:    runtime,
		locks:      locks,
		workspaces: workspaces,
		metrics:    recorder,
		logger:     logger.With("component", "reconcile"),
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run executes the sweep until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconcile controller started", "interval", c.interval, "stale_after", c.staleAfter)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconcile controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	report := c.RunOnce(ctx)
	for _, err := range report.Errors {
		c.logger.Warn("reconcile step failed", "error", err)
	}
	if len(report.Applied) > 0 || report.Swept > 0 {
		c.logger.Info("reconcile pass finished", "applied", len(report.Applied), "skipped", len(report.Skipped), "workspaces_swept", report.Swept)
	}
}

// RunOnce performs a single pass and reports what it did.
func (c *Controller) RunOnce(ctx context.Context) Report {
	var report Report
	now := c.now()

	snapshot, err := c.projects.ListProjects(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("list projects: %w", err))
		return report
	}

	for _, action := range Plan(snapshot, now, c.staleAfter) {
		c.apply(ctx, action, &report)
	}

	containers, err := c.runtime.ListManagedContainers(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("list containers: %w", err))
	} else {
		for _, action := range Orphans(snapshot, containers) {
			c.apply(ctx, action, &report)
		}
	}

	if c.workspaces != nil {
		swept, err := c.workspaces.Sweep(now, c.staleAfter)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("sweep workspaces: %w", err))
		}
		report.Swept = swept
	}
	return report
}

func (c *Controller) apply(ctx context.Context, action Action, report *Report) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	unlock, err := c.locks.Lock(lockCtx, keylock.ProjectKey(action.Project))
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrBusy) {
			report.Skipped = append(report.Skipped, action)
			return
		}
		report.Errors = append(report.Errors, err)
		return
	}
	defer unlock()

	done, err := c.execute(ctx, action)
	switch {
	case err != nil:
		report.Errors = append(report.Errors, fmt.Errorf("%s %s: %w", action.Kind, action.Project, err))
	case done:
		report.Applied = append(report.Applied, action)
		c.metrics.Reconciled(string(action.Kind))
	default:
		report.Skipped = append(report.Skipped, action)
	}
}

// execute re-reads the catalog under the lock, since the snapshot may be out
// of date, and reports whether the action still applied.
func (c *Controller) execute(ctx context.Context, action Action) (bool, error) {
	if action.Kind == RemoveOrphan {
		return c.removeOrphan(ctx, action)
	}

	project, err := c.projects.GetProjectByID(ctx, action.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current := Plan([]domain.Project{*project}, c.now(), c.staleAfter)
	if len(current) != 1 || current[0].Kind != action.Kind {
		return false, nil
	}

	switch action.Kind {
	case MarkFailed:
		c.logger.Warn("abandoned deployment marked failed", "project_id", project.ID, "project", project.Name, "age", action.Age)
		return true, c.projects.SetProjectState(ctx, project.ID, domain.StateFailed)
	case Verify:
		state := domain.StateFailed
		if c.runsCommitted(ctx, project) {
			state = domain.StateRunning
		}
		c.logger.Warn("abandoned redeploy resolved", "project_id", project.ID, "project", project.Name, "state", state, "age", action.Age)
		return true, c.projects.SetProjectState(ctx, project.ID, state)
	case ReportTerminating:
		c.logger.Warn("teardown left unfinished, destroy must be retried", "project_id", project.ID, "project", project.Name, "age", action.Age)
		return true, nil
	}
	return false, fmt.Errorf("unknown action %q", action.Kind)
}

func (c *Controller) runsCommitted(ctx context.Context, project *domain.Project) bool {
	if project.ContainerName == "" {
		return false
	}
	state, err := c.runtime.InspectContainer(ctx, project.ContainerName)
	if err != nil {
		if !errors.Is(err, docker.ErrNotFound) {
			c.logger.Warn("inspect during reconcile failed", "project", project.Name, "container", project.ContainerName, "error", err)
		}
		return false
	}
	return state.Running && state.ImageID == project.DeployedImageDigest
}

func (c *Controller) removeOrphan(ctx context.Context, action Action) (bool, error) {
	if action.Project != "" {
		project, err := c.projects.GetProjectByName(ctx, action.Project)
		switch {
		case err == nil && project.ContainerName == action.Container:
			return false, nil
		case err == nil && (project.State == domain.StateDeploying || project.State == domain.StateTerminating):
			return false, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return false, err
		}
	}
	if err := c.runtime.RemoveContainer(ctx, action.Container); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return false, err
	}
	c.logger.Info("orphaned container removed", "project", action.Project, "container", action.Container)
	return true, nil
}
