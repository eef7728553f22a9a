// Package reconcile resolves catalog rows left in a transient state by
// abandoned operations and removes managed containers the catalog no longer
// knows about.
package reconcile

import (
	"sort"
	"time"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
)

// ActionKind names what the sweep does with a project.
type ActionKind string

const (
	// MarkFailed resolves an abandoned attempt that never committed.
	MarkFailed ActionKind = "mark_failed"
	// Verify checks the runtime of an abandoned redeploy; the project is
	// restored to running when its committed container still runs the
	// committed image, and marked failed otherwise.
	Verify ActionKind = "verify"
	// ReportTerminating flags a teardown that needs to be retried by a caller.
	ReportTerminating ActionKind = "report_terminating"
	// RemoveOrphan removes a managed container no project refers to.
	RemoveOrphan ActionKind = "remove_orphan"
)

// Action is one step of a reconciliation pass.
type Action struct {
	Kind      ActionKind
	ProjectID int64
	Project   string
	Container string
	Age       time.Duration
}

// Plan derives the actions for a catalog snapshot. Only rows whose state has
// not changed for staleAfter are considered.
func Plan(snapshot []domain.Project, now time.Time, staleAfter time.Duration) []Action {
	var actions []Action
	for _, p := range snapshot {
		age := now.Sub(p.StateChangedAt)
		if age < staleAfter {
			continue
		}
		action := Action{ProjectID: p.ID, Project: p.Name, Container: p.ContainerName, Age: age}
		switch {
		case p.State == domain.StateDeploying && !p.Committed():
			action.Kind = MarkFailed
		case p.State == domain.StateDeploying:
			action.Kind = Verify
		case p.State == domain.StateTerminating:
			action.Kind = ReportTerminating
		default:
			continue
		}
		actions = append(actions, action)
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].ProjectID < actions[j].ProjectID })
	return actions
}

// Orphans returns a removal action for every managed container whose name is
// not recorded on any project. Containers labelled with a project that is
// mid-operation are left alone since the operation may still commit them.
func Orphans(snapshot []domain.Project, containers []docker.ContainerState) []Action {
	known := make(map[string]struct{}, len(snapshot))
	busy := make(map[string]struct{})
	for _, p := range snapshot {
		if p.ContainerName != "" {
			known[p.ContainerName] = struct{}{}
		}
		if p.State == domain.StateDeploying || p.State == domain.StateTerminating {
			busy[p.Name] = struct{}{}
		}
	}
	var actions []Action
	for _, c := range containers {
		if _, ok := known[c.Name]; ok {
			continue
		}
		project := c.Labels[docker.LabelProject]
		if _, ok := busy[project]; ok {
			continue
		}
		actions = append(actions, Action{Kind: RemoveOrphan, Project: project, Container: c.Name})
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Container < actions[j].Container })
	return actions
}
