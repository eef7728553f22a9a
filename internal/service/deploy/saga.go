package deploy

import (
	"context"
	"errors"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

// saga collects undo steps and runs them newest first.
type saga struct {
	svc   *Service
	op    domain.Operation
	steps []sagaStep
}

type sagaStep struct {
	name string
	undo func(ctx context.Context) error
}

func (s *Service) newSaga(op domain.Operation) *saga {
	return &saga{svc: s, op: op}
}

func (g *saga) push(name string, undo func(ctx context.Context) error) {
	g.steps = append(g.steps, sagaStep{name: name, undo: undo})
}

// compensate undoes every recorded step and returns cause. Undo failures are
// logged and joined so the caller sees both.
func (g *saga) compensate(ctx context.Context, project string, cause error) error {
	ctx, cancel := g.svc.cleanupContext(ctx)
	defer cancel()
	var failures []error
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		err := step.undo(ctx)
		g.svc.deps.Metrics.Compensation(g.op, step.name, err)
		if err != nil {
			g.svc.logger.Error("compensation failed", "project", project, "step", step.name, "error", err)
			failures = append(failures, err)
		}
	}
	g.steps = nil
	if len(failures) == 0 {
		return cause
	}
	return errors.Join(append([]error{cause}, failures...)...)
}
