package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

func TestRecorderCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Observe(domain.OpCreate, nil, time.Second)
	r.Observe(domain.OpCreate, fmt.Errorf("build: %w", domain.ErrBuildFailed), time.Second)
	r.Compensation(domain.OpCreate, "remove_volume", errors.New("boom"))

	if got := testutil.ToFloat64(r.operations.WithLabelValues("create", "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(r.operations.WithLabelValues("create", "build_failed")); got != 1 {
		t.Fatalf("expected one build failure, got %v", got)
	}
	if got := testutil.ToFloat64(r.compensations.WithLabelValues("create", "remove_volume", "failed")); got != 1 {
		t.Fatalf("expected failed compensation, got %v", got)
	}
}

func TestNewRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewRecorder(reg)
	second := NewRecorder(reg)
	second.Reconciled("mark_failed")
	if got := testutil.ToFloat64(first.reconciled.WithLabelValues("mark_failed")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Observe(domain.OpDestroy, nil, time.Millisecond)
	r.Compensation(domain.OpDestroy, "x", nil)
	r.Reconciled("x")
}

func TestOutcomePrefersOrphaned(t *testing.T) {
	err := fmt.Errorf("deprovision: %w", domain.ErrProvisionFailedOrphaned)
	if got := Outcome(err); got != "provision_orphaned" {
		t.Fatalf("unexpected outcome %q", got)
	}
}
