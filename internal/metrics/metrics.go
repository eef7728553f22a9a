// Package metrics records coordinator and provisioner outcomes for prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

var histogramBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder is safe to use as a nil pointer, which records nothing.
type Recorder struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg, reusing ones already registered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar",
			Name:      "operations_total",
			Help:      "Coordinator and provisioner operations by outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hangar",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of coordinator and provisioner operations",
			Buckets:   histogramBuckets,
		}, []string{"operation"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar",
			Name:      "compensations_total",
			Help:      "Compensating actions run after a failed operation",
		}, []string{"operation", "step", "result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hangar",
			Name:      "reconcile_actions_total",
			Help:      "Actions applied by the reconciliation sweep",
		}, []string{"action"}),
	}
	r.operations = register(reg, r.operations)
	r.duration = register(reg, r.duration)
	r.compensations = register(reg, r.compensations)
	r.reconciled = register(reg, r.reconciled)
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// Observe records one finished operation.
func (r *Recorder) Observe(operation domain.Operation, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(string(operation), Outcome(err)).Inc()
	r.duration.WithLabelValues(string(operation)).Observe(elapsed.Seconds())
}

// Compensation records one compensating step.
func (r *Recorder) Compensation(operation domain.Operation, step string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.compensations.WithLabelValues(string(operation), step, result).Inc()
}

// Reconciled records one action taken by the sweep.
func (r *Recorder) Reconciled(action string) {
	if r == nil {
		return
	}
	r.reconciled.WithLabelValues(action).Inc()
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, domain.ErrSourceNotFound):
		return "source_not_found"
	case errors.Is(err, domain.ErrSourceUnreachable):
		return "source_unreachable"
	case errors.Is(err, domain.ErrBuildFailed):
		return "build_failed"
	case errors.Is(err, domain.ErrNameCollision):
		return "name_collision"
	case errors.Is(err, domain.ErrPartialTeardown):
		return "partial_teardown"
	case errors.Is(err, domain.ErrProvisionFailedOrphaned):
		return "provision_orphaned"
	case errors.Is(err, domain.ErrProvisionFailed):
		return "provision_failed"
	case errors.Is(err, domain.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrRuntime):
		return "runtime"
	default:
		return "error"
	}
}
