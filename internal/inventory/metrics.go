package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for the ledger write path.
type Metrics struct {
	applied  *prometheus.CounterVec
	replayed *prometheus.CounterVec
	rejected *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers ledger collectors on reg. Collectors that are already
// registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_movements_applied_total",
			Help: "Stock movements committed, by movement type.",
		}, []string{"type"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_movements_replayed_total",
			Help: "Idempotent replays returned instead of a new movement.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_movements_rejected_total",
			Help: "Movement requests that did not commit, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockledger_apply_duration_seconds",
			Help:    "Time spent inside the movement transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	var err error
	m.applied, err = registerCounterVec(reg, m.applied)
	if err != nil {
		return nil, err
	}
	m.replayed, err = registerCounterVec(reg, m.replayed)
	if err != nil {
		return nil, err
	}
	m.rejected, err = registerCounterVec(reg, m.rejected)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(m.duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		if h, ok := already.ExistingCollector.(prometheus.Histogram); ok {
			m.duration = h
		}
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

// ObserveApplied counts a committed movement.
func (m *Metrics) ObserveApplied(t MovementType) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(string(t)).Inc()
}

// ObserveReplayed counts an idempotent replay.
func (m *Metrics) ObserveReplayed(t MovementType) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(string(t)).Inc()
}

// ObserveRejected counts a failed request under its error class.
func (m *Metrics) ObserveRejected(err error) {
	if m == nil || err == nil {
		return
	}
	m.rejected.WithLabelValues(rejectReason(err)).Inc()
}

// ObserveDuration records the time spent applying a batch.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidMovementType):
		return "invalid_movement_type"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransientStorage):
		return "transient_storage"
	case errors.Is(err, ErrCostInvariant):
		return "cost_invariant"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
