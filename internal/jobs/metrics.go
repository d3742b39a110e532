// Package jobmetrics instruments background job runs.
package jobmetrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded on stockledger_jobs_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	// OutcomeDropped marks runs that failed with asynq.SkipRetry and will not be retried.
	OutcomeDropped = "dropped"
)

// Metrics exposes Prometheus collectors for the worker.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	mismatches  *prometheus.CounterVec
	snapshots   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job collectors on registerer, or once on the
// default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Run times one execution of a job.
type Run struct {
	metrics *Metrics
	job     string
	started time.Time
}

// Start begins timing a run of job. A nil Metrics yields a no-op Run.
func (m *Metrics) Start(job string) *Run {
	return &Run{metrics: m, job: job, started: time.Now()}
}

// Finish records the outcome of the run and returns err unchanged, so it can
// sit in a deferred assignment to a named result.
func (r *Run) Finish(err error) error {
	if r == nil || r.metrics == nil {
		return err
	}
	m := r.metrics
	outcome := Outcome(err)
	m.runs.WithLabelValues(r.job, outcome).Inc()
	m.duration.WithLabelValues(r.job).Observe(time.Since(r.started).Seconds())
	if err != nil {
		m.failures.WithLabelValues(r.job).Inc()
		return err
	}
	m.lastSuccess.WithLabelValues(r.job).SetToCurrentTime()
	return nil
}

// Outcome classifies a handler result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeDropped
	default:
		return OutcomeFailure
	}
}

// AddMismatches counts ledger keys at a location that failed a reconciliation
// check of the given kind.
func (m *Metrics) AddMismatches(kind string, locationID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mismatches.WithLabelValues(kind, strconv.FormatInt(locationID, 10)).Add(float64(count))
}

// AddSnapshots counts valuation snapshots written for a location.
func (m *Metrics) AddSnapshots(locationID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.snapshots.WithLabelValues(strconv.FormatInt(locationID, 10)).Add(float64(count))
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_jobs_total",
			Help: "Job runs by task type and outcome.",
		}, []string{"job", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_jobs_failures_total",
			Help: "Job runs that returned an error.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_job_duration_seconds",
			Help:    "Job run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockledger_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_ledger_mismatches_total",
			Help: "Stock keys whose balance or movement chain failed reconciliation.",
		}, []string{"kind", "location"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_valuation_snapshots_total",
			Help: "Valuation snapshots written per location.",
		}, []string{"location"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.lastSuccess, m.mismatches, m.snapshots)
	return m
}
