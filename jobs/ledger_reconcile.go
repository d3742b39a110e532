package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// Mismatch kinds reported by reconciliation.
const (
	MismatchBalanceSum  = "balance_sum"
	MismatchChain       = "chain"
	MismatchAverageCost = "average_cost"
)

// Mismatch is one stock key that disagrees with its ledger.
type Mismatch struct {
	Kind       string          `json:"kind"`
	ProductID  int64           `json:"product_id" db:"product_id"`
	LocationID int64           `json:"location_id" db:"location_id"`
	Seq        int64           `json:"seq,omitempty" db:"seq"`
	Expected   decimal.Decimal `json:"expected" db:"expected"`
	Actual     decimal.Decimal `json:"actual" db:"actual"`
}

// ReconcileReport summarises one reconciliation run.
type ReconcileReport struct {
	Locations  int
	Mismatches []Mismatch
}

// ReconcileStore runs the read-only ledger checks.
type ReconcileStore interface {
	Locations(ctx context.Context) ([]int64, error)
	BalanceMismatches(ctx context.Context, locationID int64) ([]Mismatch, error)
	ChainBreaks(ctx context.Context, locationID int64) ([]Mismatch, error)
	AverageCostMismatches(ctx context.Context, locationID int64) ([]Mismatch, error)
}

// LedgerReconcileJob verifies that balances equal the sum of their movements
// and that every before/after chain is unbroken. It never writes.
type LedgerReconcileJob struct {
	Store       ReconcileStore
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
	clock       func() time.Time
}

// NewLedgerReconcileJob initialises the reconciliation handler.
func NewLedgerReconcileJob(store ReconcileStore, logger *slog.Logger, metrics *jobmetrics.Metrics, parallelism int) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
		Parallelism: parallelism,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconciliation task.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload LedgerReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run checks the requested locations concurrently and reports every mismatch.
func (j *LedgerReconcileJob) Run(ctx context.Context, payload LedgerReconcilePayload) (report ReconcileReport, err error) {
	if j.Store == nil {
		return ReconcileReport{}, errors.New("ledger reconcile: store not configured")
	}
	start := j.now()
	run := j.metrics().Start(TaskLedgerReconcile)
	defer func() {
		err = run.Finish(err)
	}()

	logger := j.logger().With(slog.Int64("location_id", payload.LocationID))
	if payload.RequestedBy != "" {
		logger = logger.With(slog.String("requested_by", payload.RequestedBy))
	}
	logger.Info("starting ledger reconciliation")

	locations := []int64{payload.LocationID}
	if payload.LocationID == 0 {
		locations, err = j.Store.Locations(ctx)
		if err != nil {
			logger.Error("list locations", slog.Any("error", err))
			return ReconcileReport{}, err
		}
	}

	var mu sync.Mutex
	var found []Mismatch
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.parallelism())
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			mismatches, err := j.checkLocation(gctx, loc)
			if err != nil {
				return fmt.Errorf("location %d: %w", loc, err)
			}
			mu.Lock()
			found = append(found, mismatches...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("ledger reconciliation failed", slog.Any("error", err))
		return ReconcileReport{}, err
	}

	sort.Slice(found, func(a, b int) bool {
		if found[a].LocationID != found[b].LocationID {
			return found[a].LocationID < found[b].LocationID
		}
		if found[a].ProductID != found[b].ProductID {
			return found[a].ProductID < found[b].ProductID
		}
		return found[a].Seq < found[b].Seq
	})
	counts := make(map[string]map[int64]int)
	for _, m := range found {
		logger.Error("ledger mismatch",
			slog.String("kind", m.Kind),
			slog.Int64("product_id", m.ProductID),
			slog.Int64("location_id", m.LocationID),
			slog.Int64("seq", m.Seq),
			slog.String("expected", m.Expected.String()),
			slog.String("actual", m.Actual.String()),
		)
		if counts[m.Kind] == nil {
			counts[m.Kind] = make(map[int64]int)
		}
		counts[m.Kind][m.LocationID]++
	}
	for kind, perLocation := range counts {
		for loc, n := range perLocation {
			j.metrics().AddMismatches(kind, loc, n)
		}
	}

	logger.Info("completed ledger reconciliation",
		slog.Int("locations", len(locations)),
		slog.Int("mismatches", len(found)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return ReconcileReport{Locations: len(locations), Mismatches: found}, nil
}

func (j *LedgerReconcileJob) checkLocation(ctx context.Context, locationID int64) ([]Mismatch, error) {
	checks := []struct {
		kind string
		run  func(context.Context, int64) ([]Mismatch, error)
	}{
		{MismatchBalanceSum, j.Store.BalanceMismatches},
		{MismatchChain, j.Store.ChainBreaks},
		{MismatchAverageCost, j.Store.AverageCostMismatches},
	}
	var out []Mismatch
	for _, check := range checks {
		rows, err := check.run(ctx, locationID)
		if err != nil {
			return nil, fmt.Errorf("%s check: %w", check.kind, err)
		}
		for _, row := range rows {
			row.Kind = check.kind
			out = append(out, row)
		}
	}
	return out, nil
}

func (j *LedgerReconcileJob) parallelism() int {
	if j.Parallelism > 0 {
		return j.Parallelism
	}
	return 4
}

func (j *LedgerReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *LedgerReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// PgReconcileStore runs the checks against PostgreSQL.
type PgReconcileStore struct {
	pool *pgxpool.Pool
}

// NewPgReconcileStore constructs the store.
func NewPgReconcileStore(pool *pgxpool.Pool) *PgReconcileStore {
	return &PgReconcileStore{pool: pool}
}

// Locations lists every location that holds a balance row.
func (s *PgReconcileStore) Locations(ctx context.Context) ([]int64, error) {
	var locations []int64
	err := pgxscan.Select(ctx, s.pool, &locations, `SELECT DISTINCT location_id FROM stock_balances ORDER BY location_id`)
	return locations, err
}

// BalanceMismatches returns keys whose quantity differs from the movement sum.
func (s *PgReconcileStore) BalanceMismatches(ctx context.Context, locationID int64) ([]Mismatch, error) {
	var rows []Mismatch
	err := pgxscan.Select(ctx, s.pool, &rows, `
SELECT b.product_id, b.location_id, 0::bigint AS seq,
       COALESCE(SUM(m.quantity), 0) AS expected, b.quantity AS actual
FROM stock_balances b
LEFT JOIN stock_movements m ON m.product_id = b.product_id AND m.location_id = b.location_id
WHERE b.location_id = $1
GROUP BY b.product_id, b.location_id, b.quantity
HAVING b.quantity <> COALESCE(SUM(m.quantity), 0)`, locationID)
	return rows, err
}

// ChainBreaks returns movements whose balance_before is not the previous balance_after.
func (s *PgReconcileStore) ChainBreaks(ctx context.Context, locationID int64) ([]Mismatch, error) {
	var rows []Mismatch
	err := pgxscan.Select(ctx, s.pool, &rows, `
SELECT product_id, location_id, seq, expected, actual FROM (
    SELECT product_id, location_id, seq, balance_before AS actual,
           COALESCE(LAG(balance_after) OVER (PARTITION BY product_id, location_id ORDER BY seq), 0) AS expected
    FROM stock_movements
    WHERE location_id = $1
) chain
WHERE actual <> expected
ORDER BY product_id, seq`, locationID)
	return rows, err
}

// AverageCostMismatches returns keys whose average cost differs from the
// average recorded on their latest movement.
func (s *PgReconcileStore) AverageCostMismatches(ctx context.Context, locationID int64) ([]Mismatch, error) {
	var rows []Mismatch
	err := pgxscan.Select(ctx, s.pool, &rows, `
SELECT b.product_id, b.location_id, last.seq, last.average_cost_after AS expected, b.average_cost AS actual
FROM stock_balances b
JOIN LATERAL (
    SELECT seq, average_cost_after FROM stock_movements m
    WHERE m.product_id = b.product_id AND m.location_id = b.location_id
    ORDER BY seq DESC LIMIT 1
) last ON TRUE
WHERE b.location_id = $1 AND b.average_cost <> last.average_cost_after`, locationID)
	return rows, err
}
