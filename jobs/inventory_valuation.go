package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// LocationValuation is the stock value held at one location.
type LocationValuation struct {
	LocationID    int64           `db:"location_id"`
	ProductCount  int             `db:"product_count"`
	TotalQuantity decimal.Decimal `db:"total_quantity"`
	TotalValue    decimal.Decimal `db:"total_value"`
}

// ValuationStore reads balances and persists snapshots.
type ValuationStore interface {
	Valuations(ctx context.Context) ([]LocationValuation, error)
	InsertSnapshots(ctx context.Context, takenAt time.Time, rows []LocationValuation) error
}

// InventoryValuationJob snapshots quantity times average cost per location.
type InventoryValuationJob struct {
	Store   ValuationStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewInventoryValuationJob initialises the valuation handler.
func NewInventoryValuationJob(store ValuationStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *InventoryValuationJob {
	return &InventoryValuationJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle writes one snapshot row per location.
func (j *InventoryValuationJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("inventory valuation: handler not configured")
	}
	var payload InventoryValuationPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("inventory valuation: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	run := j.metrics().Start(TaskInventoryValuation)
	defer func() {
		err = run.Finish(err)
	}()

	logger := j.logger()
	takenAt := j.now()
	rows, err := j.Store.Valuations(ctx)
	if err != nil {
		logger.Error("load valuations", slog.Any("error", err))
		return err
	}
	if len(rows) == 0 {
		logger.Info("no balances to value")
		return nil
	}
	if err := j.Store.InsertSnapshots(ctx, takenAt, rows); err != nil {
		logger.Error("insert valuation snapshots", slog.Any("error", err))
		return err
	}
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.TotalValue)
		j.metrics().AddSnapshots(row.LocationID, 1)
	}
	logger.Info("inventory valuation recorded",
		slog.Int("locations", len(rows)),
		slog.String("total_value", total.StringFixed(2)),
		slog.Time("taken_at", takenAt),
	)
	return nil
}

func (j *InventoryValuationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryValuation))
	}
	return slog.Default().With(slog.String("job", TaskInventoryValuation))
}

func (j *InventoryValuationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InventoryValuationJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// PgValuationStore is the PostgreSQL ValuationStore.
type PgValuationStore struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

// NewPgValuationStore constructs the store.
func NewPgValuationStore(pool *pgxpool.Pool) *PgValuationStore {
	return &PgValuationStore{pool: pool, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Valuations aggregates balances per location.
func (s *PgValuationStore) Valuations(ctx context.Context) ([]LocationValuation, error) {
	query, args, err := s.builder.
		Select(
			"location_id",
			"COUNT(*) FILTER (WHERE quantity > 0) AS product_count",
			"COALESCE(SUM(quantity), 0) AS total_quantity",
			"COALESCE(SUM(quantity * average_cost), 0) AS total_value",
		).
		From("stock_balances").
		GroupBy("location_id").
		OrderBy("location_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []LocationValuation
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertSnapshots stores all rows in one statement.
func (s *PgValuationStore) InsertSnapshots(ctx context.Context, takenAt time.Time, rows []LocationValuation) error {
	insert := s.builder.
		Insert("inventory_valuation_snapshots").
		Columns("location_id", "product_count", "total_quantity", "total_value", "taken_at")
	for _, row := range rows {
		insert = insert.Values(row.LocationID, row.ProductCount, row.TotalQuantity, row.TotalValue, takenAt)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}
