package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	balancesTable  = "stock_balances"
	movementsTable = "stock_movements"

	referenceConstraint = "stock_movements_reference_key"
)

var balanceColumns = []string{
	"product_id", "location_id", "quantity", "average_cost", "last_movement_at", "created_at",
}

var movementColumns = []string{
	"id", "seq", "product_id", "location_id", "movement_type", "quantity", "unit_cost",
	"cost_status", "average_cost_after", "reference_type", "reference_id", "reference_number",
	"reason", "balance_before", "balance_after", "performed_by", "occurred_at", "notes",
}

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	builder     sq.StatementBuilderType
	lockTimeout time.Duration
}

// RepositoryConfig tunes transactional behaviour.
type RepositoryConfig struct {
	// LockTimeout bounds the wait for a balance row lock.
	LockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig) *Repository {
	return &Repository{
		pool:        pool,
		builder:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		lockTimeout: cfg.LockTimeout,
	}
}

type txRepository struct {
	tx      pgx.Tx
	builder sq.StatementBuilderType
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken with FOR UPDATE make concurrent writers on one key wait and then see
// the committed balance.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, builder: r.builder})
	})
	return storageError(err)
}

// OpenBalance inserts the zero row for key when missing and returns the row.
func (r *Repository) OpenBalance(ctx context.Context, key Key) (StockBalance, error) {
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_balances (product_id, location_id, quantity, average_cost)
VALUES ($1, $2, 0, 0)
ON CONFLICT (product_id, location_id) DO NOTHING`, key.ProductID, key.LocationID)
	if err != nil {
		return StockBalance{}, storageError(fmt.Errorf("open balance: %w", err))
	}
	return r.GetBalance(ctx, key)
}

// GetBalance reads a balance without locking.
func (r *Repository) GetBalance(ctx context.Context, key Key) (StockBalance, error) {
	sql, args, err := r.builder.Select(balanceColumns...).
		From(balancesTable).
		Where(sq.Eq{"product_id": key.ProductID, "location_id": key.LocationID}).
		ToSql()
	if err != nil {
		return StockBalance{}, fmt.Errorf("build balance query: %w", err)
	}
	var balance StockBalance
	if err := pgxscan.Get(ctx, r.pool, &balance, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return StockBalance{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return StockBalance{}, storageError(fmt.Errorf("get balance: %w", err))
	}
	return balance, nil
}

// ListBalances lists balances ordered by key.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]StockBalance, error) {
	q := r.builder.Select(balanceColumns...).From(balancesTable)
	if filter.ProductID > 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.LocationID > 0 {
		q = q.Where(sq.Eq{"location_id": filter.LocationID})
	}
	if filter.NonZero {
		q = q.Where(sq.NotEq{"quantity": 0})
	}
	sql, args, err := q.OrderBy("product_id", "location_id").Limit(uint64(normalizeLimit(filter.Limit))).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build balances query: %w", err)
	}
	balances := []StockBalance{}
	if err := pgxscan.Select(ctx, r.pool, &balances, sql, args...); err != nil {
		return nil, storageError(fmt.Errorf("list balances: %w", err))
	}
	return balances, nil
}

// ListMovements lists ledger rows in commit order.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable)
	if filter.ProductID > 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.LocationID > 0 {
		q = q.Where(sq.Eq{"location_id": filter.LocationID})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"movement_type": string(filter.Type)})
	}
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"occurred_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.LtOrEq{"occurred_at": filter.To})
	}
	if filter.AfterSeq > 0 {
		q = q.Where(sq.Gt{"seq": filter.AfterSeq})
	}
	sql, args, err := q.OrderBy("seq").Limit(uint64(normalizeLimit(filter.Limit))).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build movements query: %w", err)
	}
	movements := []StockMovement{}
	if err := pgxscan.Select(ctx, r.pool, &movements, sql, args...); err != nil {
		return nil, storageError(fmt.Errorf("list movements: %w", err))
	}
	return movements, nil
}

// MovementsByReference returns the movements bound to one business document.
func (r *Repository) MovementsByReference(ctx context.Context, refType, refID string) ([]StockMovement, error) {
	sql, args, err := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(sq.Eq{"reference_type": refType, "reference_id": refID}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reference query: %w", err)
	}
	movements := []StockMovement{}
	if err := pgxscan.Select(ctx, r.pool, &movements, sql, args...); err != nil {
		return nil, storageError(fmt.Errorf("movements by reference: %w", err))
	}
	return movements, nil
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, key Key) (StockBalance, error) {
	sql, args, err := r.builder.Select(balanceColumns...).
		From(balancesTable).
		Where(sq.Eq{"product_id": key.ProductID, "location_id": key.LocationID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return StockBalance{}, fmt.Errorf("build lock query: %w", err)
	}
	var balance StockBalance
	if err := pgxscan.Get(ctx, r.tx, &balance, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return StockBalance{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return StockBalance{}, fmt.Errorf("lock balance: %w", err)
	}
	return balance, nil
}

func (r *txRepository) FindMovementByReference(ctx context.Context, refType, refID string, key Key) (StockMovement, bool, error) {
	sql, args, err := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(sq.Eq{
			"reference_type": refType,
			"reference_id":   refID,
			"product_id":     key.ProductID,
			"location_id":    key.LocationID,
		}).
		Limit(1).
		ToSql()
	if err != nil {
		return StockMovement{}, false, fmt.Errorf("build reference lookup: %w", err)
	}
	var movement StockMovement
	if err := pgxscan.Get(ctx, r.tx, &movement, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return StockMovement{}, false, nil
		}
		return StockMovement{}, false, fmt.Errorf("reference lookup: %w", err)
	}
	return movement, true, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (
    id, product_id, location_id, movement_type, quantity, unit_cost, cost_status, average_cost_after,
    reference_type, reference_id, reference_number, reason, balance_before, balance_after,
    performed_by, occurred_at, notes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING seq`,
		m.ID, m.ProductID, m.LocationID, string(m.Type), m.Quantity, m.UnitCost, string(m.CostStatus), m.AverageCostAfter,
		m.ReferenceType, m.ReferenceID, m.ReferenceNumber, m.Reason, m.BalanceBefore, m.BalanceAfter,
		m.PerformedBy, m.OccurredAt, m.Notes,
	)
	if err := row.Scan(&m.Seq); err != nil {
		if db.IsUniqueViolation(err, referenceConstraint) {
			return StockMovement{}, fmt.Errorf("%w: %s/%s", ErrDuplicateReference, m.ReferenceType, derefString(m.ReferenceID))
		}
		return StockMovement{}, fmt.Errorf("insert movement: %w", err)
	}
	return m, nil
}

func (r *txRepository) UpdateBalance(ctx context.Context, b StockBalance) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_balances
SET quantity = $3, average_cost = $4, last_movement_at = $5
WHERE product_id = $1 AND location_id = $2`,
		b.ProductID, b.LocationID, b.Quantity, b.AverageCost, b.LastMovementAt)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrNotFound, b.Key())
	}
	return nil
}

func (r *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if err := shared.RecordAudit(ctx, r.tx, log); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	if db.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	}
	return err
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
