package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// memoryRepo serializes transactions behind one mutex and restores a snapshot
// when the callback fails, which is what the ledger relies on from Postgres.
type memoryRepo struct {
	mu        sync.Mutex
	balances  map[Key]StockBalance
	movements []StockMovement
	audits    []shared.AuditLog
	seq       int64
	lockOrder []Key

	// failUpdate makes UpdateBalance fail for the key.
	failUpdate map[Key]error
	// txErr is returned by WithTx before running the callback.
	txErr error
	// insertHook runs before InsertMovement stores m; an error aborts the insert.
	insertHook func(m StockMovement) error
	// interleaved runs once after the next rollback, standing in for a
	// transaction that committed while ours was in flight.
	interleaved func(r *memoryRepo)
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[Key]StockBalance), failUpdate: make(map[Key]error)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txErr != nil {
		return r.txErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	balances := make(map[Key]StockBalance, len(r.balances))
	for k, v := range r.balances {
		balances[k] = v
	}
	movements := append([]StockMovement(nil), r.movements...)
	audits := append([]shared.AuditLog(nil), r.audits...)
	seq := r.seq
	r.lockOrder = nil

	err := fn(ctx, &memoryTx{repo: r})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.balances, r.movements, r.audits, r.seq = balances, movements, audits, seq
		if other := r.interleaved; other != nil {
			r.interleaved = nil
			other(r)
		}
		return err
	}
	return nil
}

func (r *memoryRepo) OpenBalance(ctx context.Context, key Key) (StockBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[key]; ok {
		return b, nil
	}
	b := StockBalance{ProductID: key.ProductID, LocationID: key.LocationID}
	r.balances[key] = b
	return b, nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, key Key) (StockBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[key]
	if !ok {
		return StockBalance{}, ErrNotFound
	}
	return b, nil
}

func (r *memoryRepo) ListBalances(ctx context.Context, filter BalanceFilter) ([]StockBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []StockBalance{}
	for _, b := range r.balances {
		if filter.ProductID > 0 && b.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID > 0 && b.LocationID != filter.LocationID {
			continue
		}
		if filter.NonZero && b.Quantity.IsZero() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []StockMovement{}
	for _, m := range r.movements {
		if filter.ProductID > 0 && m.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID > 0 && m.LocationID != filter.LocationID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if m.Seq <= filter.AfterSeq {
			continue
		}
		out = append(out, m)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) MovementsByReference(ctx context.Context, refType, refID string) ([]StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []StockMovement{}
	for _, m := range r.movements {
		if m.ReferenceType == refType && derefString(m.ReferenceID) == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) movementsFor(key Key) []StockMovement {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockMovement
	for _, m := range r.movements {
		if m.Key() == key {
			out = append(out, m)
		}
	}
	return out
}

func (r *memoryRepo) balance(key Key) StockBalance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[key]
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, key Key) (StockBalance, error) {
	tx.repo.lockOrder = append(tx.repo.lockOrder, key)
	b, ok := tx.repo.balances[key]
	if !ok {
		return StockBalance{}, ErrNotFound
	}
	return b, nil
}

func (tx *memoryTx) FindMovementByReference(ctx context.Context, refType, refID string, key Key) (StockMovement, bool, error) {
	for _, m := range tx.repo.movements {
		if m.ReferenceType == refType && derefString(m.ReferenceID) == refID && m.Key() == key {
			return m, true, nil
		}
	}
	return StockMovement{}, false, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error) {
	if hook := tx.repo.insertHook; hook != nil {
		if err := hook(m); err != nil {
			return StockMovement{}, err
		}
	}
	tx.repo.seq++
	m.Seq = tx.repo.seq
	tx.repo.movements = append(tx.repo.movements, m)
	return m, nil
}

func (tx *memoryTx) UpdateBalance(ctx context.Context, b StockBalance) error {
	if err := tx.repo.failUpdate[b.Key()]; err != nil {
		return err
	}
	if _, ok := tx.repo.balances[b.Key()]; !ok {
		return ErrNotFound
	}
	tx.repo.balances[b.Key()] = b
	return nil
}

func (tx *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if log.Action == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity_id")
	}
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}
