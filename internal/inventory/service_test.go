package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	keyA = Key{ProductID: 1, LocationID: 10}
	keyB = Key{ProductID: 1, LocationID: 20}
)

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(repo, nil, nil, nil, ServiceConfig{Clock: func() time.Time { return clock }})
	return svc, repo
}

// seed opens key and receives qty at cost.
func seed(t *testing.T, svc *Service, key Key, qty, cost string) {
	t.Helper()
	_, err := svc.OpenBalance(context.Background(), key)
	require.NoError(t, err)
	if qty == "0" {
		return
	}
	_, err = svc.ApplyMovement(context.Background(), MovementInput{
		Key:         key,
		Type:        MovementIn,
		Quantity:    d(qty),
		UnitCost:    dp(cost),
		Reference:   Reference{Type: ReferenceManual},
		PerformedBy: "seed",
	})
	require.NoError(t, err)
}

func purchase(key Key, qty, cost, ref string) MovementInput {
	return MovementInput{
		Key:         key,
		Type:        MovementPurchase,
		Quantity:    d(qty),
		UnitCost:    dp(cost),
		Reference:   Reference{Type: ReferencePurchaseOrder, ID: ref, Number: "PO-" + ref},
		PerformedBy: "receiver",
	}
}

func sale(key Key, qty, ref string) MovementInput {
	return MovementInput{
		Key:         key,
		Type:        MovementSale,
		Quantity:    d(qty),
		Reference:   Reference{Type: ReferenceSale, ID: ref},
		PerformedBy: "cashier",
	}
}

func TestPurchaseRecomputesMovingAverage(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "100", "10")

	res, err := svc.ApplyMovement(ctx, purchase(keyA, "50", "16", "po-1-line-1"))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	requireDecimal(t, "150", res.Balance.Quantity)
	requireDecimal(t, "12", res.Balance.AverageCost)
	requireDecimal(t, "100", res.Movement.BalanceBefore)
	requireDecimal(t, "150", res.Movement.BalanceAfter)
	requireDecimal(t, "50", res.Movement.Quantity)
	require.Equal(t, CostApplied, res.Movement.CostStatus)
	requireDecimal(t, "16", *res.Movement.UnitCost)

	stored := repo.balance(keyA)
	requireDecimal(t, "150", stored.Quantity)
	requireDecimal(t, "12", stored.AverageCost)
	require.NotNil(t, stored.LastMovementAt)
}

func TestSaleDrainsBalanceAndKeepsAverage(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "20", "7.5")

	res, err := svc.ApplyMovement(context.Background(), sale(keyA, "20", "so-1"))
	require.NoError(t, err)
	requireDecimal(t, "0", res.Balance.Quantity)
	requireDecimal(t, "7.5", res.Balance.AverageCost)
	requireDecimal(t, "-20", res.Movement.Quantity)
	require.Equal(t, CostNotApplicable, res.Movement.CostStatus)
	require.Nil(t, res.Movement.UnitCost)
}

func TestInsufficientStockLeavesLedgerUntouched(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "5", "3")
	before := repo.movementsFor(keyA)

	_, err := svc.ApplyMovement(context.Background(), sale(keyA, "10", "so-2"))
	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	requireDecimal(t, "5", insufficient.Available)
	requireDecimal(t, "10", insufficient.Requested)
	require.Equal(t, keyA, insufficient.Key)

	requireDecimal(t, "5", repo.balance(keyA).Quantity)
	require.Equal(t, before, repo.movementsFor(keyA))
}

func TestMovementOnUninitializedKeyIsNotFound(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	for _, input := range []MovementInput{
		purchase(keyA, "1", "1", "po-x"),
		sale(keyA, "1", "so-x"),
		{Key: keyA, Type: MovementAdjustment, Quantity: d("2"), Reference: Reference{Type: ReferenceManual}, PerformedBy: "ops"},
	} {
		_, err := svc.ApplyMovement(ctx, input)
		require.ErrorIs(t, err, ErrNotFound, "type %s", input.Type)
	}
	_, ok := repo.balances[keyA]
	require.False(t, ok, "balance row must not be auto-created")
	require.Empty(t, repo.movements)
}

func TestNegativeAdjustmentKeepsAverage(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "10", "4.25")

	res, err := svc.ApplyMovement(context.Background(), MovementInput{
		Key:         keyA,
		Type:        MovementAdjustment,
		Quantity:    d("-3"),
		Reference:   Reference{Type: ReferenceManual, ID: "count-7"},
		Reason:      ReasonCountCorrection,
		PerformedBy: "auditor",
	})
	require.NoError(t, err)
	requireDecimal(t, "7", res.Balance.Quantity)
	requireDecimal(t, "4.25", res.Balance.AverageCost)
	require.Equal(t, CostNotApplicable, res.Movement.CostStatus)
	require.NotNil(t, res.Movement.Reason)
	require.Equal(t, string(ReasonCountCorrection), *res.Movement.Reason)
}

func TestPositiveAdjustmentNeverTouchesAverage(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "10", "4")

	res, err := svc.ApplyMovement(context.Background(), MovementInput{
		Key:         keyA,
		Type:        MovementAdjustment,
		Quantity:    d("5"),
		Reference:   Reference{Type: ReferenceManual},
		PerformedBy: "auditor",
	})
	require.NoError(t, err)
	requireDecimal(t, "15", res.Balance.Quantity)
	requireDecimal(t, "4", res.Balance.AverageCost)
}

func TestReplayedReferenceAppliesOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "100", "10")

	first, err := svc.ApplyMovement(ctx, purchase(keyA, "50", "16", "po-9-line-1"))
	require.NoError(t, err)
	second, err := svc.ApplyMovement(ctx, purchase(keyA, "50", "16", "po-9-line-1"))
	require.NoError(t, err)

	require.False(t, first.Replayed)
	require.True(t, second.Replayed)
	require.Equal(t, first.Movement, second.Movement)
	requireDecimal(t, first.Balance.Quantity.String(), second.Balance.Quantity)
	requireDecimal(t, first.Balance.AverageCost.String(), second.Balance.AverageCost)

	refs, err := svc.MovementsByReference(ctx, ReferencePurchaseOrder, "po-9-line-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	requireDecimal(t, "150", repo.balance(keyA).Quantity)
}

func TestReplayAfterLaterMovementsReturnsOriginalSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "10", "2")

	first, err := svc.ApplyMovement(ctx, sale(keyA, "4", "so-77"))
	require.NoError(t, err)
	_, err = svc.ApplyMovement(ctx, sale(keyA, "1", "so-78"))
	require.NoError(t, err)

	replay, err := svc.ApplyMovement(ctx, sale(keyA, "4", "so-77"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	requireDecimal(t, "6", replay.Balance.Quantity)
	require.Equal(t, first.Movement.ID, replay.Movement.ID)
}

func TestSameReferenceOnDifferentKeysIsNotAReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "0", "0")
	seed(t, svc, keyB, "0", "0")

	a, err := svc.ApplyMovement(ctx, purchase(keyA, "1", "5", "po-shared"))
	require.NoError(t, err)
	b, err := svc.ApplyMovement(ctx, purchase(keyB, "1", "5", "po-shared"))
	require.NoError(t, err)
	require.False(t, a.Replayed)
	require.False(t, b.Replayed)
	require.NotEqual(t, a.Movement.ID, b.Movement.ID)
}

func TestInboundWithoutCostKeepsAverage(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "10", "8")

	in := purchase(keyA, "10", "0", "po-no-price")
	in.UnitCost = nil
	res, err := svc.ApplyMovement(context.Background(), in)
	require.NoError(t, err)
	requireDecimal(t, "20", res.Balance.Quantity)
	requireDecimal(t, "8", res.Balance.AverageCost)
	require.Equal(t, CostPending, res.Movement.CostStatus)
	require.Nil(t, res.Movement.UnitCost)
}

func TestZeroCostInboundIsApplied(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "10", "8")

	res, err := svc.ApplyMovement(context.Background(), purchase(keyA, "10", "0", "po-free"))
	require.NoError(t, err)
	requireDecimal(t, "4", res.Balance.AverageCost)
	require.Equal(t, CostApplied, res.Movement.CostStatus)
}

func TestFirstReceiptAfterDrainTakesIncomingCost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "5", "3")
	_, err := svc.ApplyMovement(ctx, sale(keyA, "5", "so-drain"))
	require.NoError(t, err)

	res, err := svc.ApplyMovement(ctx, purchase(keyA, "2", "9.5", "po-refill"))
	require.NoError(t, err)
	requireDecimal(t, "9.5", res.Balance.AverageCost)
}

func TestUnknownMovementTypeIsRejected(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "10", "1")

	_, err := svc.ApplyMovement(context.Background(), MovementInput{
		Key:         keyA,
		Type:        MovementType("shrinkage"),
		Quantity:    d("1"),
		Reference:   Reference{Type: ReferenceManual},
		PerformedBy: "ops",
	})
	require.ErrorIs(t, err, ErrInvalidMovementType)
	requireDecimal(t, "10", repo.balance(keyA).Quantity)
}

func TestValidationNamesOffendingField(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "10", "1")
	base := func() MovementInput { return sale(keyA, "1", "so-v") }

	cases := []struct {
		name  string
		edit  func(*MovementInput)
		field string
	}{
		{"zero product", func(in *MovementInput) { in.Key.ProductID = 0 }, "product_id"},
		{"negative location", func(in *MovementInput) { in.Key.LocationID = -1 }, "location_id"},
		{"missing type", func(in *MovementInput) { in.Type = "" }, "movement_type"},
		{"zero sale quantity", func(in *MovementInput) { in.Quantity = d("0") }, "quantity"},
		{"negative sale quantity", func(in *MovementInput) { in.Quantity = d("-2") }, "quantity"},
		{"too precise quantity", func(in *MovementInput) { in.Quantity = d("1.00001") }, "quantity"},
		{"cost on sale", func(in *MovementInput) { in.UnitCost = dp("3") }, "unit_cost"},
		{"reason on sale", func(in *MovementInput) { in.Reason = ReasonDamage }, "reason"},
		{"missing reference type", func(in *MovementInput) { in.Reference.Type = " " }, "reference_type"},
		{"missing actor", func(in *MovementInput) { in.PerformedBy = "" }, "performed_by"},
		{"zero adjustment", func(in *MovementInput) { in.Type = MovementAdjustment; in.Quantity = d("0") }, "quantity"},
		{"unknown reason", func(in *MovementInput) { in.Type = MovementAdjustment; in.Reason = "theft" }, "reason"},
		{"negative cost", func(in *MovementInput) { in.Type = MovementPurchase; in.UnitCost = dp("-1") }, "unit_cost"},
		{"too precise cost", func(in *MovementInput) { in.Type = MovementPurchase; in.UnitCost = dp("1.0000001") }, "unit_cost"},
		{"quantity past column", func(in *MovementInput) { in.Type = MovementIn; in.Quantity = d("100000000000000") }, "quantity"},
		{"negative adjustment past column", func(in *MovementInput) { in.Type = MovementAdjustment; in.Quantity = d("-100000000000000") }, "quantity"},
		{"cost past column", func(in *MovementInput) { in.Type = MovementPurchase; in.UnitCost = dp("100000000000000.5") }, "unit_cost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base()
			tc.edit(&in)
			_, err := svc.ApplyMovement(context.Background(), in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestLargestQuantityFitsButBalanceOverflowIsRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "99999999999999.9999", "1")
	requireDecimal(t, "99999999999999.9999", repo.balance(keyA).Quantity)
	before := repo.movementsFor(keyA)

	in := purchase(keyA, "1", "1", "po-overflow")
	_, err := svc.ApplyMovement(ctx, in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "quantity", verr.Field)
	require.Equal(t, before, repo.movementsFor(keyA))
}

func TestLedgerMatchesBalanceOverRandomSequence(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "0", "0")
	rng := rand.New(rand.NewSource(42))
	types := MovementTypes()

	for i := 0; i < 400; i++ {
		mt := types[rng.Intn(len(types))]
		qty := d(fmt.Sprintf("%d.%02d", rng.Intn(20), rng.Intn(100)))
		in := MovementInput{
			Key:         keyA,
			Type:        mt,
			Quantity:    qty,
			Reference:   Reference{Type: ReferenceManual, ID: fmt.Sprintf("r-%d", rng.Intn(300))},
			PerformedBy: "fuzz",
		}
		if mt == MovementAdjustment && rng.Intn(2) == 0 {
			in.Quantity = qty.Neg()
		}
		if c, _ := Classify(mt); c.AffectsCost && rng.Intn(4) > 0 {
			in.UnitCost = dp(fmt.Sprintf("%d.%03d", rng.Intn(50), rng.Intn(1000)))
		}
		_, err := svc.ApplyMovement(ctx, in)
		if err != nil {
			require.True(t,
				errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrValidation),
				"unexpected error %v", err)
		}
	}

	movements := repo.movementsFor(keyA)
	require.NotEmpty(t, movements)
	sum := d("0")
	prevAfter := d("0")
	prevAvg := d("0")
	for _, m := range movements {
		require.False(t, m.Quantity.IsZero())
		requireDecimal(t, prevAfter.String(), m.BalanceBefore, "chain broken at seq %d", m.Seq)
		requireDecimal(t, m.BalanceBefore.Add(m.Quantity).String(), m.BalanceAfter)
		require.False(t, m.BalanceAfter.IsNegative())
		if m.CostStatus != CostApplied {
			requireDecimal(t, prevAvg.String(), m.AverageCostAfter, "average changed without cost at seq %d", m.Seq)
		}
		sum = sum.Add(m.Quantity)
		prevAfter = m.BalanceAfter
		prevAvg = m.AverageCostAfter
	}
	balance := repo.balance(keyA)
	requireDecimal(t, sum.String(), balance.Quantity)
	requireDecimal(t, prevAvg.String(), balance.AverageCost)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "30", "2")

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, short := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyMovement(context.Background(), sale(keyA, "1", fmt.Sprintf("so-c-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 30, succeeded)
	require.Equal(t, 20, short)
	requireDecimal(t, "0", repo.balance(keyA).Quantity)

	seen := make(map[string]bool)
	for _, m := range repo.movementsFor(keyA)[1:] {
		before := m.BalanceBefore.String()
		require.False(t, seen[before], "two movements read balance %s", before)
		seen[before] = true
	}
}

func TestConcurrentReplaysApplyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "0", "0")

	var wg sync.WaitGroup
	results := make([]MovementResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ApplyMovement(context.Background(), purchase(keyA, "5", "2", "po-retry"))
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if !res.Replayed {
			applied++
		}
		require.Equal(t, results[0].Movement.ID, res.Movement.ID)
	}
	require.Equal(t, 1, applied)
	requireDecimal(t, "5", repo.balance(keyA).Quantity)
}

func TestUniqueViolationReplaysConcurrentWinner(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "10", "2")

	var winner StockMovement
	inserts := 0
	repo.insertHook = func(m StockMovement) error {
		inserts++
		winner = m
		winner.ID = uuid.New()
		repo.interleaved = func(r *memoryRepo) {
			r.seq++
			winner.Seq = r.seq
			r.movements = append(r.movements, winner)
			b := r.balances[keyA]
			b.Quantity = winner.BalanceAfter
			r.balances[keyA] = b
		}
		return fmt.Errorf("%w: sale/so-race", ErrDuplicateReference)
	}

	res, err := svc.ApplyMovement(ctx, sale(keyA, "3", "so-race"))
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, winner.ID, res.Movement.ID)
	requireDecimal(t, "7", res.Balance.Quantity)
	require.Equal(t, 1, inserts, "second pass replays without inserting")

	refs, err := svc.MovementsByReference(ctx, ReferenceSale, "so-race")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	requireDecimal(t, "7", repo.balance(keyA).Quantity)
}

func TestUniqueViolationRetriesOnlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "10", "2")

	inserts := 0
	repo.insertHook = func(StockMovement) error {
		inserts++
		return ErrDuplicateReference
	}

	_, err := svc.ApplyMovement(context.Background(), sale(keyA, "3", "so-stuck"))
	require.ErrorIs(t, err, ErrDuplicateReference)
	require.Equal(t, 2, inserts)
	requireDecimal(t, "10", repo.balance(keyA).Quantity)
}

func TestFailedWriteRollsBackWholeBatch(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "10", "1")
	seed(t, svc, keyB, "10", "1")
	movementsBefore := len(repo.movements)
	auditsBefore := len(repo.audits)
	repo.failUpdate[keyB] = errors.New("disk full")

	_, err := svc.ApplyBatch(context.Background(), []MovementInput{
		sale(keyA, "4", "so-b-1"),
		sale(keyB, "4", "so-b-2"),
	})
	require.Error(t, err)
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	require.Equal(t, 1, lineErr.Index)

	requireDecimal(t, "10", repo.balance(keyA).Quantity)
	requireDecimal(t, "10", repo.balance(keyB).Quantity)
	require.Len(t, repo.movements, movementsBefore)
	require.Len(t, repo.audits, auditsBefore)
}

func TestBatchLocksKeysInAscendingOrder(t *testing.T) {
	svc, repo := newTestService(t)
	k1 := Key{ProductID: 2, LocationID: 5}
	k2 := Key{ProductID: 1, LocationID: 9}
	k3 := Key{ProductID: 1, LocationID: 3}
	for _, k := range []Key{k1, k2, k3} {
		seed(t, svc, k, "10", "1")
	}

	_, err := svc.ApplyBatch(context.Background(), []MovementInput{
		sale(k1, "1", "x1"), sale(k2, "1", "x2"), sale(k3, "1", "x3"), sale(k1, "1", "x4"),
	})
	require.NoError(t, err)
	require.Equal(t, []Key{k3, k2, k1}, repo.lockOrder)
}

func TestTransferMovesStockInOneTransaction(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seed(t, svc, keyA, "20", "5")
	seed(t, svc, keyB, "0", "0")

	res, err := svc.Transfer(ctx, TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 20, Quantity: d("8"), ReferenceID: "trf-1", PerformedBy: "ops"})
	require.NoError(t, err)
	requireDecimal(t, "12", res.Out.Balance.Quantity)
	requireDecimal(t, "8", res.In.Balance.Quantity)
	require.Equal(t, MovementAdjustment, res.Out.Movement.Type)
	require.Equal(t, ReferenceTransfer, res.In.Movement.ReferenceType)
	require.Equal(t, string(ReasonTransfer), *res.In.Movement.Reason)

	replay, err := svc.Transfer(ctx, TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 20, Quantity: d("8"), ReferenceID: "trf-1", PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, replay.Replayed())
	requireDecimal(t, "12", repo.balance(keyA).Quantity)

	_, err = svc.Transfer(ctx, TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 20, Quantity: d("50"), ReferenceID: "trf-2", PerformedBy: "ops"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	requireDecimal(t, "12", repo.balance(keyA).Quantity)
	requireDecimal(t, "8", repo.balance(keyB).Quantity)
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Transfer(context.Background(), TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 10, Quantity: d("1"), PerformedBy: "ops"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "to_location_id", verr.Field)

	_, err = svc.Transfer(context.Background(), TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 20, Quantity: d("-1"), PerformedBy: "ops"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "quantity", verr.Field)
}

func TestTransferToUninitializedLocationRollsBackSource(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "20", "5")

	_, err := svc.Transfer(context.Background(), TransferInput{ProductID: 1, FromLocation: 10, ToLocation: 99, Quantity: d("5"), PerformedBy: "ops"})
	require.ErrorIs(t, err, ErrNotFound)
	requireDecimal(t, "20", repo.balance(keyA).Quantity)
}

func TestTransientStorageErrorIsRetryable(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "1", "1")
	repo.txErr = fmt.Errorf("%w: lock timeout", ErrTransientStorage)

	_, err := svc.ApplyMovement(context.Background(), sale(keyA, "1", "so-t"))
	require.True(t, IsRetryable(err))

	repo.txErr = nil
	_, err = svc.ApplyMovement(context.Background(), sale(keyA, "5", "so-t2"))
	require.False(t, IsRetryable(err))
}

func TestCanceledContextDoesNotCommit(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "3", "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ApplyMovement(ctx, sale(keyA, "1", "so-cancel"))
	require.ErrorIs(t, err, context.Canceled)
	requireDecimal(t, "3", repo.balance(keyA).Quantity)
}

func TestAuditRecordedWithMovement(t *testing.T) {
	svc, repo := newTestService(t)
	seed(t, svc, keyA, "3", "1")

	res, err := svc.ApplyMovement(context.Background(), sale(keyA, "1", "so-audit"))
	require.NoError(t, err)
	last := repo.audits[len(repo.audits)-1]
	require.Equal(t, "inventory:sale", last.Action)
	require.Equal(t, res.Movement.ID.String(), last.EntityID)
	require.Equal(t, "cashier", last.Actor)
}

func TestListMovementsValidatesFilter(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, keyA, "3", "1")
	ctx := context.Background()

	_, err := svc.ListMovements(ctx, MovementFilter{Type: "bogus"})
	require.ErrorIs(t, err, ErrInvalidMovementType)

	now := time.Now()
	_, err = svc.ListMovements(ctx, MovementFilter{From: now, To: now.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrValidation)

	list, err := svc.ListMovements(ctx, MovementFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMovementsByReferenceRequiresBothParts(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.MovementsByReference(context.Background(), "", "x")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.MovementsByReference(context.Background(), "sale", "")
	require.ErrorIs(t, err, ErrValidation)
}
