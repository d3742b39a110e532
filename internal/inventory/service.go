package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts the ledger store.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	OpenBalance(ctx context.Context, key Key) (StockBalance, error)
	GetBalance(ctx context.Context, key Key) (StockBalance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]StockBalance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)
	MovementsByReference(ctx context.Context, refType, refID string) ([]StockMovement, error)
}

// TxRepository exposes the operations available inside the atomic scope.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, key Key) (StockBalance, error)
	FindMovementByReference(ctx context.Context, refType, refID string, key Key) (StockMovement, bool, error)
	InsertMovement(ctx context.Context, movement StockMovement) (StockMovement, error)
	UpdateBalance(ctx context.Context, balance StockBalance) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// BalanceCache serves display reads of balances.
type BalanceCache interface {
	Fetch(ctx context.Context, key Key, loader func(context.Context) (StockBalance, error)) (StockBalance, error)
	Invalidate(ctx context.Context, keys ...Key) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Clock func() time.Time
}

// Service is the only write path to balances and movements.
type Service struct {
	repo    RepositoryPort
	cache   BalanceCache
	metrics *Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService builds Service. cache and metrics may be nil.
func NewService(repo RepositoryPort, cache BalanceCache, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, cache: cache, metrics: metrics, logger: logger, clock: clock}
}

// ApplyMovement records one movement and returns it with the resulting balance.
func (s *Service) ApplyMovement(ctx context.Context, input MovementInput) (MovementResult, error) {
	results, err := s.ApplyBatch(ctx, []MovementInput{input})
	if err != nil {
		var lineErr *LineError
		if errors.As(err, &lineErr) {
			return MovementResult{}, lineErr.Err
		}
		return MovementResult{}, err
	}
	return results[0], nil
}

// ApplyBatch applies movements in one transaction. Keys are locked up front in
// ascending order; any failure rolls back every line.
func (s *Service) ApplyBatch(ctx context.Context, inputs []MovementInput) ([]MovementResult, error) {
	if len(inputs) == 0 {
		return nil, invalid("lines", "at least one movement is required")
	}
	plans := make([]plannedMovement, len(inputs))
	for i, input := range inputs {
		plan, err := prepare(input)
		if err != nil {
			s.metrics.ObserveRejected(err)
			s.logger.Warn("movement rejected", slog.Int("line", i), slog.String("key", input.Key.String()), slog.Any("error", err))
			return nil, &LineError{Index: i, Key: input.Key, Err: err}
		}
		plans[i] = plan
	}

	start := time.Now()
	results, err := s.commit(ctx, plans)
	if errors.Is(err, ErrDuplicateReference) {
		// A concurrent writer won the unique index; the second pass replays its movement.
		results, err = s.commit(ctx, plans)
	}
	s.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		s.metrics.ObserveRejected(err)
		level := slog.LevelWarn
		if !isBusinessRejection(err) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "movement batch failed", slog.Int("lines", len(plans)), slog.Any("error", err))
		return nil, err
	}

	s.afterCommit(ctx, results)
	return results, nil
}

// Transfer moves stock between locations as two adjustment legs in one transaction.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.ProductID <= 0 {
		return TransferResult{}, invalid("product_id", "must be positive")
	}
	if input.FromLocation <= 0 {
		return TransferResult{}, invalid("from_location_id", "must be positive")
	}
	if input.ToLocation <= 0 {
		return TransferResult{}, invalid("to_location_id", "must be positive")
	}
	if input.FromLocation == input.ToLocation {
		return TransferResult{}, invalid("to_location_id", "must differ from source location")
	}
	if !input.Quantity.IsPositive() {
		return TransferResult{}, invalid("quantity", "must be greater than zero")
	}
	refID := strings.TrimSpace(input.ReferenceID)
	if refID == "" {
		refID = uuid.NewString()
	}
	ref := Reference{Type: ReferenceTransfer, ID: refID, Number: input.Number}
	legs := []MovementInput{
		{
			Key:         Key{ProductID: input.ProductID, LocationID: input.FromLocation},
			Type:        MovementAdjustment,
			Quantity:    input.Quantity.Neg(),
			Reference:   ref,
			Reason:      ReasonTransfer,
			PerformedBy: input.PerformedBy,
			Notes:       transferNote("to", input.ToLocation, input.Notes),
		},
		{
			Key:         Key{ProductID: input.ProductID, LocationID: input.ToLocation},
			Type:        MovementAdjustment,
			Quantity:    input.Quantity,
			Reference:   ref,
			Reason:      ReasonTransfer,
			PerformedBy: input.PerformedBy,
			Notes:       transferNote("from", input.FromLocation, input.Notes),
		},
	}
	results, err := s.ApplyBatch(ctx, legs)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Out: results[0], In: results[1]}, nil
}

// OpenBalance creates the zero balance row for a key if it does not exist yet.
// This is the onboarding step; ApplyMovement never creates rows.
func (s *Service) OpenBalance(ctx context.Context, key Key) (StockBalance, error) {
	if err := validateKey(key); err != nil {
		return StockBalance{}, err
	}
	balance, err := s.repo.OpenBalance(ctx, key)
	if err != nil {
		return StockBalance{}, err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.logger.Warn("balance cache invalidate", slog.String("key", key.String()), slog.Any("error", err))
		}
	}
	return balance, nil
}

// GetBalance returns the current balance for display. It must not feed a later write.
func (s *Service) GetBalance(ctx context.Context, key Key) (StockBalance, error) {
	if err := validateKey(key); err != nil {
		return StockBalance{}, err
	}
	if s.cache == nil {
		return s.repo.GetBalance(ctx, key)
	}
	return s.cache.Fetch(ctx, key, func(ctx context.Context) (StockBalance, error) {
		return s.repo.GetBalance(ctx, key)
	})
}

// ListBalances lists balances matching the filter.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]StockBalance, error) {
	filter.Limit = normalizeLimit(filter.Limit)
	return s.repo.ListBalances(ctx, filter)
}

// ListMovements lists ledger entries in commit order.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	if filter.Type != "" {
		if _, err := Classify(filter.Type); err != nil {
			return nil, err
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalid("to", "must not be before from")
	}
	filter.Limit = normalizeLimit(filter.Limit)
	return s.repo.ListMovements(ctx, filter)
}

// MovementsByReference returns every movement bound to a business document.
func (s *Service) MovementsByReference(ctx context.Context, refType, refID string) ([]StockMovement, error) {
	if strings.TrimSpace(refType) == "" {
		return nil, invalid("reference_type", "is required")
	}
	if strings.TrimSpace(refID) == "" {
		return nil, invalid("reference_id", "is required")
	}
	return s.repo.MovementsByReference(ctx, refType, refID)
}

type plannedMovement struct {
	input MovementInput
	class Classification
}

func (s *Service) commit(ctx context.Context, plans []plannedMovement) ([]MovementResult, error) {
	now := s.clock()
	var results []MovementResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		results = make([]MovementResult, len(plans))
		balances, err := lockKeys(ctx, tx, plans)
		if err != nil {
			return err
		}
		for i, plan := range plans {
			res, err := s.applyLocked(ctx, tx, balances[plan.input.Key], plan, now)
			if err != nil {
				return &LineError{Index: i, Key: plan.input.Key, Err: err}
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func lockKeys(ctx context.Context, tx TxRepository, plans []plannedMovement) (map[Key]*StockBalance, error) {
	firstIndex := make(map[Key]int, len(plans))
	keys := make([]Key, 0, len(plans))
	for i, plan := range plans {
		if _, seen := firstIndex[plan.input.Key]; seen {
			continue
		}
		firstIndex[plan.input.Key] = i
		keys = append(keys, plan.input.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	balances := make(map[Key]*StockBalance, len(keys))
	for _, key := range keys {
		balance, err := tx.GetBalanceForUpdate(ctx, key)
		if err != nil {
			return nil, &LineError{Index: firstIndex[key], Key: key, Err: err}
		}
		balances[key] = &balance
	}
	return balances, nil
}

func (s *Service) applyLocked(ctx context.Context, tx TxRepository, balance *StockBalance, plan plannedMovement, now time.Time) (MovementResult, error) {
	input := plan.input
	if input.Reference.ID != "" {
		existing, found, err := tx.FindMovementByReference(ctx, input.Reference.Type, input.Reference.ID, input.Key)
		if err != nil {
			return MovementResult{}, err
		}
		if found {
			if existing.Type != input.Type || !existing.Quantity.Equal(plan.class.Delta(input.Quantity)) {
				s.logger.Warn("replayed reference with different payload",
					slog.String("reference_type", input.Reference.Type),
					slog.String("reference_id", input.Reference.ID),
					slog.String("key", input.Key.String()),
					slog.String("original_type", string(existing.Type)),
					slog.String("original_quantity", existing.Quantity.String()),
				)
			}
			return MovementResult{Movement: existing, Balance: existing.BalanceAsOf(), Replayed: true}, nil
		}
	}

	delta := plan.class.Delta(input.Quantity)
	before := balance.Quantity
	after := before.Add(delta)
	if after.IsNegative() {
		return MovementResult{}, &InsufficientStockError{Key: input.Key, Available: before, Requested: delta.Abs()}
	}
	if !fitsColumn(after) {
		return MovementResult{}, invalid("quantity", fmt.Sprintf("would take the balance past %d integer digits", integerDigits))
	}

	avg := balance.AverageCost
	status := CostNotApplicable
	var unitCost *decimal.Decimal
	if plan.class.AffectsCost {
		if input.UnitCost == nil {
			status = CostPending
		} else {
			next, err := NewAverageCost(before, balance.AverageCost, delta, *input.UnitCost)
			if err != nil {
				return MovementResult{}, err
			}
			cost := *input.UnitCost
			avg, unitCost, status = next, &cost, CostApplied
		}
	}

	movement := StockMovement{
		ID:               uuid.New(),
		ProductID:        input.Key.ProductID,
		LocationID:       input.Key.LocationID,
		Type:             input.Type,
		Quantity:         delta,
		UnitCost:         unitCost,
		CostStatus:       status,
		AverageCostAfter: avg,
		ReferenceType:    input.Reference.Type,
		ReferenceID:      optional(input.Reference.ID),
		ReferenceNumber:  optional(input.Reference.Number),
		Reason:           optional(string(input.Reason)),
		BalanceBefore:    before,
		BalanceAfter:     after,
		PerformedBy:      input.PerformedBy,
		OccurredAt:       now,
		Notes:            input.Notes,
	}
	movement, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return MovementResult{}, err
	}

	balance.Quantity = after
	balance.AverageCost = avg
	balance.LastMovementAt = &now
	if err := tx.UpdateBalance(ctx, *balance); err != nil {
		return MovementResult{}, err
	}

	if err := tx.RecordAudit(ctx, shared.AuditLog{
		Actor:    input.PerformedBy,
		Action:   fmt.Sprintf("inventory:%s", input.Type),
		Entity:   "stock_movement",
		EntityID: movement.ID.String(),
		Meta: map[string]any{
			"product_id":     input.Key.ProductID,
			"location_id":    input.Key.LocationID,
			"quantity":       delta.String(),
			"balance_after":  after.String(),
			"reference_type": input.Reference.Type,
			"reference_id":   input.Reference.ID,
		},
		At: now,
	}); err != nil {
		return MovementResult{}, err
	}

	return MovementResult{Movement: movement, Balance: *balance}, nil
}

func (s *Service) afterCommit(ctx context.Context, results []MovementResult) {
	touched := make([]Key, 0, len(results))
	seen := make(map[Key]struct{}, len(results))
	for _, res := range results {
		mv := res.Movement
		if res.Replayed {
			s.metrics.ObserveReplayed(mv.Type)
			s.logger.Info("movement replayed",
				slog.String("movement_id", mv.ID.String()),
				slog.String("key", mv.Key().String()),
				slog.String("reference_type", mv.ReferenceType),
				slog.Bool("replayed", true),
			)
			continue
		}
		s.metrics.ObserveApplied(mv.Type)
		s.logger.Info("movement applied",
			slog.String("movement_id", mv.ID.String()),
			slog.String("key", mv.Key().String()),
			slog.String("type", string(mv.Type)),
			slog.String("quantity", mv.Quantity.String()),
			slog.String("balance_after", mv.BalanceAfter.String()),
			slog.String("cost_status", string(mv.CostStatus)),
		)
		if _, ok := seen[mv.Key()]; !ok {
			seen[mv.Key()] = struct{}{}
			touched = append(touched, mv.Key())
		}
	}
	if s.cache == nil || len(touched) == 0 {
		return
	}
	// The request context may already be done; the movement has committed regardless.
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.cache.Invalidate(cacheCtx, touched...); err != nil {
		s.logger.Warn("balance cache invalidate", slog.Int("keys", len(touched)), slog.Any("error", err))
	}
}

func prepare(input MovementInput) (plannedMovement, error) {
	if err := validateKey(input.Key); err != nil {
		return plannedMovement{}, err
	}
	if input.Type == "" {
		return plannedMovement{}, invalid("movement_type", "is required")
	}
	class, err := Classify(input.Type)
	if err != nil {
		return plannedMovement{}, err
	}
	switch class.Direction {
	case DirectionSigned:
		if input.Quantity.IsZero() {
			return plannedMovement{}, invalid("quantity", "must not be zero")
		}
	default:
		if !input.Quantity.IsPositive() {
			return plannedMovement{}, invalid("quantity", "must be greater than zero")
		}
	}
	if !input.Quantity.Equal(input.Quantity.Truncate(quantityScale)) {
		return plannedMovement{}, invalid("quantity", fmt.Sprintf("must have at most %d decimal places", quantityScale))
	}
	if !fitsColumn(input.Quantity) {
		return plannedMovement{}, invalid("quantity", fmt.Sprintf("must have at most %d integer digits", integerDigits))
	}
	if input.UnitCost != nil {
		if !class.AffectsCost {
			return plannedMovement{}, invalid("unit_cost", fmt.Sprintf("not accepted for %s movements", input.Type))
		}
		if input.UnitCost.IsNegative() {
			return plannedMovement{}, invalid("unit_cost", "must not be negative")
		}
		if !input.UnitCost.Equal(input.UnitCost.Truncate(costScale)) {
			return plannedMovement{}, invalid("unit_cost", fmt.Sprintf("must have at most %d decimal places", costScale))
		}
		if !fitsColumn(*input.UnitCost) {
			return plannedMovement{}, invalid("unit_cost", fmt.Sprintf("must have at most %d integer digits", integerDigits))
		}
	}
	if input.Reason != "" {
		if input.Type != MovementAdjustment {
			return plannedMovement{}, invalid("reason", "only accepted for adjustment movements")
		}
		if !input.Reason.Valid() {
			return plannedMovement{}, invalid("reason", fmt.Sprintf("unknown reason %q", string(input.Reason)))
		}
	}
	input.Reference.Type = strings.TrimSpace(input.Reference.Type)
	input.Reference.ID = strings.TrimSpace(input.Reference.ID)
	input.Reference.Number = strings.TrimSpace(input.Reference.Number)
	switch {
	case input.Reference.Type == "":
		return plannedMovement{}, invalid("reference_type", "is required")
	case len(input.Reference.Type) > 64:
		return plannedMovement{}, invalid("reference_type", "must be at most 64 characters")
	case len(input.Reference.ID) > 128:
		return plannedMovement{}, invalid("reference_id", "must be at most 128 characters")
	case len(input.Reference.Number) > 128:
		return plannedMovement{}, invalid("reference_number", "must be at most 128 characters")
	}
	input.PerformedBy = strings.TrimSpace(input.PerformedBy)
	if input.PerformedBy == "" {
		return plannedMovement{}, invalid("performed_by", "is required")
	}
	return plannedMovement{input: input, class: class}, nil
}

func validateKey(key Key) error {
	if key.ProductID <= 0 {
		return invalid("product_id", "must be positive")
	}
	if key.LocationID <= 0 {
		return invalid("location_id", "must be positive")
	}
	return nil
}

func isBusinessRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidMovementType) ||
		errors.Is(err, context.Canceled)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func transferNote(direction string, location int64, note string) string {
	base := fmt.Sprintf("transfer %s location %d", direction, location)
	if note == "" {
		return base
	}
	return base + ": " + note
}
