package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
)

// Service ведёт журнал баллов и кэш Customer.LoyaltyPoints.
// Баланс меняется только через guarded AdjustPoints, за которым следует ровно одна запись журнала.
type Service struct {
	customers domain.CustomerRepository
	ledger    domain.LoyaltyRepository
	anomalies *anomaly.Recorder
	events    *outbox.Emitter
	metrics   *metrics.SettlementMetrics
	logger    *log.Entry
	now       func() time.Time
}

// NewService создаёт сервис лояльности.
func NewService(
	customers domain.CustomerRepository,
	ledger domain.LoyaltyRepository,
	anomalies *anomaly.Recorder,
	events *outbox.Emitter,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "loyalty")
	}
	return &Service{
		customers: customers,
		ledger:    ledger,
		anomalies: anomalies,
		events:    events,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// RedeemResult — итог списания баллов.
type RedeemResult struct {
	Entry domain.LoyaltyTransaction
	Value decimal.Decimal
}

// Program возвращает активную программу организации или ErrLoyaltyInactive.
func (s *Service) Program(ctx context.Context, orgID string) (domain.LoyaltyProgram, error) {
	program, err := s.ledger.GetProgram(ctx, orgID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LoyaltyProgram{}, domain.ErrLoyaltyInactive
		}
		return domain.LoyaltyProgram{}, fmt.Errorf("load loyalty program: %w", err)
	}
	if !program.IsActive {
		return program, domain.ErrLoyaltyInactive
	}
	return program, nil
}

// Accrue начисляет баллы за продажу по субтоталу до скидки.
// Возвращает nil, если программа не активна или баллов не набралось.
func (s *Service) Accrue(ctx context.Context, tx domain.Transaction, customerID int64) (*domain.LoyaltyTransaction, error) {
	program, err := s.Program(ctx, tx.OrgID)
	if err != nil {
		if errors.Is(err, domain.ErrLoyaltyInactive) {
			return nil, nil
		}
		return nil, err
	}

	points := program.PointsFor(tx.Subtotal)
	if points <= 0 {
		return nil, nil
	}

	txID := tx.ID
	entry := domain.LoyaltyTransaction{
		OrgID:         tx.OrgID,
		CustomerID:    customerID,
		Type:          domain.LoyaltyEarn,
		Points:        points,
		TransactionID: &txID,
		Reason:        "sale " + tx.TransactionNumber,
		ActorID:       tx.CashierID,
	}
	if program.PointExpirationDays != nil && *program.PointExpirationDays > 0 {
		expiresAt := s.now().UTC().AddDate(0, 0, *program.PointExpirationDays)
		entry.ExpiresAt = &expiresAt
	}

	created, err := s.apply(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Redeem списывает баллы и возвращает их денежную стоимость.
func (s *Service) Redeem(ctx context.Context, actor domain.Actor, customerID, points int64, reason string, transactionID *int64) (RedeemResult, error) {
	if actor.OrgID == "" {
		return RedeemResult{}, domain.ErrMissingTenant
	}
	if points <= 0 {
		return RedeemResult{}, domain.NewValidationError("points", "must be greater than zero")
	}
	program, err := s.Program(ctx, actor.OrgID)
	if err != nil {
		return RedeemResult{}, err
	}
	if points < program.MinPointsToRedeem {
		return RedeemResult{}, domain.NewValidationError("points",
			fmt.Sprintf("at least %d points required to redeem", program.MinPointsToRedeem))
	}
	if reason == "" {
		reason = "redemption"
	}

	entry, err := s.apply(ctx, domain.LoyaltyTransaction{
		OrgID:         actor.OrgID,
		CustomerID:    customerID,
		Type:          domain.LoyaltyRedeem,
		Points:        -points,
		TransactionID: transactionID,
		Reason:        reason,
		ActorID:       actor.UserID,
	})
	if err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{
		Entry: entry,
		Value: program.PointValue.Mul(decimal.NewFromInt(points)),
	}, nil
}

// AdminAdjust вручную меняет баланс на delta (со знаком).
func (s *Service) AdminAdjust(ctx context.Context, actor domain.Actor, customerID, delta int64, reason string) (domain.LoyaltyTransaction, error) {
	if actor.OrgID == "" {
		return domain.LoyaltyTransaction{}, domain.ErrMissingTenant
	}
	if delta == 0 {
		return domain.LoyaltyTransaction{}, domain.NewValidationError("points", "must not be zero")
	}
	if reason == "" {
		return domain.LoyaltyTransaction{}, domain.NewValidationError("reason", "is required for manual adjustment")
	}
	return s.apply(ctx, domain.LoyaltyTransaction{
		OrgID:      actor.OrgID,
		CustomerID: customerID,
		Type:       domain.LoyaltyAdminAdjust,
		Points:     delta,
		Reason:     reason,
		ActorID:    actor.UserID,
	})
}

// Expire списывает просроченные на момент now баллы. Списания погашают
// самые ранние начисления первыми. Возвращает nil, если списывать нечего.
func (s *Service) Expire(ctx context.Context, actor domain.Actor, customerID int64, now time.Time) (*domain.LoyaltyTransaction, error) {
	if actor.OrgID == "" {
		return nil, domain.ErrMissingTenant
	}
	program, err := s.ledger.GetProgram(ctx, actor.OrgID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load loyalty program: %w", err)
	}
	entries, err := s.ledger.ListByCustomer(ctx, actor.OrgID, customerID)
	if err != nil {
		return nil, fmt.Errorf("list loyalty entries: %w", err)
	}

	expired := ExpiredPoints(entries, program.PointExpirationDays, now)
	if expired <= 0 {
		return nil, nil
	}
	customer, err := s.customers.Get(ctx, actor.OrgID, customerID)
	if err != nil {
		return nil, fmt.Errorf("load customer %d: %w", customerID, err)
	}
	if expired > customer.LoyaltyPoints {
		expired = customer.LoyaltyPoints
	}
	if expired <= 0 {
		return nil, nil
	}

	entry, err := s.apply(ctx, domain.LoyaltyTransaction{
		OrgID:      actor.OrgID,
		CustomerID: customerID,
		Type:       domain.LoyaltyExpire,
		Points:     -expired,
		Reason:     "points expired",
		ActorID:    actor.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Balance возвращает кэшированный баланс и сумму журнала.
func (s *Service) Balance(ctx context.Context, orgID string, customerID int64) (cached, ledger int64, err error) {
	customer, err := s.customers.Get(ctx, orgID, customerID)
	if err != nil {
		return 0, 0, fmt.Errorf("load customer %d: %w", customerID, err)
	}
	entries, err := s.ledger.ListByCustomer(ctx, orgID, customerID)
	if err != nil {
		return 0, 0, fmt.Errorf("list loyalty entries: %w", err)
	}
	return customer.LoyaltyPoints, LedgerSum(entries), nil
}

// LedgerSum — сумма баллов по журналу.
func LedgerSum(entries []domain.LoyaltyTransaction) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Points
	}
	return sum
}

// ExpiredPoints считает непогашенный остаток начислений со сроком, истёкшим к now.
// Начисление без ExpiresAt сгорает через expirationDays после создания, если срок задан.
func ExpiredPoints(entries []domain.LoyaltyTransaction, expirationDays *int, now time.Time) int64 {
	sorted := make([]domain.LoyaltyTransaction, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	type lot struct {
		remaining int64
		expiresAt *time.Time
	}
	var lots []lot
	for _, e := range sorted {
		if e.Points > 0 {
			expiresAt := e.ExpiresAt
			if expiresAt == nil && e.Type == domain.LoyaltyEarn && expirationDays != nil && *expirationDays > 0 {
				at := e.CreatedAt.AddDate(0, 0, *expirationDays)
				expiresAt = &at
			}
			lots = append(lots, lot{remaining: e.Points, expiresAt: expiresAt})
			continue
		}
		debit := -e.Points
		for i := range lots {
			if debit == 0 {
				break
			}
			take := min(lots[i].remaining, debit)
			lots[i].remaining -= take
			debit -= take
		}
	}

	var expired int64
	for _, l := range lots {
		if l.remaining > 0 && l.expiresAt != nil && !l.expiresAt.After(now) {
			expired += l.remaining
		}
	}
	return expired
}

func (s *Service) apply(ctx context.Context, entry domain.LoyaltyTransaction) (domain.LoyaltyTransaction, error) {
	before, after, err := s.customers.AdjustPoints(ctx, entry.OrgID, entry.CustomerID, entry.Points)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientPoints) {
			return domain.LoyaltyTransaction{}, fmt.Errorf("customer %d has %d points, %d requested: %w",
				entry.CustomerID, before, -entry.Points, err)
		}
		return domain.LoyaltyTransaction{}, fmt.Errorf("adjust points for customer %d: %w", entry.CustomerID, err)
	}
	entry.BalanceBefore = before
	entry.BalanceAfter = after
	entry.CreatedAt = s.now().UTC()

	created, err := s.ledger.Append(ctx, entry)
	if err != nil {
		// Баланс уже изменён, запись журнала восстанавливается сверкой.
		customerID := entry.CustomerID
		a := domain.Anomaly{
			OrgID:         entry.OrgID,
			TransactionID: entry.TransactionID,
			Step:          domain.StepLoyaltyLedger,
			Kind:          domain.AnomalySideEffectFailed,
			CustomerID:    &customerID,
			Message:       fmt.Sprintf("%s of %d points applied without ledger entry: %v", entry.Type, entry.Points, err),
		}
		s.anomalies.Record(ctx, a, err)
		return entry, nil
	}

	s.metrics.RecordLoyaltyPoints(string(created.Type), created.Points)
	s.logger.WithFields(log.Fields{
		"org_id":         created.OrgID,
		"customer_id":    created.CustomerID,
		"type":           created.Type,
		"points":         created.Points,
		"balance_before": created.BalanceBefore,
		"balance_after":  created.BalanceAfter,
	}).Debug("loyalty points changed")

	if err := s.events.Emit(ctx, "customer", strconv.FormatInt(created.CustomerID, 10), domain.EventPointsChanged, map[string]any{
		"org_id":         created.OrgID,
		"customer_id":    created.CustomerID,
		"entry_id":       created.ID,
		"type":           created.Type,
		"points":         created.Points,
		"balance_before": created.BalanceBefore,
		"balance_after":  created.BalanceAfter,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue loyalty event")
	}
	return created, nil
}
