package grpcsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/service/checkout"
	"github.com/vladislavdragonenkov/possettle/internal/service/loyalty"
	"github.com/vladislavdragonenkov/possettle/internal/service/reconcile"
	"github.com/vladislavdragonenkov/possettle/internal/service/repair"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
)

const (
	defaultListAnomaliesLimit = 100
	maxListAnomaliesLimit     = 1000
	defaultReconcileLookback  = 48 * time.Hour
)

// Dependencies — компоненты, которые обслуживает SettlementService.
type Dependencies struct {
	Checkout  *checkout.Orchestrator
	Stock     *stock.Ledger
	Inventory domain.InventoryRepository
	Loyalty   *loyalty.Service
	Repair    *repair.Service
	Reconcile *reconcile.Service
	Anomalies domain.AnomalyRepository
	Logger    *log.Entry
}

// SettlementService реализует gRPC API поверх checkout, склада, лояльности и сверки.
type SettlementService struct {
	deps   Dependencies
	logger *log.Entry
	now    func() time.Time
}

var _ SettlementServer = (*SettlementService)(nil)

// NewSettlementService конструирует сервис с зависимостями.
func NewSettlementService(deps Dependencies) *SettlementService {
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "settlement-service")
	}
	return &SettlementService{deps: deps, logger: logger, now: time.Now}
}

// Checkout проводит продажу.
func (s *SettlementService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	res, err := s.deps.Checkout.Checkout(ctx, req.toDomain())
	if err != nil {
		s.log(ctx, err).WithField("transaction_number", req.TransactionNumber).Warn("checkout rejected")
		return nil, toStatus(err)
	}
	return checkoutResponse(res), nil
}

// AdjustStock выполняет ручное движение по складу.
func (s *SettlementService) AdjustStock(ctx context.Context, req *AdjustStockRequest) (*AdjustStockResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	res, err := s.deps.Stock.AdjustStock(ctx, stock.AdjustRequest{
		ProductID: string(req.ProductID),
		Quantity:  req.Quantity,
		Type:      domain.MovementType(req.Type),
		Reason:    req.Reason,
	})
	if err != nil {
		s.log(ctx, err).WithField("product_id", req.ProductID).Warn("stock adjustment rejected")
		return nil, toStatus(err)
	}
	productID, _ := domain.ParseProductID(string(req.ProductID))
	return &AdjustStockResponse{ProductID: productID, NewQuantity: res.NewQuantity}, nil
}

// GetInventory возвращает остаток товара. Отсутствующая запись означает нулевой остаток.
func (s *SettlementService) GetInventory(ctx context.Context, req *GetInventoryRequest) (*GetInventoryResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	productID, err := domain.ParseProductID(string(req.ProductID))
	if err != nil {
		return nil, toStatus(err)
	}
	inv, err := s.deps.Inventory.Get(ctx, actor.OrgID, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &GetInventoryResponse{ProductID: productID}, nil
		}
		s.log(ctx, err).WithField("product_id", productID).Error("failed to read inventory")
		return nil, toStatus(err)
	}
	return &GetInventoryResponse{
		ProductID:    productID,
		Quantity:     inv.Quantity,
		MinThreshold: inv.MinThreshold,
		LowStock:     inv.Quantity <= inv.MinThreshold,
		UpdatedAt:    timestamp(inv.UpdatedAt),
	}, nil
}

// RedeemPoints списывает баллы покупателя.
func (s *SettlementService) RedeemPoints(ctx context.Context, req *RedeemPointsRequest) (*RedeemPointsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.deps.Loyalty.Redeem(ctx, actor, req.CustomerID, req.Points, strings.TrimSpace(req.Reason), req.TransactionID)
	if err != nil {
		s.log(ctx, err).WithField("customer_id", req.CustomerID).Warn("points redemption rejected")
		return nil, toStatus(err)
	}
	return &RedeemPointsResponse{Entry: loyaltyFromDomain(res.Entry), Value: money(res.Value)}, nil
}

// ExpirePoints списывает просроченные баллы покупателя.
func (s *SettlementService) ExpirePoints(ctx context.Context, req *ExpirePointsRequest) (*ExpirePointsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	entry, err := s.deps.Loyalty.Expire(ctx, actor, req.CustomerID, s.now().UTC())
	if err != nil {
		s.log(ctx, err).WithField("customer_id", req.CustomerID).Error("points expiration failed")
		return nil, toStatus(err)
	}
	return &ExpirePointsResponse{Expired: optionalLoyalty(entry)}, nil
}

// RepairDuplicates запускает ремонт идентификаторов. Доступно только администратору.
// Ремонт product-ids проходит по всем организациям.
func (s *SettlementService) RepairDuplicates(ctx context.Context, req *RepairDuplicatesRequest) (*RepairDuplicatesResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireAdmin(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	kind, err := repair.ParseKind(strings.TrimSpace(req.Kind))
	if err != nil {
		return nil, toStatus(err)
	}
	report, err := s.deps.Repair.Run(ctx, kind, actor.OrgID, req.DryRun)
	if err != nil {
		s.log(ctx, err).WithField("kind", kind).Error("identity repair failed")
		return nil, toStatus(err)
	}
	return &RepairDuplicatesResponse{Report: report}, nil
}

// Reconcile сверяет кэши организации с журналами. Доступно только администратору.
func (s *SettlementService) Reconcile(ctx context.Context, req *ReconcileRequest) (*ReconcileResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireAdmin(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.SinceHours < 0 {
		return nil, toStatus(domain.NewValidationError("sinceHours", "must be non-negative"))
	}
	lookback := defaultReconcileLookback
	if req.SinceHours > 0 {
		lookback = time.Duration(req.SinceHours) * time.Hour
	}
	report, err := s.deps.Reconcile.Reconcile(ctx, actor.OrgID, s.now().UTC().Add(-lookback), req.Reissue)
	if err != nil {
		s.log(ctx, err).Error("reconciliation failed")
		return nil, toStatus(err)
	}
	return &ReconcileResponse{Report: report}, nil
}

// ListAnomalies возвращает аномалии организации, новые первыми.
func (s *SettlementService) ListAnomalies(ctx context.Context, req *ListAnomaliesRequest) (*ListAnomaliesResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, toStatus(domain.NewValidationError("limit", "must be non-negative"))
	case limit == 0:
		limit = defaultListAnomaliesLimit
	case limit > maxListAnomaliesLimit:
		limit = maxListAnomaliesLimit
	}
	anomalies, err := s.deps.Anomalies.List(ctx, domain.AnomalyFilter{
		OrgID:          actor.OrgID,
		UnresolvedOnly: req.UnresolvedOnly,
		Limit:          limit,
	})
	if err != nil {
		s.log(ctx, err).Error("failed to list anomalies")
		return nil, toStatus(err)
	}
	return &ListAnomaliesResponse{Anomalies: anomaliesFromDomain(anomalies)}, nil
}

// ResolveAnomaly отмечает аномалию разобранной.
func (s *SettlementService) ResolveAnomaly(ctx context.Context, req *ResolveAnomalyRequest) (*ResolveAnomalyResponse, error) {
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	at := s.now().UTC()
	id := strings.TrimSpace(req.ID)
	if err := s.deps.Anomalies.Resolve(ctx, actor.OrgID, id, at); err != nil {
		s.log(ctx, err).WithField("anomaly_id", id).Warn("failed to resolve anomaly")
		return nil, toStatus(err)
	}
	return &ResolveAnomalyResponse{ID: id, ResolvedAt: timestamp(at)}, nil
}

func (s *SettlementService) log(ctx context.Context, err error) *log.Entry {
	entry := s.logger.WithError(err).WithField("code", domain.ErrorCode(err))
	if actor, ok := domain.ActorFromContext(ctx); ok {
		entry = entry.WithField("org_id", actor.OrgID)
	}
	return entry
}
