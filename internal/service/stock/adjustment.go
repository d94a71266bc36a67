package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// AdjustRequest — ручная корректировка остатка.
type AdjustRequest struct {
	ProductID string
	Quantity  int64
	Type      domain.MovementType
	Reason    string
}

// AdjustResult — итог ручной корректировки.
type AdjustResult struct {
	NewQuantity int64
}

// AdjustStock выполняет ручную корректировку от имени пользователя из контекста.
// Попытка увести остаток в минус возвращает *domain.InsufficientStockError,
// остаток при этом не меняется. Товар должен быть в каталоге организации.
func (l *Ledger) AdjustStock(ctx context.Context, req AdjustRequest) (AdjustResult, error) {
	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		return AdjustResult{}, err
	}
	productID, err := domain.ParseProductID(req.ProductID)
	if err != nil {
		return AdjustResult{}, err
	}
	if err := l.requireProduct(ctx, actor.OrgID, productID); err != nil {
		return AdjustResult{}, err
	}
	movementType := domain.MovementType(strings.ToLower(strings.TrimSpace(string(req.Type))))
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual " + string(movementType)
	}

	newQuantity, err := l.Adjust(ctx, actor, productID, req.Quantity, movementType, reason)
	if err != nil {
		var guard *domain.StockGuardError
		if errors.As(err, &guard) {
			return AdjustResult{}, &domain.InsufficientStockError{
				ProductID: productID,
				Requested: guard.Requested,
				Available: guard.Available,
			}
		}
		return AdjustResult{}, err
	}
	return AdjustResult{NewQuantity: newQuantity}, nil
}

func (l *Ledger) requireProduct(ctx context.Context, orgID string, productID int64) error {
	if l.products == nil {
		return errors.New("stock ledger: product catalog is not configured")
	}
	if _, err := l.products.Get(ctx, orgID, productID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("productId", fmt.Sprintf("product %d does not exist", productID))
		}
		return fmt.Errorf("load product %d: %w", productID, err)
	}
	return nil
}
