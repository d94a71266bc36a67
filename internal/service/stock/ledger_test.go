package stock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
	"github.com/vladislavdragonenkov/possettle/internal/storage/memory"
)

var cashier = domain.Actor{UserID: "u-1", Name: "Mali", OrgID: "org-1"}

type fixture struct {
	inventory domain.InventoryRepository
	movements domain.MovementRepository
	products  domain.ProductRepository
	anomalies domain.AnomalyRepository
	outbox    *memory.OutboxRepository
	ledger    *stock.Ledger
}

func newFixture() fixture {
	f := fixture{
		inventory: memory.NewInventoryRepository(),
		movements: memory.NewMovementRepository(),
		products:  memory.NewProductRepository(),
		anomalies: memory.NewAnomalyRepository(),
		outbox:    memory.NewOutboxRepository(),
	}
	logger := log.New().WithField("test", "stock")
	f.ledger = stock.NewLedger(
		f.inventory,
		f.movements,
		anomaly.NewRecorder(f.anomalies, nil, nil, logger),
		outbox.NewEmitter(f.outbox),
		nil,
		logger,
	).WithCatalog(f.products)
	return f
}

func (f fixture) catalogProduct(t *testing.T, id int64) {
	t.Helper()
	_, err := f.products.Create(context.Background(), domain.Product{ID: id, OrgID: "org-1", SKU: "SKU", Name: "Latte"})
	require.NoError(t, err)
}

func TestLedger_InOutAdjustmentMagnitudes(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	qty, err := f.ledger.Adjust(ctx, cashier, 7, 10, domain.MovementIn, "delivery")
	require.NoError(t, err)
	require.Equal(t, int64(10), qty)

	qty, err = f.ledger.DecrementForSale(ctx, cashier, 7, 4, "sale TX-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), qty)

	qty, err = f.ledger.Adjust(ctx, cashier, 7, 25, domain.MovementAdjustment, "stocktake")
	require.NoError(t, err)
	require.Equal(t, int64(25), qty)

	movements, err := f.movements.ListByProduct(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, domain.MovementIn, movements[0].Type)
	assert.Equal(t, int64(10), movements[0].Quantity)
	assert.Equal(t, domain.MovementOut, movements[1].Type)
	assert.Equal(t, int64(4), movements[1].Quantity)
	assert.Equal(t, "sale TX-1", movements[1].Reason)
	assert.Equal(t, domain.MovementAdjustment, movements[2].Type)
	assert.Equal(t, int64(25), movements[2].Quantity, "adjustment stores the resulting absolute value")
	assert.Equal(t, "Mali", movements[2].ActorName)

	assert.Equal(t, qty, domain.ReplayMovements(movements))
	assert.Len(t, f.outbox.AllPending(), 3)
}

func TestLedger_GuardViolationLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.ledger.Adjust(ctx, cashier, 3, 2, domain.MovementIn, "delivery")
	require.NoError(t, err)

	_, err = f.ledger.DecrementForSale(ctx, cashier, 3, 5, "sale TX-2")
	var guard *domain.StockGuardError
	require.ErrorAs(t, err, &guard)
	require.Equal(t, int64(2), guard.Available)

	available, err := f.ledger.Available(ctx, "org-1", 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), available)

	movements, _ := f.movements.ListByProduct(ctx, "org-1", 3)
	require.Len(t, movements, 1, "rejected movement must not be journaled")
}

func TestLedger_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	tests := []struct {
		name     string
		actor    domain.Actor
		product  int64
		quantity int64
		mt       domain.MovementType
		want     error
	}{
		{name: "missing tenant", actor: domain.Actor{UserID: "u"}, product: 1, quantity: 1, mt: domain.MovementIn, want: domain.ErrMissingTenant},
		{name: "bad product", actor: cashier, product: 0, quantity: 1, mt: domain.MovementIn, want: domain.ErrValidation},
		{name: "zero delta", actor: cashier, product: 1, quantity: 0, mt: domain.MovementOut, want: domain.ErrValidation},
		{name: "negative target", actor: cashier, product: 1, quantity: -1, mt: domain.MovementAdjustment, want: domain.ErrValidation},
		{name: "unknown type", actor: cashier, product: 1, quantity: 1, mt: "transfer", want: domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Adjust(ctx, tt.actor, tt.product, tt.quantity, tt.mt, "")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLedger_ConcurrentSalesNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const initial = 25
	_, err := f.ledger.Adjust(ctx, cashier, 11, initial, domain.MovementAdjustment, "opening")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		sold atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			if _, err := f.ledger.DecrementForSale(ctx, cashier, 11, qty, "sale"); err == nil {
				sold.Add(qty)
			} else if !errors.Is(err, domain.ErrNegativeStockGuard) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i%3 + 1))
	}
	wg.Wait()

	available, err := f.ledger.Available(ctx, "org-1", 11)
	require.NoError(t, err)
	require.GreaterOrEqual(t, available, int64(0))
	require.LessOrEqual(t, sold.Load(), int64(initial))
	require.Equal(t, int64(initial)-sold.Load(), available)
}

type failingMovements struct{ domain.MovementRepository }

func (failingMovements) Append(context.Context, domain.StockMovement) (domain.StockMovement, error) {
	return domain.StockMovement{}, errors.New("journal unavailable")
}

func TestLedger_MissingJournalEntryIsRecordedAsAnomaly(t *testing.T) {
	ctx := context.Background()
	inventory := memory.NewInventoryRepository()
	anomalies := memory.NewAnomalyRepository()
	ledger := stock.NewLedger(inventory, failingMovements{memory.NewMovementRepository()},
		anomaly.NewRecorder(anomalies, nil, nil, nil), nil, nil, nil)

	qty, err := ledger.Adjust(ctx, cashier, 5, 3, domain.MovementIn, "delivery")
	require.NoError(t, err)
	require.Equal(t, int64(3), qty)

	recorded, err := anomalies.List(ctx, domain.AnomalyFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	require.Equal(t, domain.StepStockMovement, recorded[0].Step)
}

func TestAdjustStock_OutAboveOnHandIsRejected(t *testing.T) {
	f := newFixture()
	f.catalogProduct(t, 7)
	ctx := domain.WithActor(context.Background(), cashier)

	res, err := f.ledger.AdjustStock(ctx, stock.AdjustRequest{ProductID: "7", Quantity: 4, Type: "in", Reason: "delivery"})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.NewQuantity)

	_, err = f.ledger.AdjustStock(ctx, stock.AdjustRequest{ProductID: "7", Quantity: 5, Type: "out", Reason: "waste"})
	var insufficient *domain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(1), insufficient.Shortfall())

	inv, err := f.inventory.Get(context.Background(), "org-1", 7)
	require.NoError(t, err)
	require.Equal(t, int64(4), inv.Quantity)

	res, err = f.ledger.AdjustStock(ctx, stock.AdjustRequest{ProductID: "7", Quantity: 0, Type: "adjustment"})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.NewQuantity)

	_, err = f.ledger.AdjustStock(ctx, stock.AdjustRequest{ProductID: "seven", Quantity: 1, Type: "in"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.ledger.AdjustStock(context.Background(), stock.AdjustRequest{ProductID: "7", Quantity: 1, Type: "in"})
	require.ErrorIs(t, err, domain.ErrMissingTenant)
}

func TestAdjustStock_UnknownProductCreatesNoInventory(t *testing.T) {
	f := newFixture()
	f.catalogProduct(t, 7)
	ctx := domain.WithActor(context.Background(), cashier)

	for _, movementType := range []domain.MovementType{domain.MovementIn, domain.MovementAdjustment} {
		_, err := f.ledger.AdjustStock(ctx, stock.AdjustRequest{ProductID: "404", Quantity: 5, Type: movementType})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "productId", verr.Field)
		require.Equal(t, -1, verr.Line)
		require.Equal(t, domain.CodeBadRequest, domain.ErrorCode(err))
	}

	_, err := f.inventory.Get(context.Background(), "org-1", 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
	all, err := f.movements.ListByProduct(context.Background(), "org-1", 404)
	require.NoError(t, err)
	require.Empty(t, all)
	require.Empty(t, f.outbox.AllPending())

	_, err = stock.NewLedger(f.inventory, f.movements, nil, nil, nil, nil).
		AdjustStock(ctx, stock.AdjustRequest{ProductID: "7", Quantity: 1, Type: domain.MovementIn})
	require.ErrorContains(t, err, "catalog is not configured")
}
