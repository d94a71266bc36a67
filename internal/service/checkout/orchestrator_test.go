package checkout_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/checkout"
	"github.com/vladislavdragonenkov/possettle/internal/service/loyalty"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/sequence"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
	"github.com/vladislavdragonenkov/possettle/internal/service/tax"
	"github.com/vladislavdragonenkov/possettle/internal/storage/memory"
)

var cashier = domain.Actor{UserID: "u-1", Name: "Mali", OrgID: "org-1", Role: "cashier"}

type env struct {
	counters     domain.CounterRepository
	products     domain.ProductRepository
	inventory    domain.InventoryRepository
	movements    domain.MovementRepository
	transactions domain.TransactionRepository
	customers    domain.CustomerRepository
	loyalty      domain.LoyaltyRepository
	profiles     domain.CompanyProfileRepository
	invoices     domain.TaxInvoiceRepository
	anomalies    domain.AnomalyRepository
	outbox       *memory.OutboxRepository
	orchestrator *checkout.Orchestrator
}

type option func(*env)

func withInventory(wrap func(domain.InventoryRepository) domain.InventoryRepository) option {
	return func(e *env) { e.inventory = wrap(e.inventory) }
}

func withInvoices(repo domain.TaxInvoiceRepository) option {
	return func(e *env) { e.invoices = repo }
}

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()
	e := &env{
		counters:     memory.NewCounterRepository(),
		products:     memory.NewProductRepository(),
		inventory:    memory.NewInventoryRepository(),
		movements:    memory.NewMovementRepository(),
		transactions: memory.NewTransactionRepository(),
		customers:    memory.NewCustomerRepository(),
		loyalty:      memory.NewLoyaltyRepository(),
		profiles:     memory.NewCompanyProfileRepository(),
		invoices:     memory.NewTaxInvoiceRepository(),
		anomalies:    memory.NewAnomalyRepository(),
		outbox:       memory.NewOutboxRepository(),
	}
	for _, opt := range opts {
		opt(e)
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	entry := logger.WithField("test", t.Name())
	events := outbox.NewEmitter(e.outbox)
	allocator := sequence.NewAllocator(e.counters)
	recorder := anomaly.NewRecorder(e.anomalies, events, nil, entry)

	e.orchestrator = checkout.NewOrchestrator(checkout.Dependencies{
		Transactions: e.transactions,
		Products:     e.products,
		Customers:    e.customers,
		Allocator:    allocator,
		Stock:        stock.NewLedger(e.inventory, e.movements, recorder, events, nil, entry),
		Tax:          tax.NewEmitter(e.invoices, e.profiles, allocator, events, nil, entry, time.UTC),
		Loyalty:      loyalty.NewService(e.customers, e.loyalty, recorder, events, nil, entry),
		Anomalies:    recorder,
		Events:       events,
		Logger:       entry,
	})
	return e
}

func (e *env) product(t *testing.T, id int64, name string, quantity int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.products.Create(ctx, domain.Product{ID: id, OrgID: "org-1", SKU: name, Name: name, Price: decimal.RequireFromString("50.00")})
	require.NoError(t, err)
	_, _, err = e.inventory.Set(ctx, "org-1", id, quantity)
	require.NoError(t, err)
}

func (e *env) quantity(t *testing.T, productID int64) int64 {
	t.Helper()
	inv, err := e.inventory.Get(context.Background(), "org-1", productID)
	require.NoError(t, err)
	return inv.Quantity
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cashierCtx() context.Context { return domain.WithActor(context.Background(), cashier) }

func TestCheckout_EndToEndSingleLine(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Latte", 10)

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0001",
		Subtotal:          money("50.00"),
		Total:             money("50.00"),
		PaymentMethod:     "cash",
		Items:             []checkout.Line{{ProductID: "7", Quantity: 1, UnitPrice: money("50.00"), Subtotal: money("50.00")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "50.00", res.Transaction.Total.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusPaid, res.Transaction.PaymentStatus)
	assert.Equal(t, "Mali", res.Transaction.CashierName)
	assert.Nil(t, res.Invoice)
	assert.Nil(t, res.Loyalty)
	assert.Empty(t, res.Anomalies)

	ctx := context.Background()
	txs, err := e.transactions.ListByOrg(ctx, "org-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	items, err := e.transactions.ListItems(ctx, "org-1", res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Latte", items[0].ProductName)

	movements, err := e.movements.ListByProduct(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementOut, movements[0].Type)
	assert.Equal(t, int64(1), movements[0].Quantity)
	assert.Equal(t, "sale TX-0001", movements[0].Reason)
	assert.Equal(t, int64(9), e.quantity(t, 7))

	invoices, err := e.invoices.ListByOrg(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, invoices)

	var saleEvents int
	for _, msg := range e.outbox.AllPending() {
		if msg.EventType == domain.EventSaleRecorded {
			saleEvents++
		}
	}
	assert.Equal(t, 1, saleEvents)
}

func TestCheckout_SameProductOnTwoLinesDeductsOnce(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Milk tea", 10)

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0002",
		Subtotal:          money("270.00"),
		Total:             money("270.00"),
		Items: []checkout.Line{
			{ProductID: "7", Quantity: 2, UnitPrice: money("50.00"), Subtotal: money("100.00")},
			{ProductID: "7", Quantity: 3, UnitPrice: money("50.00"), Subtotal: money("170.00"),
				Toppings: []domain.Topping{{Name: "Pearl", Price: money("10.00")}, {Name: "Jelly", Price: money("10.00")}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2, "one item per cart line")
	assert.Len(t, res.Items[1].Toppings, 2)

	movements, err := e.movements.ListByProduct(context.Background(), "org-1", 7)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(5), movements[0].Quantity)
	assert.Equal(t, int64(5), e.quantity(t, 7))
}

func TestCheckout_PreflightRejectsWithoutWrites(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Latte", 10)
	e.product(t, 8, "Croissant", 2)

	_, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0003",
		Items: []checkout.Line{
			{ProductID: "7", Quantity: 1},
			{ProductID: "8", Quantity: 2},
			{ProductID: "8", Quantity: 1},
		},
	})
	var insufficient *domain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(8), insufficient.ProductID)
	assert.Equal(t, int64(1), insufficient.Shortfall())
	assert.Contains(t, err.Error(), "Croissant")
	assert.Equal(t, domain.CodeInsufficientStock, domain.ErrorCode(err))

	ctx := context.Background()
	txs, _ := e.transactions.ListByOrg(ctx, "org-1", time.Time{})
	assert.Empty(t, txs)
	current, _ := e.counters.Current(ctx, domain.CounterTransactions)
	assert.Zero(t, current, "no identifier is consumed by a rejected sale")
	assert.Equal(t, int64(10), e.quantity(t, 7))
	assert.Empty(t, e.outbox.AllPending())
}

func TestCheckout_RejectsBeforeAnyWrite(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Latte", 10)
	unknownCustomer := int64(404)

	tests := []struct {
		name string
		ctx  context.Context
		req  checkout.Request
		code string
	}{
		{
			name: "malformed product id",
			ctx:  cashierCtx(),
			req:  checkout.Request{TransactionNumber: "TX", Items: []checkout.Line{{ProductID: "7"}, {ProductID: "7a", Quantity: 1}}},
			code: domain.CodeBadRequest,
		},
		{
			name: "unknown product",
			ctx:  cashierCtx(),
			req:  checkout.Request{TransactionNumber: "TX", Items: []checkout.Line{{ProductID: "99", Quantity: 1}}},
			code: domain.CodeBadRequest,
		},
		{
			name: "unknown customer",
			ctx:  cashierCtx(),
			req:  checkout.Request{TransactionNumber: "TX", CustomerID: &unknownCustomer, Items: []checkout.Line{{ProductID: "7", Quantity: 1}}},
			code: domain.CodeBadRequest,
		},
		{
			name: "missing tenant",
			ctx:  domain.WithActor(context.Background(), domain.Actor{UserID: "u-1"}),
			req:  checkout.Request{TransactionNumber: "TX", Items: []checkout.Line{{ProductID: "7", Quantity: 1}}},
			code: domain.CodeMissingTenant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orchestrator.Checkout(tt.ctx, tt.req)
			require.Error(t, err)
			require.Equal(t, tt.code, domain.ErrorCode(err))
			require.Equal(t, int64(10), e.quantity(t, 7))
		})
	}
}

func TestCheckout_OverflowingQuantityWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Latte", 10)

	_, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-MAX",
		Items: []checkout.Line{
			{ProductID: "7", Quantity: math.MaxInt64},
			{ProductID: "7", Quantity: 1},
		},
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	assert.Equal(t, 1, verr.Line)
	assert.Equal(t, domain.CodeBadRequest, domain.ErrorCode(err))

	ctx := context.Background()
	txs, _ := e.transactions.ListByOrg(ctx, "org-1", time.Time{})
	assert.Empty(t, txs)
	anomalies, err := e.anomalies.List(ctx, domain.AnomalyFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, anomalies)
	assert.Equal(t, int64(10), e.quantity(t, 7))
	assert.Empty(t, e.outbox.AllPending())
}

func TestCheckout_DuplicateTransactionNumber(t *testing.T) {
	e := newEnv(t)
	e.product(t, 7, "Latte", 10)
	req := checkout.Request{
		TransactionNumber: "TX-0004",
		Total:             money("50.00"),
		Items:             []checkout.Line{{ProductID: "7", Quantity: 1}},
	}

	_, err := e.orchestrator.Checkout(cashierCtx(), req)
	require.NoError(t, err)

	_, err = e.orchestrator.Checkout(cashierCtx(), req)
	require.ErrorIs(t, err, domain.ErrDuplicate)
	require.Equal(t, domain.CodeConflict, domain.ErrorCode(err))
	require.Equal(t, int64(9), e.quantity(t, 7), "retried sale must not deduct twice")
}

func TestCheckout_VATCustomerAndLoyalty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.product(t, 7, "Cake", 10)
	require.NoError(t, e.profiles.Save(ctx, domain.CompanyProfile{OrgID: "org-1", TaxID: "0105551234567", VATRegistered: true, VATRate: money("7")}))
	require.NoError(t, e.loyalty.SaveProgram(ctx, domain.LoyaltyProgram{OrgID: "org-1", PointsPerBaht: decimal.NewFromInt(100), IsActive: true}))
	_, err := e.customers.Create(ctx, domain.Customer{ID: 3, OrgID: "org-1", Name: "Somchai", TaxID: "1234567890123"})
	require.NoError(t, err)
	customerID := int64(3)

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0005",
		CustomerID:        &customerID,
		Subtotal:          money("250.00"),
		Discount:          money("100.00"),
		Tax:               money("10.50"),
		Total:             money("160.50"),
		Items:             []checkout.Line{{ProductID: "7", Quantity: 5, UnitPrice: money("50.00"), Subtotal: money("250.00")}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, domain.InvoiceFull, res.Invoice.Type)
	assert.Regexp(t, `^IV\d{6}-0001$`, res.Invoice.InvoiceNumber)
	assert.Equal(t, "150.00", res.Invoice.Subtotal.StringFixed(2))
	require.NotNil(t, res.Loyalty)
	assert.Equal(t, int64(2), res.Loyalty.Points, "points come from the pre-discount subtotal")

	customer, err := e.customers.Get(ctx, "org-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), customer.LoyaltyPoints)
	assert.Equal(t, "160.50", customer.TotalSpent.StringFixed(2))
	assert.Equal(t, int64(1), customer.VisitCount)
}

func TestCheckout_SpendRecordedWithoutPoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.product(t, 7, "Water", 10)
	_, err := e.customers.Create(ctx, domain.Customer{ID: 3, OrgID: "org-1", Name: "Somchai"})
	require.NoError(t, err)
	customerID := int64(3)

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0006",
		CustomerID:        &customerID,
		Subtotal:          money("15.00"),
		Total:             money("15.00"),
		Items:             []checkout.Line{{ProductID: "7", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Loyalty)
	assert.Nil(t, res.Invoice)

	customer, _ := e.customers.Get(ctx, "org-1", 3)
	assert.Equal(t, "15.00", customer.TotalSpent.StringFixed(2))
	entries, _ := e.loyalty.ListByCustomer(ctx, "org-1", 3)
	assert.Empty(t, entries)
}

// racingInventory обнуляет остаток прямо перед списанием, как конкурентная продажа.
type racingInventory struct {
	domain.InventoryRepository
	steal int64
}

func (r racingInventory) ApplyDelta(ctx context.Context, orgID string, productID, delta int64) (int64, int64, error) {
	if delta < 0 && productID == r.steal {
		if _, _, err := r.InventoryRepository.Set(ctx, orgID, productID, 0); err != nil {
			return 0, 0, err
		}
	}
	return r.InventoryRepository.ApplyDelta(ctx, orgID, productID, delta)
}

func TestCheckout_GuardViolationAfterPreflight(t *testing.T) {
	e := newEnv(t, withInventory(func(inner domain.InventoryRepository) domain.InventoryRepository {
		return racingInventory{InventoryRepository: inner, steal: 8}
	}))
	ctx := context.Background()
	e.product(t, 7, "Latte", 10)
	e.product(t, 8, "Croissant", 3)
	require.NoError(t, e.profiles.Save(ctx, domain.CompanyProfile{OrgID: "org-1", VATRegistered: true}))

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0007",
		Total:             money("100.00"),
		Items: []checkout.Line{
			{ProductID: "8", Quantity: 2},
			{ProductID: "7", Quantity: 1},
		},
	})
	var guard *domain.StockGuardError
	require.ErrorAs(t, err, &guard)
	require.Equal(t, domain.CodeNegativeStockGuard, domain.ErrorCode(err))
	assert.False(t, errors.Is(err, domain.ErrInsufficientStock), "guard violation is distinct from pre-flight shortage")

	assert.Equal(t, domain.PaymentStatusDisputed, res.Transaction.PaymentStatus)
	stored, err := e.transactions.Get(ctx, "org-1", res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusDisputed, stored.PaymentStatus)

	assert.Equal(t, int64(0), e.quantity(t, 8), "inventory never goes negative")
	assert.Equal(t, int64(9), e.quantity(t, 7), "remaining products are still deducted")
	assert.Nil(t, res.Invoice)

	anomalies, err := e.anomalies.List(ctx, domain.AnomalyFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, domain.AnomalyOversellAttempt, anomalies[0].Kind)
	assert.Equal(t, "TX-0007", anomalies[0].TransactionNumber)
}

type failingInvoices struct{ domain.TaxInvoiceRepository }

func (failingInvoices) Create(context.Context, domain.TaxInvoice) (domain.TaxInvoice, error) {
	return domain.TaxInvoice{}, errors.New("invoice store unavailable")
}

func TestCheckout_PartialSideEffectIsRecordedNotReturned(t *testing.T) {
	e := newEnv(t, withInvoices(failingInvoices{memory.NewTaxInvoiceRepository()}))
	ctx := context.Background()
	e.product(t, 7, "Latte", 10)
	require.NoError(t, e.profiles.Save(ctx, domain.CompanyProfile{OrgID: "org-1", VATRegistered: true}))

	res, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
		TransactionNumber: "TX-0008",
		Total:             money("50.00"),
		Items:             []checkout.Line{{ProductID: "7", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Invoice)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, domain.StepTaxInvoice, res.Anomalies[0].Step)
	require.NotNil(t, res.Anomalies[0].TransactionID)
	assert.Equal(t, res.Transaction.ID, *res.Anomalies[0].TransactionID)
	assert.Equal(t, int64(9), e.quantity(t, 7))

	stored, err := e.anomalies.List(ctx, domain.AnomalyFilter{OrgID: "org-1", UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestCheckout_ConcurrentSalesNeverOversell(t *testing.T) {
	e := newEnv(t)
	const initial = 7
	e.product(t, 7, "Latte", initial)

	var (
		wg   sync.WaitGroup
		sold atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.orchestrator.Checkout(cashierCtx(), checkout.Request{
				TransactionNumber: "TX-C" + decimal.NewFromInt(int64(i)).String(),
				Items:             []checkout.Line{{ProductID: "7", Quantity: 1}},
			})
			switch {
			case err == nil:
				sold.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrNegativeStockGuard):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	final := e.quantity(t, 7)
	require.GreaterOrEqual(t, final, int64(0))
	require.LessOrEqual(t, sold.Load(), int64(initial))
	require.Equal(t, int64(initial)-sold.Load(), final)
}
