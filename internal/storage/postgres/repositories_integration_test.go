package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// RepositoriesTestSuite проверяет PostgreSQL-репозитории на живой базе.
type RepositoriesTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestRepositoriesTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoriesTestSuite))
}

func (s *RepositoriesTestSuite) SetupTest() {
	s.store = openPostgresStoreForIntegrationTest(s.T())
	s.ctx = context.Background()
}

func (s *RepositoriesTestSuite) TestCounters() {
	repo := NewCounterRepository(s.store)

	current, err := repo.Current(s.ctx, domain.CounterTransactions)
	s.Require().NoError(err)
	s.Zero(current)

	var (
		wg   sync.WaitGroup
		seen sync.Map
		dups atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := repo.Next(s.ctx, domain.CounterTransactions)
			if err != nil {
				dups.Add(1)
				return
			}
			if _, loaded := seen.LoadOrStore(value, struct{}{}); loaded {
				dups.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Zero(dups.Load())

	s.Require().NoError(repo.EnsureAtLeast(s.ctx, domain.CounterTransactions, 100))
	s.Require().NoError(repo.EnsureAtLeast(s.ctx, domain.CounterTransactions, 50))
	next, err := repo.Next(s.ctx, domain.CounterTransactions)
	s.Require().NoError(err)
	s.Equal(int64(101), next)
}

func (s *RepositoriesTestSuite) TestInventoryGuard() {
	repo := NewInventoryRepository(s.store)

	_, _, err := repo.ApplyDelta(s.ctx, "org-1", 7, -1)
	var guard *domain.StockGuardError
	s.Require().ErrorAs(err, &guard)
	s.Zero(guard.Available)

	before, after, err := repo.ApplyDelta(s.ctx, "org-1", 7, 5)
	s.Require().NoError(err)
	s.Equal(int64(0), before)
	s.Equal(int64(5), after)

	_, _, err = repo.ApplyDelta(s.ctx, "org-1", 7, -6)
	s.Require().ErrorAs(err, &guard)
	s.Equal(int64(5), guard.Available)
	s.Equal(int64(6), guard.Requested)

	before, after, err = repo.Set(s.ctx, "org-1", 7, 2)
	s.Require().NoError(err)
	s.Equal(int64(5), before)
	s.Equal(int64(2), after)

	inv, err := repo.Ensure(s.ctx, domain.Inventory{OrgID: "org-1", ProductID: 7, Quantity: 99})
	s.Require().NoError(err)
	s.Equal(int64(2), inv.Quantity)

	_, err = repo.Get(s.ctx, "org-2", 7)
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *RepositoriesTestSuite) TestInventoryConcurrentDecrementNeverOversells() {
	repo := NewInventoryRepository(s.store)
	_, _, err := repo.ApplyDelta(s.ctx, "org-1", 9, 10)
	s.Require().NoError(err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := repo.ApplyDelta(s.ctx, "org-1", 9, -1); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(10), succeeded.Load())
	inv, err := repo.Get(s.ctx, "org-1", 9)
	s.Require().NoError(err)
	s.Zero(inv.Quantity)
}

func (s *RepositoriesTestSuite) TestMovementsKeepAppendOrder() {
	repo := NewMovementRepository(s.store)
	for _, m := range []domain.StockMovement{
		{OrgID: "org-1", ProductID: 3, Type: domain.MovementIn, Quantity: 10},
		{OrgID: "org-1", ProductID: 3, Type: domain.MovementOut, Quantity: 4},
		{OrgID: "org-1", ProductID: 3, Type: domain.MovementAdjustment, Quantity: 8},
	} {
		_, err := repo.Append(s.ctx, m)
		s.Require().NoError(err)
	}

	movements, err := repo.ListByProduct(s.ctx, "org-1", 3)
	s.Require().NoError(err)
	s.Len(movements, 3)
	s.Equal(int64(8), domain.ReplayMovements(movements))
}

func (s *RepositoriesTestSuite) TestTransactionsAndItems() {
	repo := NewTransactionRepository(s.store)
	customerID := int64(4)

	tx, err := repo.Create(s.ctx, domain.Transaction{
		ID:                1,
		OrgID:             "org-1",
		TransactionNumber: "POS-0001",
		CustomerID:        &customerID,
		Subtotal:          decimal.RequireFromString("100.00"),
		Tax:               decimal.RequireFromString("7.00"),
		Discount:          decimal.Zero,
		Total:             decimal.RequireFromString("107.00"),
		PaymentStatus:     domain.PaymentStatusPaid,
	})
	s.Require().NoError(err)

	_, err = repo.Create(s.ctx, domain.Transaction{ID: 2, OrgID: "org-1", TransactionNumber: "POS-0001", PaymentStatus: domain.PaymentStatusPaid})
	s.ErrorIs(err, domain.ErrDuplicate)

	_, err = repo.CreateItems(s.ctx, []domain.TransactionItem{{
		OrgID:         "org-1",
		TransactionID: tx.ID,
		ProductID:     7,
		Quantity:      2,
		UnitPrice:     decimal.RequireFromString("50.00"),
		Subtotal:      decimal.RequireFromString("100.00"),
		Toppings:      []domain.Topping{{Name: "Pearl", Price: decimal.RequireFromString("10.00")}},
	}})
	s.Require().NoError(err)

	_, err = repo.CreateItems(s.ctx, []domain.TransactionItem{{OrgID: "org-1", TransactionID: 99, ProductID: 7, Quantity: 1}})
	s.ErrorIs(err, domain.ErrNotFound)

	items, err := repo.ListItems(s.ctx, "org-1", tx.ID)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Require().Len(items[0].Toppings, 1)
	s.Equal("Pearl", items[0].Toppings[0].Name)

	s.Require().NoError(repo.UpdatePaymentStatus(s.ctx, "org-1", tx.ID, domain.PaymentStatusDisputed))
	stored, err := repo.Get(s.ctx, "org-1", tx.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusDisputed, stored.PaymentStatus)
	s.Require().NotNil(stored.CustomerID)
	s.Equal(customerID, *stored.CustomerID)
	s.True(stored.Total.Equal(decimal.RequireFromString("107")))

	s.ErrorIs(repo.UpdatePaymentStatus(s.ctx, "org-1", 42, domain.PaymentStatusPaid), domain.ErrNotFound)
}

func (s *RepositoriesTestSuite) TestCustomerPointsGuard() {
	repo := NewCustomerRepository(s.store)
	_, err := repo.Create(s.ctx, domain.Customer{ID: 1, OrgID: "org-1", Name: "Nok", LoyaltyPoints: 10})
	s.Require().NoError(err)

	_, _, err = repo.AdjustPoints(s.ctx, "org-1", 1, -11)
	s.ErrorIs(err, domain.ErrInsufficientPoints)

	before, after, err := repo.AdjustPoints(s.ctx, "org-1", 1, -4)
	s.Require().NoError(err)
	s.Equal(int64(10), before)
	s.Equal(int64(6), after)

	_, _, err = repo.AdjustPoints(s.ctx, "org-1", 2, 1)
	s.ErrorIs(err, domain.ErrNotFound)

	s.Require().NoError(repo.AddSpend(s.ctx, "org-1", 1, decimal.RequireFromString("160.50")))
	customer, err := repo.Get(s.ctx, "org-1", 1)
	s.Require().NoError(err)
	s.Equal("160.50", customer.TotalSpent.StringFixed(2))
	s.Equal(int64(1), customer.VisitCount)
}

func (s *RepositoriesTestSuite) TestLoyaltyProgramAndLedger() {
	repo := NewLoyaltyRepository(s.store)
	days := 30
	s.Require().NoError(repo.SaveProgram(s.ctx, domain.LoyaltyProgram{
		OrgID:               "org-1",
		PointsPerBaht:       decimal.NewFromInt(100),
		PointValue:          decimal.RequireFromString("0.10"),
		PointExpirationDays: &days,
		IsActive:            true,
	}))

	program, err := repo.GetProgram(s.ctx, "org-1")
	s.Require().NoError(err)
	s.True(program.IsActive)
	s.Require().NotNil(program.PointExpirationDays)
	s.Equal(30, *program.PointExpirationDays)

	expires := time.Now().UTC().Add(24 * time.Hour)
	_, err = repo.Append(s.ctx, domain.LoyaltyTransaction{
		OrgID: "org-1", CustomerID: 1, Type: domain.LoyaltyEarn, Points: 5, BalanceAfter: 5, ExpiresAt: &expires,
	})
	s.Require().NoError(err)

	entries, err := repo.ListByCustomer(s.ctx, "org-1", 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.NotNil(entries[0].ExpiresAt)
	s.Nil(entries[0].TransactionID)

	_, err = repo.GetProgram(s.ctx, "org-2")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *RepositoriesTestSuite) TestTaxInvoiceUniqueness() {
	repo := NewTaxInvoiceRepository(s.store)
	invoice := domain.TaxInvoice{
		OrgID:         "org-1",
		TransactionID: 1,
		InvoiceNumber: "IV202602-0001",
		Sequence:      1,
		Type:          domain.InvoiceAbbreviated,
		Subtotal:      decimal.RequireFromString("100.00"),
		VAT:           decimal.RequireFromString("7.00"),
		Total:         decimal.RequireFromString("107.00"),
	}
	_, err := repo.Create(s.ctx, invoice)
	s.Require().NoError(err)

	_, err = repo.Create(s.ctx, invoice)
	s.ErrorIs(err, domain.ErrDuplicate)

	other := invoice
	other.TransactionID = 2
	_, err = repo.Create(s.ctx, other)
	s.ErrorIs(err, domain.ErrDuplicate)

	stored, err := repo.GetByTransaction(s.ctx, "org-1", 1)
	s.Require().NoError(err)
	s.Equal("IV202602-0001", stored.InvoiceNumber)
}

func (s *RepositoriesTestSuite) TestAnomaliesFilterAndResolve() {
	repo := NewAnomalyRepository(s.store)
	productID := int64(7)

	first, err := repo.Record(s.ctx, domain.Anomaly{
		OrgID: "org-1", Step: domain.StepDeductStock, Kind: domain.AnomalyOversellAttempt, ProductID: &productID,
	})
	s.Require().NoError(err)
	_, err = repo.Record(s.ctx, domain.Anomaly{OrgID: "org-2", Step: domain.StepTaxInvoice, Kind: domain.AnomalySideEffectFailed})
	s.Require().NoError(err)

	open, err := repo.List(s.ctx, domain.AnomalyFilter{OrgID: "org-1", UnresolvedOnly: true})
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(productID, *open[0].ProductID)

	s.Require().NoError(repo.Resolve(s.ctx, "org-1", first.ID, time.Now()))
	open, err = repo.List(s.ctx, domain.AnomalyFilter{OrgID: "org-1", UnresolvedOnly: true})
	s.Require().NoError(err)
	s.Empty(open)

	err = repo.Resolve(s.ctx, "org-2", first.ID, time.Now())
	s.True(errors.Is(err, domain.ErrNotFound))

	all, err := repo.List(s.ctx, domain.AnomalyFilter{})
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *RepositoriesTestSuite) TestCatalogOrdering() {
	products := NewProductRepository(s.store)
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	_, err := products.Create(s.ctx, domain.Product{DocID: "p-late", ID: 8, OrgID: "org-1", Name: "Mocha", CreatedAt: base.Add(time.Hour)})
	s.Require().NoError(err)
	_, err = products.Create(s.ctx, domain.Product{DocID: "p-early", ID: 7, OrgID: "org-1", Name: "Latte", CreatedAt: base})
	s.Require().NoError(err)

	// После миграции уникальности дубль productId отклоняется.
	_, err = products.Create(s.ctx, domain.Product{ID: 7, OrgID: "org-1", Name: "Latte copy"})
	s.ErrorIs(err, domain.ErrDuplicate)

	listed, err := products.ListByOrg(s.ctx, "org-1")
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal("p-early", listed[0].DocID)

	got, err := products.Get(s.ctx, "org-1", 7)
	s.Require().NoError(err)
	s.Equal("Latte", got.Name)

	s.Require().NoError(products.UpdateBarcode(s.ctx, "p-late", "2000000000077"))
	s.ErrorIs(products.UpdateID(s.ctx, "missing", 1), domain.ErrNotFound)

	categories := NewCategoryRepository(s.store)
	_, err = categories.Create(s.ctx, domain.Category{DocID: "c-1", ID: 1, OrgID: "org-1", Name: "Coffee"})
	s.Require().NoError(err)
	s.Require().NoError(categories.UpdateID(s.ctx, "c-1", 5))
	list, err := categories.ListByOrg(s.ctx, "org-1")
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(int64(5), list[0].ID)
}
