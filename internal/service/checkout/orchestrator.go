package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/loyalty"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/sequence"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
	"github.com/vladislavdragonenkov/possettle/internal/service/tax"
)

// Dependencies — компоненты, из которых собирается checkout.
type Dependencies struct {
	Transactions domain.TransactionRepository
	Products     domain.ProductRepository
	Customers    domain.CustomerRepository
	Allocator    *sequence.Allocator
	Stock        *stock.Ledger
	Tax          *tax.Emitter
	Loyalty      *loyalty.Service
	Anomalies    *anomaly.Recorder
	Events       *outbox.Emitter
	Metrics      *metrics.SettlementMetrics
	Logger       *log.Entry
}

// Result — итог проведённой продажи.
type Result struct {
	Transaction domain.Transaction
	Items       []domain.TransactionItem
	Invoice     *domain.TaxInvoice
	Loyalty     *domain.LoyaltyTransaction
	// Anomalies — шаги, не выполненные после записи продажи.
	Anomalies []domain.Anomaly
}

// Orchestrator проводит продажу как линейную сагу:
// validate → aggregate → pre-flight → persist → items → deduct → invoice → loyalty.
// Отказ без побочных эффектов возможен только до записи транзакции. Всё, что
// не удалось после неё, фиксируется как Anomaly, продажа не откатывается.
type Orchestrator struct {
	deps   Dependencies
	logger *log.Entry
}

// NewOrchestrator создаёт оркестратор checkout.
func NewOrchestrator(deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &Orchestrator{deps: deps, logger: logger}
}

// Checkout проводит продажу от имени пользователя из контекста.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	o.deps.Metrics.RecordCheckoutStarted()
	defer func() {
		o.deps.Metrics.RecordCheckoutFinished(time.Since(start))
		if err != nil {
			o.deps.Metrics.RecordCheckoutRejected(domain.ErrorCode(err))
		} else {
			o.deps.Metrics.RecordCheckoutCompleted()
		}
	}()

	actor, err := domain.RequireTenant(ctx)
	if err != nil {
		o.logger.WithError(err).Error("checkout without tenant context")
		return Result{}, err
	}
	logger := o.logger.WithFields(log.Fields{
		"org_id":             actor.OrgID,
		"transaction_number": req.TransactionNumber,
	})

	plan, err := validate(req)
	if err != nil {
		logger.WithError(err).Info("checkout rejected by validation")
		return Result{}, err
	}

	names, customer, err := o.preflight(ctx, actor, req, plan)
	if err != nil {
		logger.WithError(err).Info("checkout rejected by pre-flight")
		return Result{}, err
	}

	tx, err := o.persistSale(ctx, actor, req)
	if err != nil {
		logger.WithError(err).Warn("failed to persist sale")
		return Result{}, err
	}
	logger = logger.WithField("transaction_id", tx.ID)
	res.Transaction = tx

	res.Items = o.materializeItems(ctx, &res, req, plan, names)

	if guardErr := o.deductStock(ctx, actor, &res, plan); guardErr != nil {
		o.markDisputed(ctx, &res, logger)
		return res, guardErr
	}

	o.issueInvoice(ctx, &res, customer)
	if customer != nil {
		o.settleCustomer(ctx, &res, customer)
	}

	o.emit(ctx, domain.EventSaleRecorded, res)
	logger.WithFields(log.Fields{
		"total":     res.Transaction.Total.StringFixed(2),
		"items":     len(req.Items),
		"products":  len(plan.demands),
		"anomalies": len(res.Anomalies),
	}).Info("sale recorded")
	return res, nil
}

// preflight проверяет наличие товаров, покупателя и остатков. Записей не делает.
func (o *Orchestrator) preflight(ctx context.Context, actor domain.Actor, req Request, plan validated) (map[int64]string, *domain.Customer, error) {
	defer o.timed(domain.StepPreflight, time.Now())

	names := make(map[int64]string, len(plan.demands))
	for _, d := range plan.demands {
		product, err := o.deps.Products.Get(ctx, actor.OrgID, d.productID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil, domain.NewLineValidationError(d.firstLine, "productId",
					fmt.Sprintf("product %d does not exist", d.productID))
			}
			return nil, nil, fmt.Errorf("load product %d: %w", d.productID, err)
		}
		names[d.productID] = product.Name

		available, err := o.deps.Stock.Available(ctx, actor.OrgID, d.productID)
		if err != nil {
			return nil, nil, err
		}
		if available < d.quantity {
			return nil, nil, &domain.InsufficientStockError{
				ProductID:   d.productID,
				ProductName: product.Name,
				Requested:   d.quantity,
				Available:   available,
			}
		}
	}

	if req.CustomerID == nil {
		return names, nil, nil
	}
	customer, err := o.deps.Customers.Get(ctx, actor.OrgID, *req.CustomerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.NewValidationError("customerId",
				fmt.Sprintf("customer %d does not exist", *req.CustomerID))
		}
		return nil, nil, fmt.Errorf("load customer %d: %w", *req.CustomerID, err)
	}
	return names, &customer, nil
}

func (o *Orchestrator) persistSale(ctx context.Context, actor domain.Actor, req Request) (domain.Transaction, error) {
	defer o.timed(domain.StepPersistSale, time.Now())

	id, err := o.deps.Allocator.Next(ctx, domain.CounterTransactions)
	if err != nil {
		return domain.Transaction{}, err
	}
	cashierName := actor.Name
	if cashierName == "" {
		cashierName = actor.UserID
	}
	tx, err := o.deps.Transactions.Create(ctx, domain.Transaction{
		ID:                id,
		OrgID:             actor.OrgID,
		TransactionNumber: strings.TrimSpace(req.TransactionNumber),
		CustomerID:        req.CustomerID,
		Subtotal:          req.Subtotal,
		Tax:               req.Tax,
		Discount:          req.Discount,
		Total:             req.Total,
		PaymentMethod:     req.PaymentMethod,
		PaymentStatus:     domain.PaymentStatusPaid,
		CashierID:         actor.UserID,
		CashierName:       cashierName,
		Notes:             req.Notes,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.Transaction{}, fmt.Errorf("transaction %q already recorded: %w", req.TransactionNumber, err)
		}
		return domain.Transaction{}, fmt.Errorf("persist transaction: %w", err)
	}
	return tx, nil
}

func (o *Orchestrator) materializeItems(ctx context.Context, res *Result, req Request, plan validated, names map[int64]string) []domain.TransactionItem {
	defer o.timed(domain.StepLineItems, time.Now())

	items := make([]domain.TransactionItem, len(req.Items))
	for i, line := range req.Items {
		items[i] = domain.TransactionItem{
			OrgID:         res.Transaction.OrgID,
			TransactionID: res.Transaction.ID,
			ProductID:     plan.productIDs[i],
			ProductName:   names[plan.productIDs[i]],
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Discount:      line.Discount,
			Subtotal:      line.Subtotal,
			Toppings:      line.Toppings,
			CreatedAt:     res.Transaction.CreatedAt,
		}
	}
	created, err := o.deps.Transactions.CreateItems(ctx, items)
	if err != nil {
		o.recordAnomaly(ctx, res, anomaly.ForSale(res.Transaction, domain.StepLineItems, domain.AnomalySideEffectFailed), err)
		return nil
	}
	return created
}

// deductStock списывает каждый товар ровно один раз агрегированным количеством.
// Возвращает первую ошибку guard, остальные товары при этом всё равно списываются.
func (o *Orchestrator) deductStock(ctx context.Context, actor domain.Actor, res *Result, plan validated) error {
	defer o.timed(domain.StepDeductStock, time.Now())

	reason := "sale " + res.Transaction.TransactionNumber
	var firstGuard error
	for _, d := range plan.demands {
		_, err := o.deps.Stock.DecrementForSale(ctx, actor, d.productID, d.quantity, reason)
		if err == nil {
			continue
		}
		productID := d.productID
		var guard *domain.StockGuardError
		if errors.As(err, &guard) {
			a := anomaly.ForSale(res.Transaction, domain.StepDeductStock, domain.AnomalyOversellAttempt)
			a.ProductID = &productID
			a.Message = fmt.Sprintf("concurrent sale left %d of product %d, %d requested",
				guard.Available, guard.ProductID, guard.Requested)
			o.recordAnomaly(ctx, res, a, err)
			if firstGuard == nil {
				firstGuard = err
			}
			continue
		}
		a := anomaly.ForSale(res.Transaction, domain.StepDeductStock, domain.AnomalySideEffectFailed)
		a.ProductID = &productID
		o.recordAnomaly(ctx, res, a, err)
	}
	return firstGuard
}

func (o *Orchestrator) markDisputed(ctx context.Context, res *Result, logger *log.Entry) {
	if err := o.deps.Transactions.UpdatePaymentStatus(ctx, res.Transaction.OrgID, res.Transaction.ID, domain.PaymentStatusDisputed); err != nil {
		logger.WithError(err).Error("failed to mark oversold sale as disputed")
	} else {
		res.Transaction.PaymentStatus = domain.PaymentStatusDisputed
	}
	o.emit(ctx, domain.EventSaleDisputed, *res)
	logger.Warn("sale recorded with negative stock guard violation")
}

func (o *Orchestrator) issueInvoice(ctx context.Context, res *Result, customer *domain.Customer) {
	defer o.timed(domain.StepTaxInvoice, time.Now())

	invoice, err := o.deps.Tax.IssueForSale(ctx, res.Transaction, customer)
	if err != nil {
		o.recordAnomaly(ctx, res, anomaly.ForSale(res.Transaction, domain.StepTaxInvoice, domain.AnomalySideEffectFailed), err)
		return
	}
	res.Invoice = invoice
}

// settleCustomer начисляет баллы и обновляет суммарные траты покупателя.
// Траты обновляются независимо от того, начислены ли баллы.
func (o *Orchestrator) settleCustomer(ctx context.Context, res *Result, customer *domain.Customer) {
	defer o.timed(domain.StepLoyalty, time.Now())

	customerID := customer.ID
	entry, err := o.deps.Loyalty.Accrue(ctx, res.Transaction, customer.ID)
	if err != nil {
		a := anomaly.ForSale(res.Transaction, domain.StepLoyalty, domain.AnomalySideEffectFailed)
		a.CustomerID = &customerID
		o.recordAnomaly(ctx, res, a, err)
	} else {
		res.Loyalty = entry
	}

	if err := o.deps.Customers.AddSpend(ctx, res.Transaction.OrgID, customer.ID, res.Transaction.Total); err != nil {
		a := anomaly.ForSale(res.Transaction, domain.StepCustomerSpend, domain.AnomalySideEffectFailed)
		a.CustomerID = &customerID
		o.recordAnomaly(ctx, res, a, err)
	}
}

func (o *Orchestrator) recordAnomaly(ctx context.Context, res *Result, a domain.Anomaly, cause error) {
	res.Anomalies = append(res.Anomalies, o.deps.Anomalies.Record(ctx, a, cause))
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, res Result) {
	tx := res.Transaction
	payload := map[string]any{
		"org_id":             tx.OrgID,
		"transaction_id":     tx.ID,
		"transaction_number": tx.TransactionNumber,
		"payment_status":     tx.PaymentStatus,
		"subtotal":           tx.Subtotal.StringFixed(2),
		"tax":                tx.Tax.StringFixed(2),
		"discount":           tx.Discount.StringFixed(2),
		"total":              tx.Total.StringFixed(2),
		"items":              len(res.Items),
		"anomalies":          len(res.Anomalies),
	}
	if tx.CustomerID != nil {
		payload["customer_id"] = *tx.CustomerID
	}
	if res.Invoice != nil {
		payload["invoice_number"] = res.Invoice.InvoiceNumber
	}
	if err := o.deps.Events.Emit(ctx, "transaction", strconv.FormatInt(tx.ID, 10), eventType, payload); err != nil {
		o.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to enqueue sale event")
	}
}

func (o *Orchestrator) timed(step domain.SagaStep, start time.Time) {
	o.deps.Metrics.RecordStepDuration(string(step), time.Since(start))
}
