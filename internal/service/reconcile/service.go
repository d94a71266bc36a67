package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/loyalty"
	"github.com/vladislavdragonenkov/possettle/internal/service/tax"
)

// StockDrift — расхождение остатка с суммой журнала движений.
type StockDrift struct {
	ProductID int64 `json:"productId"`
	Recorded  int64 `json:"recorded"`
	Replayed  int64 `json:"replayed"`
	Movements int   `json:"movements"`
}

// LoyaltyDrift — расхождение кэша баллов с журналом.
type LoyaltyDrift struct {
	CustomerID int64 `json:"customerId"`
	Cached     int64 `json:"cached"`
	Ledger     int64 `json:"ledger"`
}

// MissingInvoice — оплаченная продажа VAT-организации без инвойса.
type MissingInvoice struct {
	TransactionID     int64  `json:"transactionId"`
	TransactionNumber string `json:"transactionNumber"`
	Reissued          bool   `json:"reissued"`
	InvoiceNumber     string `json:"invoiceNumber,omitempty"`
}

// Report — итог сверки одной организации.
type Report struct {
	OrgID           string           `json:"orgId"`
	CheckedAt       time.Time        `json:"checkedAt"`
	StockDrift      []StockDrift     `json:"stockDrift"`
	LoyaltyDrift    []LoyaltyDrift   `json:"loyaltyDrift"`
	MissingInvoices []MissingInvoice `json:"missingInvoices"`
	Recorded        int              `json:"anomaliesRecorded"`
}

// Clean сообщает, что расхождений не найдено.
func (r Report) Clean() bool {
	if len(r.StockDrift) > 0 || len(r.LoyaltyDrift) > 0 {
		return false
	}
	for _, m := range r.MissingInvoices {
		if !m.Reissued {
			return false
		}
	}
	return true
}

// Service сверяет денормализованные кэши с журналами и находит продажи без инвойса.
type Service struct {
	inventory    domain.InventoryRepository
	movements    domain.MovementRepository
	customers    domain.CustomerRepository
	loyalty      domain.LoyaltyRepository
	transactions domain.TransactionRepository
	invoices     domain.TaxInvoiceRepository
	anomalyRepo  domain.AnomalyRepository
	tax          *tax.Emitter
	anomalies    *anomaly.Recorder
	metrics      *metrics.SettlementMetrics
	logger       *log.Entry
}

// Dependencies — хранилища и компоненты для сверки.
type Dependencies struct {
	Inventory    domain.InventoryRepository
	Movements    domain.MovementRepository
	Customers    domain.CustomerRepository
	Loyalty      domain.LoyaltyRepository
	Transactions domain.TransactionRepository
	Invoices     domain.TaxInvoiceRepository
	AnomalyRepo  domain.AnomalyRepository
	Tax          *tax.Emitter
	Anomalies    *anomaly.Recorder
	Metrics      *metrics.SettlementMetrics
	Logger       *log.Entry
}

// NewService создаёт сервис сверки.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "reconcile")
	}
	return &Service{
		inventory:    deps.Inventory,
		movements:    deps.Movements,
		customers:    deps.Customers,
		loyalty:      deps.Loyalty,
		transactions: deps.Transactions,
		invoices:     deps.Invoices,
		anomalyRepo:  deps.AnomalyRepo,
		tax:          deps.Tax,
		anomalies:    deps.Anomalies,
		metrics:      deps.Metrics,
		logger:       logger,
	}
}

// StockDrift воспроизводит журнал движений каждого товара и сравнивает с остатком.
func (s *Service) StockDrift(ctx context.Context, orgID string) ([]StockDrift, error) {
	rows, err := s.inventory.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	drift := make([]StockDrift, 0)
	for _, row := range rows {
		movements, err := s.movements.ListByProduct(ctx, orgID, row.ProductID)
		if err != nil {
			return nil, fmt.Errorf("list movements of product %d: %w", row.ProductID, err)
		}
		replayed := domain.ReplayMovements(movements)
		if replayed != row.Quantity {
			drift = append(drift, StockDrift{
				ProductID: row.ProductID,
				Recorded:  row.Quantity,
				Replayed:  replayed,
				Movements: len(movements),
			})
		}
	}
	return drift, nil
}

// LoyaltyDrift сравнивает Customer.LoyaltyPoints с суммой журнала баллов.
func (s *Service) LoyaltyDrift(ctx context.Context, orgID string) ([]LoyaltyDrift, error) {
	customers, err := s.customers.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	drift := make([]LoyaltyDrift, 0)
	for _, c := range customers {
		entries, err := s.loyalty.ListByCustomer(ctx, orgID, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list loyalty entries of customer %d: %w", c.ID, err)
		}
		if sum := loyalty.LedgerSum(entries); sum != c.LoyaltyPoints {
			drift = append(drift, LoyaltyDrift{CustomerID: c.ID, Cached: c.LoyaltyPoints, Ledger: sum})
		}
	}
	return drift, nil
}

// MissingInvoices находит оплаченные с момента since продажи без инвойса.
// При reissue инвойс выпускается повторно теми же правилами, что и в checkout.
func (s *Service) MissingInvoices(ctx context.Context, orgID string, since time.Time, reissue bool) ([]MissingInvoice, error) {
	missing := make([]MissingInvoice, 0)
	_, required, err := s.tax.RequiresInvoice(ctx, orgID)
	if err != nil || !required {
		return missing, err
	}

	txs, err := s.transactions.ListByOrg(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	for _, tx := range txs {
		if tx.PaymentStatus != domain.PaymentStatusPaid {
			continue
		}
		_, err := s.invoices.GetByTransaction(ctx, orgID, tx.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("lookup invoice of transaction %d: %w", tx.ID, err)
		}

		item := MissingInvoice{TransactionID: tx.ID, TransactionNumber: tx.TransactionNumber}
		if reissue {
			invoice, err := s.tax.IssueForSale(ctx, tx, s.customerOf(ctx, tx))
			if err != nil {
				s.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to reissue tax invoice")
			} else if invoice != nil {
				item.Reissued = true
				item.InvoiceNumber = invoice.InvoiceNumber
			}
		}
		missing = append(missing, item)
	}
	return missing, nil
}

func (s *Service) customerOf(ctx context.Context, tx domain.Transaction) *domain.Customer {
	if tx.CustomerID == nil {
		return nil
	}
	customer, err := s.customers.Get(ctx, tx.OrgID, *tx.CustomerID)
	if err != nil {
		return nil
	}
	return &customer
}

// Reconcile выполняет все проверки для организации и записывает новые аномалии.
// Аномалия, уже открытая для того же объекта, повторно не записывается.
func (s *Service) Reconcile(ctx context.Context, orgID string, since time.Time, reissue bool) (Report, error) {
	if orgID == "" {
		return Report{}, domain.ErrMissingTenant
	}
	report := Report{OrgID: orgID, CheckedAt: time.Now().UTC()}
	var err error
	if report.StockDrift, err = s.StockDrift(ctx, orgID); err != nil {
		return report, err
	}
	if report.LoyaltyDrift, err = s.LoyaltyDrift(ctx, orgID); err != nil {
		return report, err
	}
	if report.MissingInvoices, err = s.MissingInvoices(ctx, orgID, since, reissue); err != nil {
		return report, err
	}
	s.metrics.RecordReconcileRun()

	open, err := s.openAnomalies(ctx, orgID)
	if err != nil {
		return report, err
	}
	record := func(a domain.Anomaly) {
		key := anomalyKey(a)
		if open[key] {
			return
		}
		open[key] = true
		a.OrgID = orgID
		a.Step = domain.StepReconciliation
		s.anomalies.Record(ctx, a, nil)
		report.Recorded++
	}

	for _, d := range report.StockDrift {
		productID := d.ProductID
		record(domain.Anomaly{
			Kind:      domain.AnomalyStockDrift,
			ProductID: &productID,
			Message: fmt.Sprintf("inventory of product %d is %d, movements replay to %d",
				d.ProductID, d.Recorded, d.Replayed),
		})
	}
	for _, d := range report.LoyaltyDrift {
		customerID := d.CustomerID
		record(domain.Anomaly{
			Kind:       domain.AnomalyLoyaltyDrift,
			CustomerID: &customerID,
			Message: fmt.Sprintf("customer %d caches %d points, ledger sums to %d",
				d.CustomerID, d.Cached, d.Ledger),
		})
	}
	for _, m := range report.MissingInvoices {
		if m.Reissued {
			continue
		}
		txID := m.TransactionID
		record(domain.Anomaly{
			Kind:              domain.AnomalyMissingInvoice,
			TransactionID:     &txID,
			TransactionNumber: m.TransactionNumber,
			Message:           fmt.Sprintf("paid sale %s has no tax invoice", m.TransactionNumber),
		})
	}

	entry := s.logger.WithFields(log.Fields{
		"org_id":           orgID,
		"stock_drift":      len(report.StockDrift),
		"loyalty_drift":    len(report.LoyaltyDrift),
		"missing_invoices": len(report.MissingInvoices),
		"recorded":         report.Recorded,
	})
	if report.Clean() {
		entry.Debug("reconciliation clean")
	} else {
		entry.Warn("reconciliation found drift")
	}
	return report, nil
}

func (s *Service) openAnomalies(ctx context.Context, orgID string) (map[string]bool, error) {
	open := make(map[string]bool)
	if s.anomalyRepo == nil {
		return open, nil
	}
	existing, err := s.anomalyRepo.List(ctx, domain.AnomalyFilter{OrgID: orgID, UnresolvedOnly: true, Limit: 10_000})
	if err != nil {
		return nil, fmt.Errorf("list open anomalies: %w", err)
	}
	for _, a := range existing {
		open[anomalyKey(a)] = true
	}
	return open, nil
}

func anomalyKey(a domain.Anomaly) string {
	var productID, customerID, transactionID int64
	if a.ProductID != nil {
		productID = *a.ProductID
	}
	if a.CustomerID != nil {
		customerID = *a.CustomerID
	}
	if a.TransactionID != nil {
		transactionID = *a.TransactionID
	}
	return fmt.Sprintf("%s/%d/%d/%d", a.Kind, productID, customerID, transactionID)
}
