package tax

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/sequence"
)

// DefaultLocation — часовой пояс, в котором считается месяц нумерации инвойсов.
const DefaultLocation = "Asia/Bangkok"

// Emitter выпускает VAT-инвойсы для продаж организаций, зарегистрированных плательщиками НДС.
type Emitter struct {
	invoices  domain.TaxInvoiceRepository
	profiles  domain.CompanyProfileRepository
	allocator *sequence.Allocator
	events    *outbox.Emitter
	metrics   *metrics.SettlementMetrics
	logger    *log.Entry
	location  *time.Location
}

// NewEmitter создаёт эмиттер. location == nil означает UTC.
func NewEmitter(
	invoices domain.TaxInvoiceRepository,
	profiles domain.CompanyProfileRepository,
	allocator *sequence.Allocator,
	events *outbox.Emitter,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
	location *time.Location,
) *Emitter {
	if logger == nil {
		logger = log.New().WithField("component", "tax-invoice")
	}
	if location == nil {
		location = time.UTC
	}
	return &Emitter{
		invoices:  invoices,
		profiles:  profiles,
		allocator: allocator,
		events:    events,
		metrics:   m,
		logger:    logger,
		location:  location,
	}
}

// RequiresInvoice сообщает, зарегистрирована ли организация плательщиком НДС.
// Отсутствие профиля означает, что инвойс не нужен.
func (e *Emitter) RequiresInvoice(ctx context.Context, orgID string) (domain.CompanyProfile, bool, error) {
	profile, err := e.profiles.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CompanyProfile{}, false, nil
		}
		return domain.CompanyProfile{}, false, fmt.Errorf("load company profile: %w", err)
	}
	return profile, profile.VATRegistered, nil
}

// IssueForSale выпускает инвойс для продажи. Возвращает nil без ошибки, если
// организация не зарегистрирована. Повторный вызов возвращает уже выпущенный инвойс.
func (e *Emitter) IssueForSale(ctx context.Context, tx domain.Transaction, customer *domain.Customer) (*domain.TaxInvoice, error) {
	profile, required, err := e.RequiresInvoice(ctx, tx.OrgID)
	if err != nil || !required {
		return nil, err
	}

	existing, err := e.invoices.GetByTransaction(ctx, tx.OrgID, tx.ID)
	switch {
	case err == nil:
		return &existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("lookup invoice for transaction %d: %w", tx.ID, err)
	}

	issuedAt := tx.CreatedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	local := issuedAt.In(e.location)

	seq, err := e.allocator.Next(ctx, domain.TaxInvoiceCounter(tx.OrgID, local))
	if err != nil {
		return nil, err
	}

	invoice := domain.TaxInvoice{
		ID:            uuid.NewString(),
		OrgID:         tx.OrgID,
		TransactionID: tx.ID,
		InvoiceNumber: domain.FormatInvoiceNumber(local, seq),
		Sequence:      seq,
		Type:          domain.InvoiceAbbreviated,
		CustomerID:    tx.CustomerID,
		SellerTaxID:   profile.TaxID,
		Subtotal:      tx.Total.Sub(tx.Tax),
		VAT:           tx.Tax,
		Total:         tx.Total,
		IssuedAt:      issuedAt.UTC(),
	}
	if customer != nil {
		invoice.CustomerName = customer.Name
		if customer.TaxID != "" {
			invoice.Type = domain.InvoiceFull
			invoice.CustomerTaxID = customer.TaxID
		}
	}

	created, err := e.invoices.Create(ctx, invoice)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// Инвойс выпустил конкурентный вызов, номер seq остаётся неиспользованным.
			e.logger.WithFields(log.Fields{
				"org_id":         tx.OrgID,
				"transaction_id": tx.ID,
				"sequence":       seq,
			}).Warn("tax invoice already issued concurrently")
			if existing, getErr := e.invoices.GetByTransaction(ctx, tx.OrgID, tx.ID); getErr == nil {
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("persist tax invoice %s: %w", invoice.InvoiceNumber, err)
	}

	e.metrics.RecordInvoiceIssued()
	e.logger.WithFields(log.Fields{
		"org_id":         created.OrgID,
		"transaction_id": created.TransactionID,
		"invoice_number": created.InvoiceNumber,
		"invoice_type":   created.Type,
	}).Info("tax invoice issued")

	if err := e.events.Emit(ctx, "tax_invoice", created.ID, domain.EventInvoiceIssued, map[string]any{
		"org_id":         created.OrgID,
		"transaction_id": strconv.FormatInt(created.TransactionID, 10),
		"invoice_number": created.InvoiceNumber,
		"type":           created.Type,
		"subtotal":       created.Subtotal.StringFixed(2),
		"vat":            created.VAT.StringFixed(2),
		"total":          created.Total.StringFixed(2),
	}); err != nil {
		e.logger.WithError(err).Warn("failed to enqueue invoice event")
	}

	return &created, nil
}
