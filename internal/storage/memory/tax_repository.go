package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type companyProfileRepositoryInMemory struct {
	mu       sync.RWMutex
	profiles map[string]domain.CompanyProfile
}

// NewCompanyProfileRepository создаёт in-memory хранилище реквизитов организаций.
func NewCompanyProfileRepository() domain.CompanyProfileRepository {
	return &companyProfileRepositoryInMemory{profiles: make(map[string]domain.CompanyProfile)}
}

func (r *companyProfileRepositoryInMemory) Get(_ context.Context, orgID string) (domain.CompanyProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[orgID]
	if !ok {
		return domain.CompanyProfile{}, domain.ErrNotFound
	}
	return profile, nil
}

func (r *companyProfileRepositoryInMemory) Save(_ context.Context, profile domain.CompanyProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.OrgID] = profile
	return nil
}

func (r *companyProfileRepositoryInMemory) List(_ context.Context) ([]domain.CompanyProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.CompanyProfile, 0, len(r.profiles))
	for _, profile := range r.profiles {
		result = append(result, profile)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrgID < result[j].OrgID })
	return result, nil
}

// taxInvoiceRepositoryInMemory гарантирует не более одного инвойса на транзакцию.
type taxInvoiceRepositoryInMemory struct {
	mu       sync.RWMutex
	invoices map[transactionKey]domain.TaxInvoice
}

// NewTaxInvoiceRepository создаёт in-memory хранилище налоговых счетов.
func NewTaxInvoiceRepository() domain.TaxInvoiceRepository {
	return &taxInvoiceRepositoryInMemory{invoices: make(map[transactionKey]domain.TaxInvoice)}
}

func (r *taxInvoiceRepositoryInMemory) Create(_ context.Context, invoice domain.TaxInvoice) (domain.TaxInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := transactionKey{invoice.OrgID, invoice.TransactionID}
	if _, exists := r.invoices[key]; exists {
		return domain.TaxInvoice{}, domain.ErrDuplicate
	}
	for _, existing := range r.invoices {
		if existing.OrgID == invoice.OrgID && existing.InvoiceNumber == invoice.InvoiceNumber {
			return domain.TaxInvoice{}, domain.ErrDuplicate
		}
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}
	r.invoices[key] = invoice
	return invoice, nil
}

func (r *taxInvoiceRepositoryInMemory) GetByTransaction(_ context.Context, orgID string, transactionID int64) (domain.TaxInvoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invoice, ok := r.invoices[transactionKey{orgID, transactionID}]
	if !ok {
		return domain.TaxInvoice{}, domain.ErrNotFound
	}
	return invoice, nil
}

func (r *taxInvoiceRepositoryInMemory) ListByOrg(_ context.Context, orgID string) ([]domain.TaxInvoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.TaxInvoice, 0)
	for key, invoice := range r.invoices {
		if key.orgID == orgID {
			result = append(result, invoice)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InvoiceNumber < result[j].InvoiceNumber })
	return result, nil
}

var (
	_ domain.CompanyProfileRepository = (*companyProfileRepositoryInMemory)(nil)
	_ domain.TaxInvoiceRepository     = (*taxInvoiceRepositoryInMemory)(nil)
)
