package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type customerKey struct {
	orgID string
	id    int64
}

type customerRepositoryInMemory struct {
	mu        sync.Mutex
	customers map[customerKey]domain.Customer
}

// NewCustomerRepository создаёт in-memory хранилище покупателей.
func NewCustomerRepository() domain.CustomerRepository {
	return &customerRepositoryInMemory{customers: make(map[customerKey]domain.Customer)}
}

func (r *customerRepositoryInMemory) Create(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := customerKey{customer.OrgID, customer.ID}
	if _, exists := r.customers[key]; exists {
		return domain.Customer{}, domain.ErrDuplicate
	}
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now
	r.customers[key] = customer
	return customer, nil
}

func (r *customerRepositoryInMemory) Get(_ context.Context, orgID string, id int64) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	customer, ok := r.customers[customerKey{orgID, id}]
	if !ok {
		return domain.Customer{}, domain.ErrNotFound
	}
	return customer, nil
}

func (r *customerRepositoryInMemory) ListByOrg(_ context.Context, orgID string) ([]domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Customer, 0)
	for key, customer := range r.customers {
		if key.orgID == orgID {
			result = append(result, customer)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *customerRepositoryInMemory) AddSpend(_ context.Context, orgID string, id int64, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := customerKey{orgID, id}
	customer, ok := r.customers[key]
	if !ok {
		return domain.ErrNotFound
	}
	customer.TotalSpent = customer.TotalSpent.Add(amount)
	customer.VisitCount++
	customer.UpdatedAt = time.Now().UTC()
	r.customers[key] = customer
	return nil
}

func (r *customerRepositoryInMemory) AdjustPoints(_ context.Context, orgID string, id int64, delta int64) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := customerKey{orgID, id}
	customer, ok := r.customers[key]
	if !ok {
		return 0, 0, domain.ErrNotFound
	}
	before := customer.LoyaltyPoints
	after := before + delta
	if after < 0 {
		return before, before, domain.ErrInsufficientPoints
	}
	customer.LoyaltyPoints = after
	customer.UpdatedAt = time.Now().UTC()
	r.customers[key] = customer
	return before, after, nil
}

var _ domain.CustomerRepository = (*customerRepositoryInMemory)(nil)
