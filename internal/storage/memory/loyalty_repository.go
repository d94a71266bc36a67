package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type loyaltyRepositoryInMemory struct {
	mu       sync.RWMutex
	programs map[string]domain.LoyaltyProgram
	entries  []domain.LoyaltyTransaction
}

// NewLoyaltyRepository создаёт in-memory хранилище программы лояльности и журнала баллов.
func NewLoyaltyRepository() domain.LoyaltyRepository {
	return &loyaltyRepositoryInMemory{programs: make(map[string]domain.LoyaltyProgram)}
}

func (r *loyaltyRepositoryInMemory) GetProgram(_ context.Context, orgID string) (domain.LoyaltyProgram, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	program, ok := r.programs[orgID]
	if !ok {
		return domain.LoyaltyProgram{}, domain.ErrNotFound
	}
	return program, nil
}

func (r *loyaltyRepositoryInMemory) SaveProgram(_ context.Context, program domain.LoyaltyProgram) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.programs[program.OrgID] = program
	return nil
}

func (r *loyaltyRepositoryInMemory) Append(_ context.Context, entry domain.LoyaltyTransaction) (domain.LoyaltyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return entry, nil
}

func (r *loyaltyRepositoryInMemory) ListByCustomer(_ context.Context, orgID string, customerID int64) ([]domain.LoyaltyTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.LoyaltyTransaction, 0)
	for _, entry := range r.entries {
		if entry.OrgID == orgID && entry.CustomerID == customerID {
			result = append(result, entry)
		}
	}
	return result, nil
}

var _ domain.LoyaltyRepository = (*loyaltyRepositoryInMemory)(nil)
