package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type inventoryKey struct {
	orgID     string
	productID int64
}

// inventoryRepositoryInMemory хранит остатки. Проверка и запись выполняются под
// одним мьютексом, поэтому guarded-декремент атомарен.
type inventoryRepositoryInMemory struct {
	mu    sync.Mutex
	items map[inventoryKey]domain.Inventory
}

// NewInventoryRepository создаёт in-memory хранилище остатков.
func NewInventoryRepository() domain.InventoryRepository {
	return &inventoryRepositoryInMemory{items: make(map[inventoryKey]domain.Inventory)}
}

func (r *inventoryRepositoryInMemory) Get(_ context.Context, orgID string, productID int64) (domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.items[inventoryKey{orgID, productID}]
	if !ok {
		return domain.Inventory{}, domain.ErrNotFound
	}
	return inv, nil
}

func (r *inventoryRepositoryInMemory) ApplyDelta(_ context.Context, orgID string, productID, delta int64) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inventoryKey{orgID, productID}
	inv, ok := r.items[key]
	if !ok {
		inv = domain.Inventory{OrgID: orgID, ProductID: productID}
	}
	before := inv.Quantity
	after := before + delta
	if after < 0 {
		return before, before, &domain.StockGuardError{ProductID: productID, Requested: -delta, Available: before}
	}
	inv.Quantity = after
	inv.UpdatedAt = time.Now().UTC()
	r.items[key] = inv
	return before, after, nil
}

func (r *inventoryRepositoryInMemory) Set(_ context.Context, orgID string, productID, quantity int64) (int64, int64, error) {
	if quantity < 0 {
		return 0, 0, domain.NewValidationError("quantity", "must be non-negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := inventoryKey{orgID, productID}
	inv, ok := r.items[key]
	if !ok {
		inv = domain.Inventory{OrgID: orgID, ProductID: productID}
	}
	before := inv.Quantity
	inv.Quantity = quantity
	inv.UpdatedAt = time.Now().UTC()
	r.items[key] = inv
	return before, quantity, nil
}

func (r *inventoryRepositoryInMemory) Ensure(_ context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inventoryKey{inventory.OrgID, inventory.ProductID}
	if existing, ok := r.items[key]; ok {
		return existing, nil
	}
	if inventory.Quantity < 0 {
		inventory.Quantity = 0
	}
	inventory.UpdatedAt = time.Now().UTC()
	r.items[key] = inventory
	return inventory, nil
}

func (r *inventoryRepositoryInMemory) ListByOrg(_ context.Context, orgID string) ([]domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Inventory, 0)
	for key, inv := range r.items {
		if key.orgID == orgID {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

// movementRepositoryInMemory — append-only журнал движений.
type movementRepositoryInMemory struct {
	mu        sync.RWMutex
	movements []domain.StockMovement
}

// NewMovementRepository создаёт in-memory журнал движений.
func NewMovementRepository() domain.MovementRepository {
	return &movementRepositoryInMemory{}
}

func (r *movementRepositoryInMemory) Append(_ context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if movement.ID == "" {
		movement.ID = uuid.NewString()
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	r.movements = append(r.movements, movement)
	return movement, nil
}

func (r *movementRepositoryInMemory) ListByProduct(_ context.Context, orgID string, productID int64) ([]domain.StockMovement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.StockMovement, 0)
	for _, m := range r.movements {
		if m.OrgID == orgID && m.ProductID == productID {
			result = append(result, m)
		}
	}
	return result, nil
}

var (
	_ domain.InventoryRepository = (*inventoryRepositoryInMemory)(nil)
	_ domain.MovementRepository  = (*movementRepositoryInMemory)(nil)
)
