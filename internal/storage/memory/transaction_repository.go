package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type transactionKey struct {
	orgID string
	id    int64
}

type numberKey struct {
	orgID  string
	number string
}

// transactionRepositoryInMemory хранит продажи и строки продаж.
type transactionRepositoryInMemory struct {
	mu       sync.RWMutex
	txs      map[transactionKey]domain.Transaction
	byNumber map[numberKey]int64
	items    map[transactionKey][]domain.TransactionItem
}

// NewTransactionRepository создаёт in-memory хранилище продаж.
func NewTransactionRepository() domain.TransactionRepository {
	return &transactionRepositoryInMemory{
		txs:      make(map[transactionKey]domain.Transaction),
		byNumber: make(map[numberKey]int64),
		items:    make(map[transactionKey][]domain.TransactionItem),
	}
}

func (r *transactionRepositoryInMemory) Create(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := transactionKey{tx.OrgID, tx.ID}
	if _, exists := r.txs[key]; exists {
		return domain.Transaction{}, domain.ErrDuplicate
	}
	nk := numberKey{tx.OrgID, tx.TransactionNumber}
	if _, exists := r.byNumber[nk]; exists {
		return domain.Transaction{}, domain.ErrDuplicate
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	r.txs[key] = tx
	r.byNumber[nk] = tx.ID
	return tx, nil
}

func (r *transactionRepositoryInMemory) Get(_ context.Context, orgID string, id int64) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.txs[transactionKey{orgID, id}]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}

func (r *transactionRepositoryInMemory) ListByOrg(_ context.Context, orgID string, since time.Time) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Transaction, 0)
	for key, tx := range r.txs {
		if key.orgID != orgID || tx.CreatedAt.Before(since) {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *transactionRepositoryInMemory) UpdatePaymentStatus(_ context.Context, orgID string, id int64, status domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := transactionKey{orgID, id}
	tx, ok := r.txs[key]
	if !ok {
		return domain.ErrNotFound
	}
	tx.PaymentStatus = status
	r.txs[key] = tx
	return nil
}

func (r *transactionRepositoryInMemory) CreateItems(_ context.Context, items []domain.TransactionItem) ([]domain.TransactionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := make([]domain.TransactionItem, 0, len(items))
	for _, item := range items {
		if _, ok := r.txs[transactionKey{item.OrgID, item.TransactionID}]; !ok {
			return nil, domain.ErrNotFound
		}
	}
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.Toppings = append([]domain.Topping(nil), item.Toppings...)
		key := transactionKey{item.OrgID, item.TransactionID}
		r.items[key] = append(r.items[key], item)
		stored = append(stored, item)
	}
	return stored, nil
}

func (r *transactionRepositoryInMemory) ListItems(_ context.Context, orgID string, transactionID int64) ([]domain.TransactionItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := r.items[transactionKey{orgID, transactionID}]
	return append([]domain.TransactionItem(nil), items...), nil
}

var _ domain.TransactionRepository = (*transactionRepositoryInMemory)(nil)
