package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// productRecord хранит товар и порядковый номер вставки для стабильной сортировки.
type productRecord struct {
	product domain.Product
	seq     int64
}

// productRepositoryInMemory повторяет поведение документного хранилища без
// ограничений уникальности: дубли productId и barcode возможны.
type productRepositoryInMemory struct {
	mu      sync.RWMutex
	seq     int64
	records map[string]*productRecord
}

// NewProductRepository создаёт in-memory каталог товаров.
func NewProductRepository() domain.ProductRepository {
	return &productRepositoryInMemory{records: make(map[string]*productRecord)}
}

func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if product.DocID == "" {
		product.DocID = uuid.NewString()
	}
	if _, exists := r.records[product.DocID]; exists {
		return domain.Product{}, domain.ErrDuplicate
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Status == "" {
		product.Status = domain.ProductStatusActive
	}
	r.seq++
	r.records[product.DocID] = &productRecord{product: product, seq: r.seq}
	return product, nil
}

func (r *productRepositoryInMemory) Get(_ context.Context, orgID string, productID int64) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.sortedLocked() {
		if rec.product.OrgID == orgID && rec.product.ID == productID {
			return rec.product, nil
		}
	}
	return domain.Product{}, domain.ErrNotFound
}

func (r *productRepositoryInMemory) ListByOrg(_ context.Context, orgID string) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Product, 0)
	for _, rec := range r.sortedLocked() {
		if rec.product.OrgID == orgID {
			result = append(result, rec.product)
		}
	}
	return result, nil
}

func (r *productRepositoryInMemory) ListAll(_ context.Context) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedLocked()
	result := make([]domain.Product, 0, len(sorted))
	for _, rec := range sorted {
		result = append(result, rec.product)
	}
	return result, nil
}

func (r *productRepositoryInMemory) UpdateBarcode(_ context.Context, docID, barcode string) error {
	return r.update(docID, func(p *domain.Product) { p.Barcode = barcode })
}

func (r *productRepositoryInMemory) UpdateID(_ context.Context, docID string, productID int64) error {
	return r.update(docID, func(p *domain.Product) { p.ID = productID })
}

func (r *productRepositoryInMemory) UpdateCategoryID(_ context.Context, docID string, categoryID int64) error {
	return r.update(docID, func(p *domain.Product) { p.CategoryID = categoryID })
}

func (r *productRepositoryInMemory) update(docID string, mutate func(*domain.Product)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[docID]
	if !ok {
		return domain.ErrNotFound
	}
	mutate(&rec.product)
	rec.product.UpdatedAt = time.Now().UTC()
	return nil
}

// sortedLocked возвращает записи по времени создания; вызывается под мьютексом.
func (r *productRepositoryInMemory) sortedLocked() []*productRecord {
	result := make([]*productRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].product.CreatedAt.Equal(result[j].product.CreatedAt) {
			return result[i].product.CreatedAt.Before(result[j].product.CreatedAt)
		}
		return result[i].seq < result[j].seq
	})
	return result
}

type categoryRecord struct {
	category domain.Category
	seq      int64
}

type categoryRepositoryInMemory struct {
	mu      sync.RWMutex
	seq     int64
	records map[string]*categoryRecord
}

// NewCategoryRepository создаёт in-memory хранилище категорий.
func NewCategoryRepository() domain.CategoryRepository {
	return &categoryRepositoryInMemory{records: make(map[string]*categoryRecord)}
}

func (r *categoryRepositoryInMemory) Create(_ context.Context, category domain.Category) (domain.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if category.DocID == "" {
		category.DocID = uuid.NewString()
	}
	if _, exists := r.records[category.DocID]; exists {
		return domain.Category{}, domain.ErrDuplicate
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	r.seq++
	r.records[category.DocID] = &categoryRecord{category: category, seq: r.seq}
	return category, nil
}

func (r *categoryRepositoryInMemory) ListByOrg(_ context.Context, orgID string) ([]domain.Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Category, 0)
	for _, rec := range r.sortedLocked() {
		if rec.category.OrgID == orgID {
			result = append(result, rec.category)
		}
	}
	return result, nil
}

func (r *categoryRepositoryInMemory) ListAll(_ context.Context) ([]domain.Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedLocked()
	result := make([]domain.Category, 0, len(sorted))
	for _, rec := range sorted {
		result = append(result, rec.category)
	}
	return result, nil
}

func (r *categoryRepositoryInMemory) UpdateID(_ context.Context, docID string, categoryID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[docID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.category.ID = categoryID
	return nil
}

func (r *categoryRepositoryInMemory) sortedLocked() []*categoryRecord {
	result := make([]*categoryRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].category.CreatedAt.Equal(result[j].category.CreatedAt) {
			return result[i].category.CreatedAt.Before(result[j].category.CreatedAt)
		}
		return result[i].seq < result[j].seq
	})
	return result
}

var (
	_ domain.ProductRepository  = (*productRepositoryInMemory)(nil)
	_ domain.CategoryRepository = (*categoryRepositoryInMemory)(nil)
)
