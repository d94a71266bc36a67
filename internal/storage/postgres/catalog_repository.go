package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const productColumns = `doc_id, product_id, org_id, sku, name, barcode, category_id, category_doc_id,
	price, cost, status, created_at, updated_at`

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
// Порядок выдачи (created_at, seq) совпадает с порядком вставки.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if product.DocID == "" {
		product.DocID = uuid.NewString()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Status == "" {
		product.Status = domain.ProductStatusActive
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		product.DocID, product.ID, product.OrgID, product.SKU, product.Name, product.Barcode,
		product.CategoryID, product.CategoryDocID, product.Price, product.Cost, string(product.Status),
		product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrDuplicate
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return product, nil
}

func (r *productRepository) Get(ctx context.Context, orgID string, productID int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE org_id = $1 AND product_id = $2
		ORDER BY created_at, seq
		LIMIT 1
	`, orgID, productID)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("get product %d: %w", productID, err)
	}
	return product, nil
}

func (r *productRepository) ListByOrg(ctx context.Context, orgID string) ([]domain.Product, error) {
	return r.list(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE org_id = $1
		ORDER BY created_at, seq
	`, orgID)
}

func (r *productRepository) ListAll(ctx context.Context) ([]domain.Product, error) {
	return r.list(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY created_at, seq
	`)
}

func (r *productRepository) list(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result = append(result, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return result, nil
}

func (r *productRepository) UpdateBarcode(ctx context.Context, docID, barcode string) error {
	return r.update(ctx, `UPDATE products SET barcode = $2, updated_at = NOW() WHERE doc_id = $1`, docID, barcode)
}

func (r *productRepository) UpdateID(ctx context.Context, docID string, productID int64) error {
	return r.update(ctx, `UPDATE products SET product_id = $2, updated_at = NOW() WHERE doc_id = $1`, docID, productID)
}

func (r *productRepository) UpdateCategoryID(ctx context.Context, docID string, categoryID int64) error {
	return r.update(ctx, `UPDATE products SET category_id = $2, updated_at = NOW() WHERE doc_id = $1`, docID, categoryID)
}

func (r *productRepository) update(ctx context.Context, query, docID string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, docID, value)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("update product %s: %w", docID, err)
	}
	return expectAffected(res, domain.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product domain.Product
		status  string
	)
	if err := row.Scan(
		&product.DocID,
		&product.ID,
		&product.OrgID,
		&product.SKU,
		&product.Name,
		&product.Barcode,
		&product.CategoryID,
		&product.CategoryDocID,
		&product.Price,
		&product.Cost,
		&status,
		&product.CreatedAt,
		&product.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}
	product.Status = domain.ProductStatus(status)
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return product, nil
}

type categoryRepository struct {
	db *sql.DB
}

// NewCategoryRepository создаёт PostgreSQL-реализацию CategoryRepository.
func NewCategoryRepository(store *Store) domain.CategoryRepository {
	return &categoryRepository{db: store.DB()}
}

func (r *categoryRepository) Create(ctx context.Context, category domain.Category) (domain.Category, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if category.DocID == "" {
		category.DocID = uuid.NewString()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (doc_id, category_id, org_id, name, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.DocID, category.ID, category.OrgID, category.Name, category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Category{}, domain.ErrDuplicate
		}
		return domain.Category{}, fmt.Errorf("insert category: %w", err)
	}
	return category, nil
}

func (r *categoryRepository) ListByOrg(ctx context.Context, orgID string) ([]domain.Category, error) {
	return r.list(ctx, `
		SELECT doc_id, category_id, org_id, name, created_at
		FROM categories
		WHERE org_id = $1
		ORDER BY created_at, seq
	`, orgID)
}

func (r *categoryRepository) ListAll(ctx context.Context) ([]domain.Category, error) {
	return r.list(ctx, `
		SELECT doc_id, category_id, org_id, name, created_at
		FROM categories
		ORDER BY created_at, seq
	`)
}

func (r *categoryRepository) list(ctx context.Context, query string, args ...any) ([]domain.Category, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Category, 0)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.DocID, &c.ID, &c.OrgID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category rows: %w", err)
	}
	return result, nil
}

func (r *categoryRepository) UpdateID(ctx context.Context, docID string, categoryID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE categories SET category_id = $2 WHERE doc_id = $1`, docID, categoryID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("update category %s: %w", docID, err)
	}
	return expectAffected(res, domain.ErrNotFound)
}

var (
	_ domain.ProductRepository  = (*productRepository)(nil)
	_ domain.CategoryRepository = (*categoryRepository)(nil)
)
