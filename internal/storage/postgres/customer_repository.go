package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const customerColumns = `org_id, id, name, tax_id, loyalty_points, total_spent, visit_count, created_at, updated_at`

type customerRepository struct {
	db *sql.DB
}

// NewCustomerRepository создаёт PostgreSQL-реализацию CustomerRepository.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB()}
}

func (r *customerRepository) Create(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		customer.OrgID, customer.ID, customer.Name, customer.TaxID, customer.LoyaltyPoints,
		customer.TotalSpent, customer.VisitCount, customer.CreatedAt, customer.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, domain.ErrDuplicate
		}
		return domain.Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	return customer, nil
}

func (r *customerRepository) Get(ctx context.Context, orgID string, id int64) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE org_id = $1 AND id = $2
	`, orgID, id)
	customer, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("get customer %d: %w", id, err)
	}
	return customer, nil
}

func (r *customerRepository) ListByOrg(ctx context.Context, orgID string) ([]domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE org_id = $1 ORDER BY id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Customer, 0)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		result = append(result, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customer rows: %w", err)
	}
	return result, nil
}

func (r *customerRepository) AddSpend(ctx context.Context, orgID string, id int64, amount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE customers
		SET total_spent = total_spent + $3,
		    visit_count = visit_count + 1,
		    updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, amount)
	if err != nil {
		return fmt.Errorf("add spend for customer %d: %w", id, err)
	}
	return expectAffected(res, domain.ErrNotFound)
}

func (r *customerRepository) AdjustPoints(ctx context.Context, orgID string, id int64, delta int64) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var after int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE customers
		SET loyalty_points = loyalty_points + $3,
		    updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND loyalty_points + $3 >= 0
		RETURNING loyalty_points
	`, orgID, id, delta).Scan(&after)
	if err == nil {
		return after - delta, after, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isCheckViolation(err) {
		return 0, 0, fmt.Errorf("adjust points for customer %d: %w", id, err)
	}

	var current int64
	err = r.db.QueryRowContext(ctx, `
		SELECT loyalty_points FROM customers WHERE org_id = $1 AND id = $2
	`, orgID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read points for customer %d: %w", id, err)
	}
	return current, current, domain.ErrInsufficientPoints
}

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(
		&c.OrgID, &c.ID, &c.Name, &c.TaxID, &c.LoyaltyPoints,
		&c.TotalSpent, &c.VisitCount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return domain.Customer{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
