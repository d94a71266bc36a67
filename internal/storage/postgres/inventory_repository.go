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

type inventoryRepository struct {
	db *sql.DB
}

// NewInventoryRepository создаёт PostgreSQL-реализацию InventoryRepository.
// Guarded-декремент выполняется одним условным UPDATE.
// CHECK (quantity >= 0) в схеме служит последней линией защиты.
func NewInventoryRepository(store *Store) domain.InventoryRepository {
	return &inventoryRepository{db: store.DB()}
}

func (r *inventoryRepository) Get(ctx context.Context, orgID string, productID int64) (domain.Inventory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var inv domain.Inventory
	err := r.db.QueryRowContext(ctx, `
		SELECT org_id, product_id, quantity, min_threshold, updated_at
		FROM inventory
		WHERE org_id = $1 AND product_id = $2
	`, orgID, productID).Scan(&inv.OrgID, &inv.ProductID, &inv.Quantity, &inv.MinThreshold, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("get inventory for product %d: %w", productID, err)
	}
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

func (r *inventoryRepository) ApplyDelta(ctx context.Context, orgID string, productID, delta int64) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if delta >= 0 {
		var after int64
		err := r.db.QueryRowContext(ctx, `
			INSERT INTO inventory (org_id, product_id, quantity, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (org_id, product_id) DO UPDATE
			SET quantity = inventory.quantity + EXCLUDED.quantity,
			    updated_at = NOW()
			RETURNING quantity
		`, orgID, productID, delta).Scan(&after)
		if err != nil {
			return 0, 0, fmt.Errorf("increase inventory for product %d: %w", productID, err)
		}
		return after - delta, after, nil
	}

	var after int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET quantity = quantity + $3,
		    updated_at = NOW()
		WHERE org_id = $1 AND product_id = $2 AND quantity + $3 >= 0
		RETURNING quantity
	`, orgID, productID, delta).Scan(&after)
	switch {
	case err == nil:
		return after - delta, after, nil
	case errors.Is(err, sql.ErrNoRows), isCheckViolation(err):
		available, readErr := r.quantity(ctx, orgID, productID)
		if readErr != nil {
			return 0, 0, readErr
		}
		return available, available, &domain.StockGuardError{ProductID: productID, Requested: -delta, Available: available}
	default:
		return 0, 0, fmt.Errorf("decrease inventory for product %d: %w", productID, err)
	}
}

func (r *inventoryRepository) Set(ctx context.Context, orgID string, productID, quantity int64) (int64, int64, error) {
	if quantity < 0 {
		return 0, 0, domain.NewValidationError("quantity", "must be non-negative")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin inventory set tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var before int64
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM inventory
		WHERE org_id = $1 AND product_id = $2
		FOR UPDATE
	`, orgID, productID).Scan(&before)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("lock inventory for product %d: %w", productID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory (org_id, product_id, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (org_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    updated_at = NOW()
	`, orgID, productID, quantity); err != nil {
		return 0, 0, fmt.Errorf("set inventory for product %d: %w", productID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit inventory set tx: %w", err)
	}
	return before, quantity, nil
}

func (r *inventoryRepository) Ensure(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if inventory.Quantity < 0 {
		inventory.Quantity = 0
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory (org_id, product_id, quantity, min_threshold, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (org_id, product_id) DO NOTHING
	`, inventory.OrgID, inventory.ProductID, inventory.Quantity, inventory.MinThreshold); err != nil {
		return domain.Inventory{}, fmt.Errorf("ensure inventory for product %d: %w", inventory.ProductID, err)
	}
	return r.Get(ctx, inventory.OrgID, inventory.ProductID)
}

func (r *inventoryRepository) ListByOrg(ctx context.Context, orgID string) ([]domain.Inventory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT org_id, product_id, quantity, min_threshold, updated_at
		FROM inventory
		WHERE org_id = $1
		ORDER BY product_id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Inventory, 0)
	for rows.Next() {
		var inv domain.Inventory
		if err := rows.Scan(&inv.OrgID, &inv.ProductID, &inv.Quantity, &inv.MinThreshold, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		inv.UpdatedAt = inv.UpdatedAt.UTC()
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory rows: %w", err)
	}
	return result, nil
}

func (r *inventoryRepository) quantity(ctx context.Context, orgID string, productID int64) (int64, error) {
	var quantity int64
	err := r.db.QueryRowContext(ctx, `
		SELECT quantity FROM inventory WHERE org_id = $1 AND product_id = $2
	`, orgID, productID).Scan(&quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read inventory for product %d: %w", productID, err)
	}
	return quantity, nil
}

type movementRepository struct {
	db *sql.DB
}

// NewMovementRepository создаёт PostgreSQL-реализацию журнала движений.
func NewMovementRepository(store *Store) domain.MovementRepository {
	return &movementRepository{db: store.DB()}
}

func (r *movementRepository) Append(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if movement.ID == "" {
		movement.ID = uuid.NewString()
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, org_id, product_id, movement_type, quantity, reason, actor_id, actor_name, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		movement.ID, movement.OrgID, movement.ProductID, string(movement.Type), movement.Quantity,
		movement.Reason, movement.ActorID, movement.ActorName, movement.CreatedAt,
	)
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("append stock movement: %w", err)
	}
	return movement, nil
}

func (r *movementRepository) ListByProduct(ctx context.Context, orgID string, productID int64) ([]domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, product_id, movement_type, quantity, reason, actor_id, actor_name, created_at
		FROM stock_movements
		WHERE org_id = $1 AND product_id = $2
		ORDER BY seq
	`, orgID, productID)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m            domain.StockMovement
			movementType string
		)
		if err := rows.Scan(
			&m.ID, &m.OrgID, &m.ProductID, &movementType, &m.Quantity,
			&m.Reason, &m.ActorID, &m.ActorName, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		m.Type = domain.MovementType(movementType)
		m.CreatedAt = m.CreatedAt.UTC()
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock movement rows: %w", err)
	}
	return result, nil
}

var (
	_ domain.InventoryRepository = (*inventoryRepository)(nil)
	_ domain.MovementRepository  = (*movementRepository)(nil)
)
