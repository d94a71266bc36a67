package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const transactionColumns = `org_id, id, transaction_number, customer_id, subtotal, tax, discount, total,
	payment_method, payment_status, cashier_id, cashier_name, notes, created_at`

type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository создаёт PostgreSQL-реализацию TransactionRepository.
func NewTransactionRepository(store *Store) domain.TransactionRepository {
	return &transactionRepository{db: store.DB()}
}

func (r *transactionRepository) Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		tx.OrgID, tx.ID, tx.TransactionNumber, nullInt64(tx.CustomerID),
		tx.Subtotal, tx.Tax, tx.Discount, tx.Total,
		tx.PaymentMethod, string(tx.PaymentStatus), tx.CashierID, tx.CashierName, tx.Notes, tx.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Transaction{}, domain.ErrDuplicate
		}
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (r *transactionRepository) Get(ctx context.Context, orgID string, id int64) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return tx, nil
}

func (r *transactionRepository) ListByOrg(ctx context.Context, orgID string, since time.Time) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE org_id = $1 AND created_at >= $2
		ORDER BY id
	`, orgID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

func (r *transactionRepository) UpdatePaymentStatus(ctx context.Context, orgID string, id int64, status domain.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET payment_status = $3 WHERE org_id = $1 AND id = $2
	`, orgID, id, string(status))
	if err != nil {
		return fmt.Errorf("update payment status of transaction %d: %w", id, err)
	}
	return expectAffected(res, domain.ErrNotFound)
}

func (r *transactionRepository) CreateItems(ctx context.Context, items []domain.TransactionItem) ([]domain.TransactionItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin items tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	stored := make([]domain.TransactionItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		toppings := item.Toppings
		if toppings == nil {
			toppings = []domain.Topping{}
		}
		payload, err := json.Marshal(toppings)
		if err != nil {
			return nil, fmt.Errorf("marshal toppings: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				id, org_id, transaction_id, product_id, product_name, quantity,
				unit_price, discount, subtotal, toppings, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			item.ID, item.OrgID, item.TransactionID, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice, item.Discount, item.Subtotal, payload, item.CreatedAt,
		); err != nil {
			if isForeignKeyViolation(err) {
				return nil, domain.ErrNotFound
			}
			return nil, fmt.Errorf("insert transaction item: %w", err)
		}
		stored = append(stored, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit items tx: %w", err)
	}
	return stored, nil
}

func (r *transactionRepository) ListItems(ctx context.Context, orgID string, transactionID int64) ([]domain.TransactionItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, transaction_id, product_id, product_name, quantity,
		       unit_price, discount, subtotal, toppings, created_at
		FROM transaction_items
		WHERE org_id = $1 AND transaction_id = $2
		ORDER BY seq
	`, orgID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list transaction items: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TransactionItem, 0)
	for rows.Next() {
		var (
			item    domain.TransactionItem
			payload []byte
		)
		if err := rows.Scan(
			&item.ID, &item.OrgID, &item.TransactionID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.Discount, &item.Subtotal, &payload, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction item: %w", err)
		}
		if err := json.Unmarshal(payload, &item.Toppings); err != nil {
			return nil, fmt.Errorf("unmarshal toppings: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction item rows: %w", err)
	}
	return result, nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx         domain.Transaction
		customerID sql.NullInt64
		status     string
	)
	if err := row.Scan(
		&tx.OrgID, &tx.ID, &tx.TransactionNumber, &customerID,
		&tx.Subtotal, &tx.Tax, &tx.Discount, &tx.Total,
		&tx.PaymentMethod, &status, &tx.CashierID, &tx.CashierName, &tx.Notes, &tx.CreatedAt,
	); err != nil {
		return domain.Transaction{}, err
	}
	tx.CustomerID = int64Ptr(customerID)
	tx.PaymentStatus = domain.PaymentStatus(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

var _ domain.TransactionRepository = (*transactionRepository)(nil)
