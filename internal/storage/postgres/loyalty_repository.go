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

type loyaltyRepository struct {
	db *sql.DB
}

// NewLoyaltyRepository создаёт PostgreSQL-реализацию LoyaltyRepository.
func NewLoyaltyRepository(store *Store) domain.LoyaltyRepository {
	return &loyaltyRepository{db: store.DB()}
}

func (r *loyaltyRepository) GetProgram(ctx context.Context, orgID string) (domain.LoyaltyProgram, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		program    domain.LoyaltyProgram
		expiration sql.NullInt32
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT org_id, points_per_baht, point_value, point_expiration_days, min_points_to_redeem, is_active
		FROM loyalty_programs
		WHERE org_id = $1
	`, orgID).Scan(
		&program.OrgID, &program.PointsPerBaht, &program.PointValue,
		&expiration, &program.MinPointsToRedeem, &program.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LoyaltyProgram{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LoyaltyProgram{}, fmt.Errorf("get loyalty program: %w", err)
	}
	if expiration.Valid {
		days := int(expiration.Int32)
		program.PointExpirationDays = &days
	}
	return program, nil
}

func (r *loyaltyRepository) SaveProgram(ctx context.Context, program domain.LoyaltyProgram) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var expiration sql.NullInt32
	if program.PointExpirationDays != nil {
		expiration = sql.NullInt32{Int32: int32(*program.PointExpirationDays), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO loyalty_programs (
			org_id, points_per_baht, point_value, point_expiration_days, min_points_to_redeem, is_active, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (org_id) DO UPDATE
		SET points_per_baht = EXCLUDED.points_per_baht,
		    point_value = EXCLUDED.point_value,
		    point_expiration_days = EXCLUDED.point_expiration_days,
		    min_points_to_redeem = EXCLUDED.min_points_to_redeem,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
	`,
		program.OrgID, program.PointsPerBaht, program.PointValue, expiration,
		program.MinPointsToRedeem, program.IsActive,
	)
	if err != nil {
		return fmt.Errorf("save loyalty program: %w", err)
	}
	return nil
}

func (r *loyaltyRepository) Append(ctx context.Context, entry domain.LoyaltyTransaction) (domain.LoyaltyTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (
			id, org_id, customer_id, entry_type, points, balance_before, balance_after,
			transaction_id, reason, actor_id, expires_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		entry.ID, entry.OrgID, entry.CustomerID, string(entry.Type), entry.Points,
		entry.BalanceBefore, entry.BalanceAfter, nullInt64(entry.TransactionID),
		entry.Reason, entry.ActorID, nullTime(entry.ExpiresAt), entry.CreatedAt,
	)
	if err != nil {
		return domain.LoyaltyTransaction{}, fmt.Errorf("append loyalty entry: %w", err)
	}
	return entry, nil
}

func (r *loyaltyRepository) ListByCustomer(ctx context.Context, orgID string, customerID int64) ([]domain.LoyaltyTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, customer_id, entry_type, points, balance_before, balance_after,
		       transaction_id, reason, actor_id, expires_at, created_at
		FROM loyalty_transactions
		WHERE org_id = $1 AND customer_id = $2
		ORDER BY seq
	`, orgID, customerID)
	if err != nil {
		return nil, fmt.Errorf("list loyalty entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.LoyaltyTransaction, 0)
	for rows.Next() {
		var (
			entry     domain.LoyaltyTransaction
			entryType string
			txID      sql.NullInt64
			expiresAt sql.NullTime
		)
		if err := rows.Scan(
			&entry.ID, &entry.OrgID, &entry.CustomerID, &entryType, &entry.Points,
			&entry.BalanceBefore, &entry.BalanceAfter, &txID,
			&entry.Reason, &entry.ActorID, &expiresAt, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan loyalty entry: %w", err)
		}
		entry.Type = domain.LoyaltyType(entryType)
		entry.TransactionID = int64Ptr(txID)
		entry.ExpiresAt = timePtr(expiresAt)
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loyalty entry rows: %w", err)
	}
	return result, nil
}

var _ domain.LoyaltyRepository = (*loyaltyRepository)(nil)
