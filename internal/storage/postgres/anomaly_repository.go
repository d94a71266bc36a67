package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const defaultAnomalyLimit = 100

type anomalyRepository struct {
	db *sql.DB
}

// NewAnomalyRepository создаёт PostgreSQL-реализацию журнала аномалий.
func NewAnomalyRepository(store *Store) domain.AnomalyRepository {
	return &anomalyRepository{db: store.DB()}
}

func (r *anomalyRepository) Record(ctx context.Context, anomaly domain.Anomaly) (domain.Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if anomaly.ID == "" {
		anomaly.ID = uuid.NewString()
	}
	if anomaly.DetectedAt.IsZero() {
		anomaly.DetectedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO anomalies (
			id, org_id, transaction_id, transaction_number, step, kind,
			product_id, customer_id, message, detected_at, resolved_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		anomaly.ID, anomaly.OrgID, nullInt64(anomaly.TransactionID), anomaly.TransactionNumber,
		string(anomaly.Step), string(anomaly.Kind), nullInt64(anomaly.ProductID), nullInt64(anomaly.CustomerID),
		anomaly.Message, anomaly.DetectedAt, nullTime(anomaly.ResolvedAt),
	)
	if err != nil {
		return domain.Anomaly{}, fmt.Errorf("record anomaly: %w", err)
	}
	return anomaly, nil
}

func (r *anomalyRepository) List(ctx context.Context, filter domain.AnomalyFilter) ([]domain.Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAnomalyLimit
	}

	var (
		conditions []string
		args       []any
	)
	if filter.OrgID != "" {
		args = append(args, filter.OrgID)
		conditions = append(conditions, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if filter.UnresolvedOnly {
		conditions = append(conditions, "resolved_at IS NULL")
	}
	query := `
		SELECT id, org_id, transaction_id, transaction_number, step, kind,
		       product_id, customer_id, message, detected_at, resolved_at
		FROM anomalies`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY detected_at DESC, id LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Anomaly, 0)
	for rows.Next() {
		var (
			a                     domain.Anomaly
			step, kind            string
			txID, productID, cust sql.NullInt64
			resolvedAt            sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.OrgID, &txID, &a.TransactionNumber, &step, &kind,
			&productID, &cust, &a.Message, &a.DetectedAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Step = domain.SagaStep(step)
		a.Kind = domain.AnomalyKind(kind)
		a.TransactionID = int64Ptr(txID)
		a.ProductID = int64Ptr(productID)
		a.CustomerID = int64Ptr(cust)
		a.DetectedAt = a.DetectedAt.UTC()
		a.ResolvedAt = timePtr(resolvedAt)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomaly rows: %w", err)
	}
	return result, nil
}

func (r *anomalyRepository) Resolve(ctx context.Context, orgID, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE anomalies SET resolved_at = $3 WHERE org_id = $1 AND id = $2
	`, orgID, id, at.UTC())
	if err != nil {
		return fmt.Errorf("resolve anomaly %s: %w", id, err)
	}
	return expectAffected(res, domain.ErrNotFound)
}

var _ domain.AnomalyRepository = (*anomalyRepository)(nil)
