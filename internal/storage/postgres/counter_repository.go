package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type counterRepository struct {
	db *sql.DB
}

// NewCounterRepository создаёт PostgreSQL-реализацию CounterRepository.
// Инкремент выполняется одним upsert-запросом, поэтому параллельные вызовы не выдают дублей.
func NewCounterRepository(store *Store) domain.CounterRepository {
	return &counterRepository{db: store.DB()}
}

func (r *counterRepository) Next(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (name) DO UPDATE
		SET value = counters.value + 1,
		    updated_at = NOW()
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return value, nil
}

func (r *counterRepository) Current(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value int64
	err := r.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return value, nil
}

func (r *counterRepository) EnsureAtLeast(ctx context.Context, name string, floor int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counters (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET value = GREATEST(counters.value, EXCLUDED.value),
		    updated_at = NOW()
	`, name, floor)
	if err != nil {
		return fmt.Errorf("raise counter %s to %d: %w", name, floor, err)
	}
	return nil
}

var _ domain.CounterRepository = (*counterRepository)(nil)
