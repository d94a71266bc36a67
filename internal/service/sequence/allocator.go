package sequence

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// Allocator выдаёт монотонно растущие идентификаторы по именованным счётчикам.
type Allocator struct {
	counters domain.CounterRepository
}

// NewAllocator создаёт аллокатор поверх атомарных счётчиков.
func NewAllocator(counters domain.CounterRepository) *Allocator {
	return &Allocator{counters: counters}
}

// Next возвращает следующее значение счётчика.
func (a *Allocator) Next(ctx context.Context, name string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	value, err := a.counters.Next(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("allocate %s: %w", name, err)
	}
	return value, nil
}

// NextAbove возвращает значение строго больше floor. Используется, когда в данных
// уже есть идентификаторы, выданные в обход счётчика.
func (a *Allocator) NextAbove(ctx context.Context, name string, floor int64) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if err := a.counters.EnsureAtLeast(ctx, name, floor); err != nil {
		return 0, fmt.Errorf("raise %s to %d: %w", name, floor, err)
	}
	return a.Next(ctx, name)
}

// Current возвращает последнее выданное значение.
func (a *Allocator) Current(ctx context.Context, name string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	value, err := a.counters.Current(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	return value, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return domain.NewValidationError("counter", "name is required")
	}
	return nil
}
