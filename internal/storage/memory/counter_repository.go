package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// counterRepositoryInMemory хранит именованные счётчики под одним мьютексом.
type counterRepositoryInMemory struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounterRepository создаёт in-memory реализацию счётчиков.
func NewCounterRepository() domain.CounterRepository {
	return &counterRepositoryInMemory{values: make(map[string]int64)}
}

func (r *counterRepositoryInMemory) Next(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[name]++
	return r.values[name], nil
}

func (r *counterRepositoryInMemory) Current(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.values[name], nil
}

func (r *counterRepositoryInMemory) EnsureAtLeast(_ context.Context, name string, floor int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.values[name] < floor {
		r.values[name] = floor
	}
	return nil
}

var _ domain.CounterRepository = (*counterRepositoryInMemory)(nil)
