package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type anomalyRepositoryInMemory struct {
	mu        sync.RWMutex
	anomalies []domain.Anomaly
}

// NewAnomalyRepository создаёт in-memory журнал аномалий.
func NewAnomalyRepository() domain.AnomalyRepository {
	return &anomalyRepositoryInMemory{}
}

func (r *anomalyRepositoryInMemory) Record(_ context.Context, anomaly domain.Anomaly) (domain.Anomaly, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if anomaly.ID == "" {
		anomaly.ID = uuid.NewString()
	}
	if anomaly.DetectedAt.IsZero() {
		anomaly.DetectedAt = time.Now().UTC()
	}
	r.anomalies = append(r.anomalies, anomaly)
	return anomaly, nil
}

// List возвращает аномалии от новых к старым.
func (r *anomalyRepositoryInMemory) List(_ context.Context, filter domain.AnomalyFilter) ([]domain.Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.Anomaly, 0)
	for i := len(r.anomalies) - 1; i >= 0 && len(result) < limit; i-- {
		a := r.anomalies[i]
		if filter.OrgID != "" && a.OrgID != filter.OrgID {
			continue
		}
		if filter.UnresolvedOnly && a.ResolvedAt != nil {
			continue
		}
		result = append(result, a)
	}
	return result, nil
}

func (r *anomalyRepositoryInMemory) Resolve(_ context.Context, orgID, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.anomalies {
		if r.anomalies[i].ID == id && r.anomalies[i].OrgID == orgID {
			resolved := at.UTC()
			r.anomalies[i].ResolvedAt = &resolved
			return nil
		}
	}
	return domain.ErrNotFound
}

var _ domain.AnomalyRepository = (*anomalyRepositoryInMemory)(nil)
