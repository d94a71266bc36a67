package repair

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/sequence"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
)

// Kind — вид ремонта идентификаторов.
type Kind string

const (
	KindBarcodes   Kind = "barcodes"
	KindCategories Kind = "categories"
	KindProductIDs Kind = "product-ids"
)

// ParseKind разбирает вид ремонта из CLI или RPC.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindBarcodes, KindCategories, KindProductIDs:
		return k, nil
	default:
		return "", domain.NewValidationError("kind", fmt.Sprintf("unknown repair kind %q", raw))
	}
}

// Change — одно изменённое (или, в dry-run, подлежащее изменению) поле.
type Change struct {
	Entity   string `json:"entity"`
	DocID    string `json:"docId"`
	OrgID    string `json:"orgId"`
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// Report — итог прогона ремонта.
type Report struct {
	Kind            Kind     `json:"kind"`
	DryRun          bool     `json:"dryRun"`
	Scanned         int      `json:"scanned"`
	DuplicateGroups int      `json:"duplicateGroups"`
	Changed         int      `json:"changed"`
	Changes         []Change `json:"changes"`
}

const repairActorID = "system:identity-repair"

// Service ищет и устраняет коллизии идентификаторов каталога.
// Каждый алгоритм идемпотентен: повторный прогон не находит дублей и ничего не меняет.
type Service struct {
	products   domain.ProductRepository
	categories domain.CategoryRepository
	inventory  domain.InventoryRepository
	ledger     *stock.Ledger
	allocator  *sequence.Allocator
	events     *outbox.Emitter
	metrics    *metrics.SettlementMetrics
	logger     *log.Entry
}

// NewService создаёт сервис ремонта.
func NewService(
	products domain.ProductRepository,
	categories domain.CategoryRepository,
	inventory domain.InventoryRepository,
	ledger *stock.Ledger,
	allocator *sequence.Allocator,
	events *outbox.Emitter,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "identity-repair")
	}
	return &Service{
		products:   products,
		categories: categories,
		inventory:  inventory,
		ledger:     ledger,
		allocator:  allocator,
		events:     events,
		metrics:    m,
		logger:     logger,
	}
}

// Run выполняет ремонт указанного вида. Пустой orgID означает все организации.
// Ремонт productId всегда проходит по всем организациям.
func (s *Service) Run(ctx context.Context, kind Kind, orgID string, dryRun bool) (Report, error) {
	var (
		report Report
		err    error
	)
	switch kind {
	case KindBarcodes:
		report, err = s.RepairBarcodes(ctx, orgID, dryRun)
	case KindCategories:
		report, err = s.RepairCategoryIDs(ctx, orgID, dryRun)
	case KindProductIDs:
		report, err = s.RepairProductIDs(ctx, dryRun)
	default:
		return Report{}, domain.NewValidationError("kind", fmt.Sprintf("unknown repair kind %q", kind))
	}
	if err != nil {
		return report, err
	}

	if !dryRun {
		s.metrics.RecordRepairChanges(string(kind), report.Changed)
	}
	s.logger.WithFields(log.Fields{
		"kind":             kind,
		"org_id":           orgID,
		"dry_run":          dryRun,
		"scanned":          report.Scanned,
		"duplicate_groups": report.DuplicateGroups,
		"changed":          report.Changed,
	}).Info("identity repair finished")
	return report, nil
}

func (s *Service) listProducts(ctx context.Context, orgID string) ([]domain.Product, error) {
	var (
		products []domain.Product
		err      error
	)
	if orgID == "" {
		products, err = s.products.ListAll(ctx)
	} else {
		products, err = s.products.ListByOrg(ctx, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// allocation выдаёт новые идентификаторы выше всех существующих. В dry-run счётчик
// не трогается, возвращается прогноз.
type allocation struct {
	counter string
	floor   int64
	dryRun  bool
	next    int64
}

func (s *Service) newAllocation(ctx context.Context, counter string, floor int64, dryRun bool) (*allocation, error) {
	a := &allocation{counter: counter, floor: floor, dryRun: dryRun}
	if dryRun {
		current, err := s.allocator.Current(ctx, counter)
		if err != nil {
			return nil, err
		}
		a.next = max(current, floor)
	}
	return a, nil
}

func (s *Service) allocate(ctx context.Context, a *allocation) (int64, error) {
	if a.dryRun {
		a.next++
		return a.next, nil
	}
	return s.allocator.NextAbove(ctx, a.counter, a.floor)
}

func (s *Service) emitChange(ctx context.Context, kind Kind, change Change) {
	if err := s.events.Emit(ctx, change.Entity, change.DocID, domain.EventIdentityRepaired, map[string]any{
		"kind":      kind,
		"org_id":    change.OrgID,
		"field":     change.Field,
		"old_value": change.OldValue,
		"new_value": change.NewValue,
	}); err != nil {
		s.logger.WithError(err).WithField("doc_id", change.DocID).Warn("failed to enqueue repair event")
	}
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
