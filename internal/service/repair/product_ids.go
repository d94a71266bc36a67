package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// RepairProductIDs проходит по товарам всех организаций, оставляет productId
// самому раннему товару и выдаёт новые id остальным. Для каждого нового id
// заводится собственная запись остатков: два разных товара больше не делят один счётчик.
//
// Если в своей организации товар был единственным владельцем старого id, его
// остаток переносится на новый id через журнал движений. Если старый id делили
// товары одной организации, остаток остаётся у оригинала, а новая запись
// начинается с нуля до инвентаризации.
func (s *Service) RepairProductIDs(ctx context.Context, dryRun bool) (Report, error) {
	report := Report{Kind: KindProductIDs, DryRun: dryRun, Changes: []Change{}}

	products, err := s.products.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list products: %w", err)
	}
	report.Scanned = len(products)

	groups := make(map[int64][]domain.Product)
	var (
		order []int64
		maxID int64
	)
	for _, p := range products {
		if _, seen := groups[p.ID]; !seen {
			order = append(order, p.ID)
		}
		groups[p.ID] = append(groups[p.ID], p)
		maxID = max(maxID, p.ID)
	}

	alloc, err := s.newAllocation(ctx, domain.CounterProducts, maxID, dryRun)
	if err != nil {
		return report, err
	}

	for _, oldID := range order {
		group := groups[oldID]
		if len(group) < 2 {
			continue
		}
		report.DuplicateGroups++

		orgsHolding := map[string]bool{group[0].OrgID: true}
		for _, p := range group[1:] {
			aliased := orgsHolding[p.OrgID]
			orgsHolding[p.OrgID] = true

			newID, err := s.allocate(ctx, alloc)
			if err != nil {
				return report, err
			}
			idChange := Change{
				Entity:   "product",
				DocID:    p.DocID,
				OrgID:    p.OrgID,
				Field:    "id",
				OldValue: formatID(oldID),
				NewValue: formatID(newID),
			}
			stockChange := Change{
				Entity:   "inventory",
				DocID:    p.DocID,
				OrgID:    p.OrgID,
				Field:    "productId",
				OldValue: formatID(oldID),
				NewValue: formatID(newID),
			}
			if !dryRun {
				if err := s.products.UpdateID(ctx, p.DocID, newID); err != nil {
					return report, fmt.Errorf("reassign product %s: %w", p.DocID, err)
				}
				if err := s.splitInventory(ctx, p.OrgID, oldID, newID, aliased); err != nil {
					return report, err
				}
				s.emitChange(ctx, KindProductIDs, idChange)
			}
			report.Changes = append(report.Changes, idChange, stockChange)
			report.Changed += 2
		}
	}
	return report, nil
}

func (s *Service) splitInventory(ctx context.Context, orgID string, oldID, newID int64, aliased bool) error {
	old, err := s.inventory.Get(ctx, orgID, oldID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("read inventory of product %d: %w", oldID, err)
	}
	if _, err := s.inventory.Ensure(ctx, domain.Inventory{
		OrgID:        orgID,
		ProductID:    newID,
		MinThreshold: old.MinThreshold,
	}); err != nil {
		return fmt.Errorf("create inventory for product %d: %w", newID, err)
	}
	if aliased || old.Quantity == 0 {
		return nil
	}

	actor := domain.Actor{UserID: repairActorID, Name: "identity repair", OrgID: orgID}
	reason := fmt.Sprintf("product id %d reassigned to %d", oldID, newID)
	if _, err := s.ledger.Adjust(ctx, actor, newID, old.Quantity, domain.MovementAdjustment, reason); err != nil {
		return fmt.Errorf("move stock to product %d: %w", newID, err)
	}
	if _, err := s.ledger.Adjust(ctx, actor, oldID, 0, domain.MovementAdjustment, reason); err != nil {
		return fmt.Errorf("release stock of product %d: %w", oldID, err)
	}
	return nil
}
