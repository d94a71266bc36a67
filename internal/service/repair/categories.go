package repair

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type categoryKey struct {
	orgID string
	id    int64
}

// RepairCategoryIDs выдаёт новый id каждой более поздней категории с занятым в
// организации id и переносит на него товары, ссылающиеся на эту категорию.
func (s *Service) RepairCategoryIDs(ctx context.Context, orgID string, dryRun bool) (Report, error) {
	report := Report{Kind: KindCategories, DryRun: dryRun, Changes: []Change{}}

	var (
		categories []domain.Category
		err        error
	)
	if orgID == "" {
		categories, err = s.categories.ListAll(ctx)
	} else {
		categories, err = s.categories.ListByOrg(ctx, orgID)
	}
	if err != nil {
		return report, fmt.Errorf("list categories: %w", err)
	}
	report.Scanned = len(categories)

	groups := make(map[categoryKey][]domain.Category)
	var (
		order []categoryKey
		maxID int64
	)
	for _, c := range categories {
		key := categoryKey{c.OrgID, c.ID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
		maxID = max(maxID, c.ID)
	}

	alloc, err := s.newAllocation(ctx, domain.CounterCategories, maxID, dryRun)
	if err != nil {
		return report, err
	}
	productsByOrg := make(map[string][]domain.Product)

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		report.DuplicateGroups++

		products, ok := productsByOrg[key.orgID]
		if !ok {
			if products, err = s.listProducts(ctx, key.orgID); err != nil {
				return report, err
			}
			productsByOrg[key.orgID] = products
		}

		for _, c := range group[1:] {
			newID, err := s.allocate(ctx, alloc)
			if err != nil {
				return report, err
			}
			change := Change{
				Entity:   "category",
				DocID:    c.DocID,
				OrgID:    c.OrgID,
				Field:    "id",
				OldValue: formatID(c.ID),
				NewValue: formatID(newID),
			}
			if !dryRun {
				if err := s.categories.UpdateID(ctx, c.DocID, newID); err != nil {
					return report, fmt.Errorf("reassign category %s: %w", c.DocID, err)
				}
				s.emitChange(ctx, KindCategories, change)
			}
			report.Changes = append(report.Changes, change)
			report.Changed++

			for _, p := range products {
				if p.CategoryDocID != c.DocID {
					continue
				}
				productChange := Change{
					Entity:   "product",
					DocID:    p.DocID,
					OrgID:    p.OrgID,
					Field:    "categoryId",
					OldValue: formatID(p.CategoryID),
					NewValue: formatID(newID),
				}
				if !dryRun {
					if err := s.products.UpdateCategoryID(ctx, p.DocID, newID); err != nil {
						return report, fmt.Errorf("move product %s to category %d: %w", p.DocID, newID, err)
					}
				}
				report.Changes = append(report.Changes, productChange)
				report.Changed++
			}
		}
	}
	return report, nil
}
