package repair

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type barcodeKey struct {
	orgID   string
	barcode string
}

// RepairBarcodes оставляет штрихкод самому раннему товару группы, остальным
// очищает его и выдаёт новый, сгенерированный из productId.
func (s *Service) RepairBarcodes(ctx context.Context, orgID string, dryRun bool) (Report, error) {
	report := Report{Kind: KindBarcodes, DryRun: dryRun, Changes: []Change{}}

	products, err := s.listProducts(ctx, orgID)
	if err != nil {
		return report, err
	}
	report.Scanned = len(products)

	// Списки отсортированы по времени создания, первый в группе — оригинал.
	groups := make(map[barcodeKey][]domain.Product)
	var order []barcodeKey
	used := make(map[barcodeKey]bool)
	for _, p := range products {
		barcode := strings.TrimSpace(p.Barcode)
		if barcode == "" {
			continue
		}
		key := barcodeKey{p.OrgID, barcode}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
		used[key] = true
	}

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		report.DuplicateGroups++
		for _, p := range group[1:] {
			barcode, err := uniqueBarcode(p, used)
			if err != nil {
				return report, err
			}
			used[barcodeKey{p.OrgID, barcode}] = true

			change := Change{
				Entity:   "product",
				DocID:    p.DocID,
				OrgID:    p.OrgID,
				Field:    "barcode",
				OldValue: p.Barcode,
				NewValue: barcode,
			}
			if !dryRun {
				if err := s.products.UpdateBarcode(ctx, p.DocID, ""); err != nil {
					return report, fmt.Errorf("clear barcode of %s: %w", p.DocID, err)
				}
				if err := s.products.UpdateBarcode(ctx, p.DocID, barcode); err != nil {
					return report, fmt.Errorf("assign barcode to %s: %w", p.DocID, err)
				}
				s.emitChange(ctx, KindBarcodes, change)
			}
			report.Changes = append(report.Changes, change)
			report.Changed++
		}
	}
	return report, nil
}

func uniqueBarcode(p domain.Product, used map[barcodeKey]bool) (string, error) {
	for variant := 0; variant < 10; variant++ {
		candidate := GenerateBarcode(p.ID, variant)
		if !used[barcodeKey{p.OrgID, candidate}] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free barcode for product %d in org %s", p.ID, p.OrgID)
}

// GenerateBarcode строит EAN-13 внутреннего диапазона: "2", цифра варианта,
// productId в 10 разрядах и контрольная цифра.
func GenerateBarcode(productID int64, variant int) string {
	body := fmt.Sprintf("2%d%010d", variant%10, productID%10_000_000_000)
	return body + string(rune('0'+ean13CheckDigit(body)))
}

func ean13CheckDigit(body string) int {
	sum := 0
	for i, r := range body {
		digit := int(r - '0')
		if i%2 == 1 {
			digit *= 3
		}
		sum += digit
	}
	return (10 - sum%10) % 10
}
