package checkout

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// Line — строка корзины. ProductID приходит строкой из клиента и проверяется при валидации.
type Line struct {
	ProductID string
	Quantity  int64
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
	Subtotal  decimal.Decimal
	Toppings  []domain.Topping
}

// Request — запрос на проведение продажи.
type Request struct {
	TransactionNumber string
	CustomerID        *int64
	Subtotal          decimal.Decimal
	Tax               decimal.Decimal
	Discount          decimal.Decimal
	Total             decimal.Decimal
	PaymentMethod     string
	Items             []Line
	Notes             string
}

// demand — суммарное количество одного товара во всех строках продажи.
type demand struct {
	productID int64
	quantity  int64
	firstLine int
}

type validated struct {
	productIDs []int64
	demands    []demand
}

// validate проверяет запрос целиком до любых записей.
func validate(req Request) (validated, error) {
	if strings.TrimSpace(req.TransactionNumber) == "" {
		return validated{}, domain.NewValidationError("transactionNumber", "is required")
	}
	if len(req.Items) == 0 {
		return validated{}, domain.NewValidationError("items", "cart is empty")
	}
	amounts := map[string]decimal.Decimal{
		"subtotal": req.Subtotal,
		"tax":      req.Tax,
		"discount": req.Discount,
		"total":    req.Total,
	}
	for _, field := range []string{"subtotal", "tax", "discount", "total"} {
		if amounts[field].IsNegative() {
			return validated{}, domain.NewValidationError(field, "must not be negative")
		}
	}

	out := validated{productIDs: make([]int64, len(req.Items))}
	for i, line := range req.Items {
		productID, err := domain.ParseProductID(line.ProductID)
		if err != nil {
			return validated{}, domain.NewLineValidationError(i, "productId", "must be a positive integer")
		}
		if line.Quantity <= 0 {
			return validated{}, domain.NewLineValidationError(i, "quantity", "must be greater than zero")
		}
		if line.UnitPrice.IsNegative() || line.Subtotal.IsNegative() || line.Discount.IsNegative() {
			return validated{}, domain.NewLineValidationError(i, "subtotal", "amounts must not be negative")
		}
		out.productIDs[i] = productID
	}
	demands, err := aggregate(out.productIDs, req.Items)
	if err != nil {
		return validated{}, err
	}
	out.demands = demands
	return out, nil
}

// aggregate суммирует количество по productId в порядке первого появления.
// Сумма по товару не может выйти за int64: такая строка отклоняется.
func aggregate(productIDs []int64, lines []Line) ([]demand, error) {
	index := make(map[int64]int, len(productIDs))
	result := make([]demand, 0, len(productIDs))
	for i, productID := range productIDs {
		pos, ok := index[productID]
		if !ok {
			index[productID] = len(result)
			result = append(result, demand{productID: productID, quantity: lines[i].Quantity, firstLine: i})
			continue
		}
		if result[pos].quantity > math.MaxInt64-lines[i].Quantity {
			return nil, domain.NewLineValidationError(i, "quantity", "total quantity for product is too large")
		}
		result[pos].quantity += lines[i].Quantity
	}
	return result, nil
}
