package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductStatus — статус товара в каталоге.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// Product — позиция каталога.
// DocID — внутренний ключ записи, ID — бизнес-идентификатор (productId), который
// исторически мог дублироваться.
type Product struct {
	DocID         string
	ID            int64
	OrgID         string
	SKU           string
	Name          string
	Barcode       string
	CategoryID    int64
	CategoryDocID string
	Price         decimal.Decimal
	Cost          decimal.Decimal
	Status        ProductStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Category — категория каталога. DocID — внутренний ключ, ID — бизнес-идентификатор.
type Category struct {
	DocID     string
	ID        int64
	OrgID     string
	Name      string
	CreatedAt time.Time
}

// ParseProductID разбирает productId из запроса: только положительное целое.
func ParseProductID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, NewValidationError("productId", "is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, NewValidationError("productId", "must be an integer")
	}
	if id <= 0 {
		return 0, NewValidationError("productId", "must be positive")
	}
	return id, nil
}
