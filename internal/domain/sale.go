package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — статус оплаты продажи. Единственное изменяемое поле Transaction.
type PaymentStatus string

const (
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusDisputed PaymentStatus = "disputed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Transaction — завершённая продажа.
type Transaction struct {
	ID                int64
	OrgID             string
	TransactionNumber string
	CustomerID        *int64
	Subtotal          decimal.Decimal
	Tax               decimal.Decimal
	Discount          decimal.Decimal
	Total             decimal.Decimal
	PaymentMethod     string
	PaymentStatus     PaymentStatus
	CashierID         string
	CashierName       string
	Notes             string
	CreatedAt         time.Time
}

// Topping — добавка к позиции (снимок на момент продажи).
type Topping struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// TransactionItem — строка продажи, по одной на строку корзины.
type TransactionItem struct {
	ID            string
	OrgID         string
	TransactionID int64
	ProductID     int64
	ProductName   string
	Quantity      int64
	UnitPrice     decimal.Decimal
	Discount      decimal.Decimal
	Subtotal      decimal.Decimal
	Toppings      []Topping
	CreatedAt     time.Time
}
