package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceType — вид налогового счёта.
type InvoiceType string

const (
	InvoiceFull        InvoiceType = "full"
	InvoiceAbbreviated InvoiceType = "abbreviated"
)

// CompanyProfile — реквизиты организации, влияющие на выпуск VAT-инвойсов.
type CompanyProfile struct {
	OrgID         string
	Name          string
	TaxID         string
	Address       string
	VATRegistered bool
	VATRate       decimal.Decimal
}

// TaxInvoice — налоговый счёт, не более одного на транзакцию.
type TaxInvoice struct {
	ID            string
	OrgID         string
	TransactionID int64
	InvoiceNumber string
	Sequence      int64
	Type          InvoiceType
	CustomerID    *int64
	CustomerName  string
	CustomerTaxID string
	SellerTaxID   string
	Subtotal      decimal.Decimal
	VAT           decimal.Decimal
	Total         decimal.Decimal
	IssuedAt      time.Time
}

// FormatInvoiceNumber формирует номер вида IV<YYYY><MM>-<seq4>.
func FormatInvoiceNumber(issuedAt time.Time, seq int64) string {
	return fmt.Sprintf("IV%04d%02d-%04d", issuedAt.Year(), int(issuedAt.Month()), seq)
}
