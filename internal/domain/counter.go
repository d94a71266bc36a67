package domain

import (
	"fmt"
	"time"
)

// Имена глобальных счётчиков идентификаторов.
const (
	CounterProducts     = "products"
	CounterCategories   = "categories"
	CounterCustomers    = "customers"
	CounterTransactions = "transactions"
)

// TaxInvoiceCounter возвращает имя счётчика инвойсов организации за месяц.
func TaxInvoiceCounter(orgID string, at time.Time) string {
	return fmt.Sprintf("taxInvoices-%s-%04d%02d", orgID, at.Year(), int(at.Month()))
}
