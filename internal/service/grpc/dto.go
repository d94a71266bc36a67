package grpcsvc

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/service/checkout"
	"github.com/vladislavdragonenkov/possettle/internal/service/reconcile"
	"github.com/vladislavdragonenkov/possettle/internal/service/repair"
)

// Денежные суммы на входе принимаются строкой или числом, на выходе всегда
// строкой с двумя знаками после запятой.

// ProductRef — productId из запроса. Клиенты присылают его и числом, и строкой;
// любое другое значение сохраняется как есть и отклоняется domain.ParseProductID.
type ProductRef string

func (r *ProductRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ProductRef(s)
	default:
		*r = ProductRef(data)
	}
	return nil
}

// Topping — добавка к позиции чека.
type Topping struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// CheckoutLine — строка корзины в запросе Checkout.
type CheckoutLine struct {
	ProductID ProductRef      `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Discount  decimal.Decimal `json:"discount"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Toppings  []Topping       `json:"toppings,omitempty"`
}

// CheckoutRequest — запрос на проведение продажи.
type CheckoutRequest struct {
	TransactionNumber string          `json:"transactionNumber"`
	CustomerID        *int64          `json:"customerId,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Discount          decimal.Decimal `json:"discount"`
	Total             decimal.Decimal `json:"total"`
	PaymentMethod     string          `json:"paymentMethod"`
	Items             []CheckoutLine  `json:"items"`
	Notes             string          `json:"notes,omitempty"`
}

// Transaction — проведённая продажа в ответе.
type Transaction struct {
	ID                int64  `json:"id"`
	TransactionNumber string `json:"transactionNumber"`
	CustomerID        *int64 `json:"customerId,omitempty"`
	Subtotal          string `json:"subtotal"`
	Tax               string `json:"tax"`
	Discount          string `json:"discount"`
	Total             string `json:"total"`
	PaymentMethod     string `json:"paymentMethod"`
	PaymentStatus     string `json:"paymentStatus"`
	CashierID         string `json:"cashierId"`
	CashierName       string `json:"cashierName"`
	CreatedAt         string `json:"createdAt"`
}

// TransactionItem — позиция проведённой продажи.
type TransactionItem struct {
	ID          string `json:"id"`
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	Discount    string `json:"discount"`
	Subtotal    string `json:"subtotal"`
}

// TaxInvoice — выписанный налоговый инвойс.
type TaxInvoice struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoiceNumber"`
	Type          string `json:"type"`
	CustomerName  string `json:"customerName,omitempty"`
	CustomerTaxID string `json:"customerTaxId,omitempty"`
	SellerTaxID   string `json:"sellerTaxId"`
	Subtotal      string `json:"subtotal"`
	VAT           string `json:"vat"`
	Total         string `json:"total"`
	IssuedAt      string `json:"issuedAt"`
}

// LoyaltyEntry — запись в журнале баллов лояльности.
type LoyaltyEntry struct {
	ID            string `json:"id"`
	CustomerID    int64  `json:"customerId"`
	Type          string `json:"type"`
	Points        int64  `json:"points"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
	TransactionID *int64 `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// Anomaly — зафиксированная аномалия расчёта.
type Anomaly struct {
	ID                string `json:"id"`
	TransactionID     *int64 `json:"transactionId,omitempty"`
	TransactionNumber string `json:"transactionNumber,omitempty"`
	Step              string `json:"step"`
	Kind              string `json:"kind"`
	ProductID         *int64 `json:"productId,omitempty"`
	CustomerID        *int64 `json:"customerId,omitempty"`
	Message           string `json:"message"`
	DetectedAt        string `json:"detectedAt"`
	ResolvedAt        string `json:"resolvedAt,omitempty"`
}

// CheckoutResponse — результат Checkout вместе с побочными эффектами.
type CheckoutResponse struct {
	Transaction Transaction       `json:"transaction"`
	Items       []TransactionItem `json:"items"`
	Invoice     *TaxInvoice       `json:"invoice,omitempty"`
	Loyalty     *LoyaltyEntry     `json:"loyalty,omitempty"`
	Anomalies   []Anomaly         `json:"anomalies,omitempty"`
}

// AdjustStockRequest — ручное движение по складу.
type AdjustStockRequest struct {
	ProductID ProductRef `json:"productId"`
	Quantity  int64      `json:"quantity"`
	Type      string     `json:"type"`
	Reason    string     `json:"reason,omitempty"`
}

// AdjustStockResponse — остаток после ручного движения.
type AdjustStockResponse struct {
	ProductID   int64 `json:"productId"`
	NewQuantity int64 `json:"newQuantity"`
}

// GetInventoryRequest — запрос остатка товара.
type GetInventoryRequest struct {
	ProductID ProductRef `json:"productId"`
}

// GetInventoryResponse — остаток товара и признак низкого запаса.
type GetInventoryResponse struct {
	ProductID    int64  `json:"productId"`
	Quantity     int64  `json:"quantity"`
	MinThreshold int64  `json:"minThreshold"`
	LowStock     bool   `json:"lowStock"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// RedeemPointsRequest — списание баллов покупателя.
type RedeemPointsRequest struct {
	CustomerID    int64  `json:"customerId"`
	Points        int64  `json:"points"`
	Reason        string `json:"reason,omitempty"`
	TransactionID *int64 `json:"transactionId,omitempty"`
}

// RedeemPointsResponse — запись журнала о списании и её денежный эквивалент.
type RedeemPointsResponse struct {
	Entry LoyaltyEntry `json:"entry"`
	Value string       `json:"value"`
}

// ExpirePointsRequest — сгорание просроченных баллов одного покупателя.
type ExpirePointsRequest struct {
	CustomerID int64 `json:"customerId"`
}

// ExpirePointsResponse — запись о сгорании, если было что списывать.
type ExpirePointsResponse struct {
	Expired *LoyaltyEntry `json:"expired,omitempty"`
}

// RepairDuplicatesRequest — запуск ремонта дублей каталога.
type RepairDuplicatesRequest struct {
	Kind   string `json:"kind"`
	DryRun bool   `json:"dryRun"`
}

// RepairDuplicatesResponse — отчёт ремонта дублей.
type RepairDuplicatesResponse struct {
	Report repair.Report `json:"report"`
}

// ReconcileRequest — запуск сверки.
type ReconcileRequest struct {
	// SinceHours — глубина поиска продаж без инвойса; 0 означает 48 часов.
	SinceHours int  `json:"sinceHours,omitempty"`
	Reissue    bool `json:"reissue"`
}

// ReconcileResponse — отчёт сверки.
type ReconcileResponse struct {
	Report reconcile.Report `json:"report"`
}

// ListAnomaliesRequest — фильтр списка аномалий.
type ListAnomaliesRequest struct {
	UnresolvedOnly bool `json:"unresolvedOnly"`
	Limit          int  `json:"limit,omitempty"`
}

// ListAnomaliesResponse — найденные аномалии.
type ListAnomaliesResponse struct {
	Anomalies []Anomaly `json:"anomalies"`
}

// ResolveAnomalyRequest — отметка аномалии как разобранной.
type ResolveAnomalyRequest struct {
	ID string `json:"id"`
}

// ResolveAnomalyResponse — время, когда аномалия разобрана.
type ResolveAnomalyResponse struct {
	ID         string `json:"id"`
	ResolvedAt string `json:"resolvedAt"`
}

func (r *CheckoutRequest) toDomain() checkout.Request {
	lines := make([]checkout.Line, 0, len(r.Items))
	for _, item := range r.Items {
		toppings := make([]domain.Topping, 0, len(item.Toppings))
		for _, t := range item.Toppings {
			toppings = append(toppings, domain.Topping{Name: t.Name, Price: t.Price})
		}
		lines = append(lines, checkout.Line{
			ProductID: string(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
			Subtotal:  item.Subtotal,
			Toppings:  toppings,
		})
	}
	return checkout.Request{
		TransactionNumber: r.TransactionNumber,
		CustomerID:        r.CustomerID,
		Subtotal:          r.Subtotal,
		Tax:               r.Tax,
		Discount:          r.Discount,
		Total:             r.Total,
		PaymentMethod:     r.PaymentMethod,
		Items:             lines,
		Notes:             r.Notes,
	}
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optionalTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}

func transactionFromDomain(tx domain.Transaction) Transaction {
	return Transaction{
		ID:                tx.ID,
		TransactionNumber: tx.TransactionNumber,
		CustomerID:        tx.CustomerID,
		Subtotal:          money(tx.Subtotal),
		Tax:               money(tx.Tax),
		Discount:          money(tx.Discount),
		Total:             money(tx.Total),
		PaymentMethod:     tx.PaymentMethod,
		PaymentStatus:     string(tx.PaymentStatus),
		CashierID:         tx.CashierID,
		CashierName:       tx.CashierName,
		CreatedAt:         timestamp(tx.CreatedAt),
	}
}

func itemsFromDomain(items []domain.TransactionItem) []TransactionItem {
	result := make([]TransactionItem, 0, len(items))
	for _, item := range items {
		result = append(result, TransactionItem{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			Discount:    money(item.Discount),
			Subtotal:    money(item.Subtotal),
		})
	}
	return result
}

func invoiceFromDomain(invoice *domain.TaxInvoice) *TaxInvoice {
	if invoice == nil {
		return nil
	}
	return &TaxInvoice{
		ID:            invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		Type:          string(invoice.Type),
		CustomerName:  invoice.CustomerName,
		CustomerTaxID: invoice.CustomerTaxID,
		SellerTaxID:   invoice.SellerTaxID,
		Subtotal:      money(invoice.Subtotal),
		VAT:           money(invoice.VAT),
		Total:         money(invoice.Total),
		IssuedAt:      timestamp(invoice.IssuedAt),
	}
}

func loyaltyFromDomain(entry domain.LoyaltyTransaction) LoyaltyEntry {
	return LoyaltyEntry{
		ID:            entry.ID,
		CustomerID:    entry.CustomerID,
		Type:          string(entry.Type),
		Points:        entry.Points,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		TransactionID: entry.TransactionID,
		Reason:        entry.Reason,
		ExpiresAt:     optionalTimestamp(entry.ExpiresAt),
		CreatedAt:     timestamp(entry.CreatedAt),
	}
}

func optionalLoyalty(entry *domain.LoyaltyTransaction) *LoyaltyEntry {
	if entry == nil {
		return nil
	}
	converted := loyaltyFromDomain(*entry)
	return &converted
}

func anomaliesFromDomain(anomalies []domain.Anomaly) []Anomaly {
	result := make([]Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		result = append(result, Anomaly{
			ID:                a.ID,
			TransactionID:     a.TransactionID,
			TransactionNumber: a.TransactionNumber,
			Step:              string(a.Step),
			Kind:              string(a.Kind),
			ProductID:         a.ProductID,
			CustomerID:        a.CustomerID,
			Message:           a.Message,
			DetectedAt:        timestamp(a.DetectedAt),
			ResolvedAt:        optionalTimestamp(a.ResolvedAt),
		})
	}
	return result
}

func checkoutResponse(res checkout.Result) *CheckoutResponse {
	resp := &CheckoutResponse{
		Transaction: transactionFromDomain(res.Transaction),
		Items:       itemsFromDomain(res.Items),
		Invoice:     invoiceFromDomain(res.Invoice),
		Loyalty:     optionalLoyalty(res.Loyalty),
	}
	if len(res.Anomalies) > 0 {
		resp.Anomalies = anomaliesFromDomain(res.Anomalies)
	}
	return resp
}
