package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

type companyProfileRepository struct {
	db *sql.DB
}

// NewCompanyProfileRepository создаёт PostgreSQL-реализацию CompanyProfileRepository.
func NewCompanyProfileRepository(store *Store) domain.CompanyProfileRepository {
	return &companyProfileRepository{db: store.DB()}
}

func (r *companyProfileRepository) Get(ctx context.Context, orgID string) (domain.CompanyProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.CompanyProfile
	err := r.db.QueryRowContext(ctx, `
		SELECT org_id, name, tax_id, address, vat_registered, vat_rate
		FROM company_profiles
		WHERE org_id = $1
	`, orgID).Scan(&p.OrgID, &p.Name, &p.TaxID, &p.Address, &p.VATRegistered, &p.VATRate)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CompanyProfile{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CompanyProfile{}, fmt.Errorf("get company profile: %w", err)
	}
	return p, nil
}

func (r *companyProfileRepository) Save(ctx context.Context, p domain.CompanyProfile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO company_profiles (org_id, name, tax_id, address, vat_registered, vat_rate, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (org_id) DO UPDATE
		SET name = EXCLUDED.name,
		    tax_id = EXCLUDED.tax_id,
		    address = EXCLUDED.address,
		    vat_registered = EXCLUDED.vat_registered,
		    vat_rate = EXCLUDED.vat_rate,
		    updated_at = NOW()
	`, p.OrgID, p.Name, p.TaxID, p.Address, p.VATRegistered, p.VATRate)
	if err != nil {
		return fmt.Errorf("save company profile: %w", err)
	}
	return nil
}

func (r *companyProfileRepository) List(ctx context.Context) ([]domain.CompanyProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT org_id, name, tax_id, address, vat_registered, vat_rate
		FROM company_profiles
		ORDER BY org_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list company profiles: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CompanyProfile, 0)
	for rows.Next() {
		var p domain.CompanyProfile
		if err := rows.Scan(&p.OrgID, &p.Name, &p.TaxID, &p.Address, &p.VATRegistered, &p.VATRate); err != nil {
			return nil, fmt.Errorf("scan company profile: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate company profile rows: %w", err)
	}
	return result, nil
}

const invoiceColumns = `id, org_id, transaction_id, invoice_number, sequence, invoice_type, customer_id,
	customer_name, customer_tax_id, seller_tax_id, subtotal, vat, total, issued_at`

type taxInvoiceRepository struct {
	db *sql.DB
}

// NewTaxInvoiceRepository создаёт PostgreSQL-реализацию TaxInvoiceRepository.
// Уникальность (org, transaction) и (org, number) обеспечивается индексами схемы.
func NewTaxInvoiceRepository(store *Store) domain.TaxInvoiceRepository {
	return &taxInvoiceRepository{db: store.DB()}
}

func (r *taxInvoiceRepository) Create(ctx context.Context, invoice domain.TaxInvoice) (domain.TaxInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tax_invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		invoice.ID, invoice.OrgID, invoice.TransactionID, invoice.InvoiceNumber, invoice.Sequence,
		string(invoice.Type), nullInt64(invoice.CustomerID), invoice.CustomerName, invoice.CustomerTaxID,
		invoice.SellerTaxID, invoice.Subtotal, invoice.VAT, invoice.Total, invoice.IssuedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.TaxInvoice{}, domain.ErrDuplicate
		}
		return domain.TaxInvoice{}, fmt.Errorf("insert tax invoice: %w", err)
	}
	return invoice, nil
}

func (r *taxInvoiceRepository) GetByTransaction(ctx context.Context, orgID string, transactionID int64) (domain.TaxInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM tax_invoices
		WHERE org_id = $1 AND transaction_id = $2
	`, orgID, transactionID)
	invoice, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaxInvoice{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TaxInvoice{}, fmt.Errorf("get tax invoice for transaction %d: %w", transactionID, err)
	}
	return invoice, nil
}

func (r *taxInvoiceRepository) ListByOrg(ctx context.Context, orgID string) ([]domain.TaxInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM tax_invoices
		WHERE org_id = $1
		ORDER BY invoice_number
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list tax invoices: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaxInvoice, 0)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tax invoice: %w", err)
		}
		result = append(result, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tax invoice rows: %w", err)
	}
	return result, nil
}

func scanInvoice(row rowScanner) (domain.TaxInvoice, error) {
	var (
		invoice     domain.TaxInvoice
		invoiceType string
		customerID  sql.NullInt64
	)
	if err := row.Scan(
		&invoice.ID, &invoice.OrgID, &invoice.TransactionID, &invoice.InvoiceNumber, &invoice.Sequence,
		&invoiceType, &customerID, &invoice.CustomerName, &invoice.CustomerTaxID,
		&invoice.SellerTaxID, &invoice.Subtotal, &invoice.VAT, &invoice.Total, &invoice.IssuedAt,
	); err != nil {
		return domain.TaxInvoice{}, err
	}
	invoice.Type = domain.InvoiceType(invoiceType)
	invoice.CustomerID = int64Ptr(customerID)
	invoice.IssuedAt = invoice.IssuedAt.UTC()
	return invoice, nil
}

var (
	_ domain.CompanyProfileRepository = (*companyProfileRepository)(nil)
	_ domain.TaxInvoiceRepository     = (*taxInvoiceRepository)(nil)
)
