package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CounterRepository — атомарные именованные счётчики.
type CounterRepository interface {
	// Next атомарно увеличивает счётчик и возвращает новое значение.
	Next(ctx context.Context, name string) (int64, error)
	// Current возвращает последнее выданное значение (0, если счётчика нет).
	Current(ctx context.Context, name string) (int64, error)
	// EnsureAtLeast поднимает счётчик до floor, если он меньше.
	EnsureAtLeast(ctx context.Context, name string, floor int64) error
}

// ProductRepository хранит каталог товаров.
type ProductRepository interface {
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает самый ранний товар с данным productId в организации.
	Get(ctx context.Context, orgID string, productID int64) (Product, error)
	ListByOrg(ctx context.Context, orgID string) ([]Product, error)
	ListAll(ctx context.Context) ([]Product, error)
	UpdateBarcode(ctx context.Context, docID, barcode string) error
	UpdateID(ctx context.Context, docID string, productID int64) error
	UpdateCategoryID(ctx context.Context, docID string, categoryID int64) error
}

// CategoryRepository хранит категории.
type CategoryRepository interface {
	Create(ctx context.Context, category Category) (Category, error)
	ListByOrg(ctx context.Context, orgID string) ([]Category, error)
	ListAll(ctx context.Context) ([]Category, error)
	UpdateID(ctx context.Context, docID string, categoryID int64) error
}

// InventoryRepository — остатки. Все изменения количества атомарны на уровне одной записи.
type InventoryRepository interface {
	Get(ctx context.Context, orgID string, productID int64) (Inventory, error)
	// ApplyDelta атомарно прибавляет delta, только если результат >= 0.
	// При нарушении возвращает *StockGuardError. Запись создаётся лениво для delta >= 0.
	ApplyDelta(ctx context.Context, orgID string, productID, delta int64) (before, after int64, err error)
	// Set атомарно устанавливает абсолютное значение (>= 0).
	Set(ctx context.Context, orgID string, productID, quantity int64) (before, after int64, err error)
	// Ensure создаёт запись, если её нет, и возвращает текущее состояние.
	Ensure(ctx context.Context, inventory Inventory) (Inventory, error)
	ListByOrg(ctx context.Context, orgID string) ([]Inventory, error)
}

// MovementRepository — append-only журнал движений.
type MovementRepository interface {
	Append(ctx context.Context, movement StockMovement) (StockMovement, error)
	// ListByProduct возвращает движения в порядке записи.
	ListByProduct(ctx context.Context, orgID string, productID int64) ([]StockMovement, error)
}

// TransactionRepository хранит продажи и их строки.
type TransactionRepository interface {
	// Create возвращает ErrDuplicate, если номер транзакции уже занят в организации.
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, orgID string, id int64) (Transaction, error)
	ListByOrg(ctx context.Context, orgID string, since time.Time) ([]Transaction, error)
	UpdatePaymentStatus(ctx context.Context, orgID string, id int64, status PaymentStatus) error
	CreateItems(ctx context.Context, items []TransactionItem) ([]TransactionItem, error)
	ListItems(ctx context.Context, orgID string, transactionID int64) ([]TransactionItem, error)
}

// CustomerRepository хранит покупателей и кэшированные агрегаты.
type CustomerRepository interface {
	Create(ctx context.Context, customer Customer) (Customer, error)
	Get(ctx context.Context, orgID string, id int64) (Customer, error)
	ListByOrg(ctx context.Context, orgID string) ([]Customer, error)
	// AddSpend атомарно увеличивает суммарные траты и число визитов.
	AddSpend(ctx context.Context, orgID string, id int64, amount decimal.Decimal) error
	// AdjustPoints атомарно меняет баланс баллов, только если результат >= 0.
	AdjustPoints(ctx context.Context, orgID string, id int64, delta int64) (before, after int64, err error)
}

// LoyaltyRepository хранит настройки программы и журнал баллов.
type LoyaltyRepository interface {
	GetProgram(ctx context.Context, orgID string) (LoyaltyProgram, error)
	SaveProgram(ctx context.Context, program LoyaltyProgram) error
	Append(ctx context.Context, entry LoyaltyTransaction) (LoyaltyTransaction, error)
	ListByCustomer(ctx context.Context, orgID string, customerID int64) ([]LoyaltyTransaction, error)
}

// CompanyProfileRepository хранит реквизиты организаций.
type CompanyProfileRepository interface {
	Get(ctx context.Context, orgID string) (CompanyProfile, error)
	Save(ctx context.Context, profile CompanyProfile) error
	List(ctx context.Context) ([]CompanyProfile, error)
}

// TaxInvoiceRepository хранит налоговые счета.
type TaxInvoiceRepository interface {
	// Create возвращает ErrDuplicate, если у транзакции уже есть инвойс.
	Create(ctx context.Context, invoice TaxInvoice) (TaxInvoice, error)
	GetByTransaction(ctx context.Context, orgID string, transactionID int64) (TaxInvoice, error)
	ListByOrg(ctx context.Context, orgID string) ([]TaxInvoice, error)
}

// AnomalyRepository — журнал расхождений для ручной сверки.
type AnomalyRepository interface {
	Record(ctx context.Context, anomaly Anomaly) (Anomaly, error)
	List(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error)
	Resolve(ctx context.Context, orgID, id string, at time.Time) error
}

// OutboxRepository описывает хранилище transactional outbox.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPublisher публикует сообщения outbox во внешний брокер.
type OutboxPublisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}
