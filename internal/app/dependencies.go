package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/storage/memory"
	"github.com/vladislavdragonenkov/possettle/internal/storage/postgres"
	"github.com/vladislavdragonenkov/possettle/internal/storage/redis"
)

// Repositories — хранилища всех агрегатов сервиса.
type Repositories struct {
	Counters     domain.CounterRepository
	Products     domain.ProductRepository
	Categories   domain.CategoryRepository
	Inventory    domain.InventoryRepository
	Movements    domain.MovementRepository
	Transactions domain.TransactionRepository
	Customers    domain.CustomerRepository
	Loyalty      domain.LoyaltyRepository
	Profiles     domain.CompanyProfileRepository
	Invoices     domain.TaxInvoiceRepository
	Anomalies    domain.AnomalyRepository
	Outbox       domain.OutboxRepository
}

// runtimeDependencies — хранилища вместе с проверками и функциями закрытия.
type runtimeDependencies struct {
	repos        Repositories
	storagePing  func(ctx context.Context) error
	countersPing func(ctx context.Context) error
	closers      []func() error
}

// NewMemoryRepositories создаёт in-memory хранилища для локального запуска и тестов.
func NewMemoryRepositories() Repositories {
	return Repositories{
		Counters:     memory.NewCounterRepository(),
		Products:     memory.NewProductRepository(),
		Categories:   memory.NewCategoryRepository(),
		Inventory:    memory.NewInventoryRepository(),
		Movements:    memory.NewMovementRepository(),
		Transactions: memory.NewTransactionRepository(),
		Customers:    memory.NewCustomerRepository(),
		Loyalty:      memory.NewLoyaltyRepository(),
		Profiles:     memory.NewCompanyProfileRepository(),
		Invoices:     memory.NewTaxInvoiceRepository(),
		Anomalies:    memory.NewAnomalyRepository(),
		Outbox:       memory.NewOutboxRepository(),
	}
}

// NewPostgresRepositories создаёт PostgreSQL-хранилища поверх открытого Store.
func NewPostgresRepositories(store *postgres.Store) Repositories {
	return Repositories{
		Counters:     postgres.NewCounterRepository(store),
		Products:     postgres.NewProductRepository(store),
		Categories:   postgres.NewCategoryRepository(store),
		Inventory:    postgres.NewInventoryRepository(store),
		Movements:    postgres.NewMovementRepository(store),
		Transactions: postgres.NewTransactionRepository(store),
		Customers:    postgres.NewCustomerRepository(store),
		Loyalty:      postgres.NewLoyaltyRepository(store),
		Profiles:     postgres.NewCompanyProfileRepository(store),
		Invoices:     postgres.NewTaxInvoiceRepository(store),
		Anomalies:    postgres.NewAnomalyRepository(store),
		Outbox:       postgres.NewOutboxRepository(store),
	}
}

// initRuntimeDependencies выбирает хранилище по storage_driver и, если задан
// redis_addr, выносит счётчики в Redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.repos = NewMemoryRepositories()
		deps.storagePing = func(context.Context) error { return nil }
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres_dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		deps.repos = NewPostgresRepositories(store)
		deps.storagePing = store.Ping
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		counters := redis.NewCounterRepository(redis.NewClient(redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		if err := counters.Ping(ctx); err != nil {
			_ = counters.Close()
			_ = deps.close()
			return nil, fmt.Errorf("connect redis counters: %w", err)
		}
		deps.repos.Counters = counters
		deps.countersPing = counters.Ping
		deps.closers = append(deps.closers, counters.Close)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis counters")
	}

	return deps, nil
}

// close закрывает подключения в обратном порядке открытия.
func (d *runtimeDependencies) close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// OpenRepositories открывает хранилища по конфигурации для утилит, работающих
// без gRPC-сервера. Возвращаемая функция закрывает подключения.
func OpenRepositories(ctx context.Context, cfg Config, logger *log.Entry) (Repositories, func() error, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return Repositories{}, nil, err
	}
	return deps.repos, deps.close, nil
}
