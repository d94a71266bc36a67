package app

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/possettle/internal/service/grpc"
	"github.com/vladislavdragonenkov/possettle/internal/service/loyalty"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
	"github.com/vladislavdragonenkov/possettle/internal/service/reconcile"
	"github.com/vladislavdragonenkov/possettle/internal/service/repair"
	"github.com/vladislavdragonenkov/possettle/internal/service/sequence"
	"github.com/vladislavdragonenkov/possettle/internal/service/stock"
	"github.com/vladislavdragonenkov/possettle/internal/service/tax"
)

// Services — собранный граф доменных сервисов.
type Services struct {
	Events     *outbox.Emitter
	Allocator  *sequence.Allocator
	Anomalies  *anomaly.Recorder
	Stock      *stock.Ledger
	Tax        *tax.Emitter
	Loyalty    *loyalty.Service
	Checkout   *checkout.Orchestrator
	Repair     *repair.Service
	Reconcile  *reconcile.Service
	Settlement *grpcsvc.SettlementService
}

// ServiceOptions — параметры сборки, не относящиеся к хранилищам.
type ServiceOptions struct {
	Metrics  *metrics.SettlementMetrics
	Location *time.Location
	// EmitEvents = false отключает запись доменных событий в outbox.
	EmitEvents bool
	Logger     *log.Entry
}

// NewServices собирает сервисы поверх хранилищ.
func NewServices(repos Repositories, opts ServiceOptions) *Services {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}

	events := outbox.NewEmitter(nil)
	if opts.EmitEvents {
		events = outbox.NewEmitter(repos.Outbox)
	}
	allocator := sequence.NewAllocator(repos.Counters)
	recorder := anomaly.NewRecorder(repos.Anomalies, events, opts.Metrics, logger.WithField("component", "anomaly-recorder"))
	ledger := stock.NewLedger(repos.Inventory, repos.Movements, recorder, events, opts.Metrics, logger.WithField("component", "stock-ledger")).
		WithCatalog(repos.Products)
	taxEmitter := tax.NewEmitter(repos.Invoices, repos.Profiles, allocator, events, opts.Metrics, logger.WithField("component", "tax-invoice"), location)
	loyaltySvc := loyalty.NewService(repos.Customers, repos.Loyalty, recorder, events, opts.Metrics, logger.WithField("component", "loyalty"))

	services := &Services{
		Events:    events,
		Allocator: allocator,
		Anomalies: recorder,
		Stock:     ledger,
		Tax:       taxEmitter,
		Loyalty:   loyaltySvc,
		Checkout: checkout.NewOrchestrator(checkout.Dependencies{
			Transactions: repos.Transactions,
			Products:     repos.Products,
			Customers:    repos.Customers,
			Allocator:    allocator,
			Stock:        ledger,
			Tax:          taxEmitter,
			Loyalty:      loyaltySvc,
			Anomalies:    recorder,
			Events:       events,
			Metrics:      opts.Metrics,
			Logger:       logger.WithField("component", "checkout"),
		}),
		Repair: repair.NewService(repos.Products, repos.Categories, repos.Inventory, ledger, allocator, events,
			opts.Metrics, logger.WithField("component", "identity-repair")),
		Reconcile: reconcile.NewService(reconcile.Dependencies{
			Inventory:    repos.Inventory,
			Movements:    repos.Movements,
			Customers:    repos.Customers,
			Loyalty:      repos.Loyalty,
			Transactions: repos.Transactions,
			Invoices:     repos.Invoices,
			AnomalyRepo:  repos.Anomalies,
			Tax:          taxEmitter,
			Anomalies:    recorder,
			Metrics:      opts.Metrics,
			Logger:       logger.WithField("component", "reconcile"),
		}),
	}
	services.Settlement = grpcsvc.NewSettlementService(grpcsvc.Dependencies{
		Checkout:  services.Checkout,
		Stock:     ledger,
		Inventory: repos.Inventory,
		Loyalty:   loyaltySvc,
		Repair:    services.Repair,
		Reconcile: services.Reconcile,
		Anomalies: repos.Anomalies,
		Logger:    logger.WithField("layer", "grpc"),
	})
	return services
}
