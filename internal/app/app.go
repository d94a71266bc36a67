package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/possettle/internal/health"
	"github.com/vladislavdragonenkov/possettle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/possettle/internal/service/grpc"
	"github.com/vladislavdragonenkov/possettle/internal/service/reconcile"
	"github.com/vladislavdragonenkov/possettle/internal/version"
)

const (
	gracefulStopTimeout = 5 * time.Second
	workerStopTimeout   = 5 * time.Second
)

// Run поднимает gRPC, HTTP метрик/health и фоновые воркеры и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	// Ошибка брокера не фатальна: без Kafka события копятся в durable outbox.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	// In-memory outbox без публикации рос бы бесконечно.
	emitEvents := kafkaProducer != nil || cfg.StorageDriver == StorageDriverPostgres
	services := NewServices(deps.repos, ServiceOptions{
		Metrics:    metrics.NewSettlementMetrics(),
		Location:   location,
		EmitEvents: emitEvents,
		Logger:     logger,
	})

	auth, err := grpcsvc.NewAuthenticator(cfg.AuthSecret, cfg.DevOrgID)
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		entry := logger.WithField("org_id", cfg.DevOrgID)
		if build := version.Current(); !build.Dev() {
			entry = entry.WithField("build", build.Version)
		}
		entry.Warn("auth is disabled, every call runs as local admin")
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		auth.UnaryInterceptor(),
	))
	grpcsvc.RegisterSettlementServer(grpcServer, services.Settlement)
	grpcMetrics.InitializeMetrics(grpcServer)

	// Register reflection service for grpcurl
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	registry := newHealthRegistry(deps, cfg)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, registry)

	workers := startWorkers(cfg, deps, services, kafkaProducer, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		workers.stop(logger)
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("build", version.Current().String()).Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(gracefulStopTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		workers.stop(logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		workers.stop(logger)
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func newHealthRegistry(deps *runtimeDependencies, cfg Config) *healthcheck.Registry {
	registry := healthcheck.NewRegistry(version.Current())
	registry.Register("storage", deps.storagePing)
	if deps.countersPing != nil {
		registry.Register("counters", deps.countersPing)
	}
	if len(cfg.KafkaBrokers) > 0 {
		brokers := cfg.KafkaBrokers
		registry.RegisterOptional("broker", func(ctx context.Context) error {
			return kafka.CheckBrokers(ctx, brokers)
		})
	}
	return registry
}

// backgroundWorkers — запущенные outbox и reconcile воркеры.
type backgroundWorkers struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startWorkers(cfg Config, deps *runtimeDependencies, services *Services, producer *kafka.Producer, logger *log.Entry) *backgroundWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	workers := &backgroundWorkers{cancel: cancel}

	if worker := newOutboxWorker(cfg, deps.repos.Outbox, producer, logger); worker != nil {
		workers.wg.Add(1)
		go func() {
			defer workers.wg.Done()
			worker.Run(ctx)
		}()
		logger.WithField("topic", cfg.KafkaTopic).Info("outbox worker started")
	}

	if cfg.ReconcileInterval > 0 {
		worker := reconcile.NewWorker(
			services.Reconcile,
			deps.repos.Profiles,
			reconcile.WithLogger(logger.WithField("component", "reconcile-worker")),
			reconcile.WithInterval(cfg.ReconcileInterval),
			reconcile.WithLookback(cfg.ReconcileLookback),
			reconcile.WithReissue(cfg.ReconcileReissue),
		)
		workers.wg.Add(1)
		go func() {
			defer workers.wg.Done()
			worker.Run(ctx)
		}()
		logger.WithField("interval", cfg.ReconcileInterval).Info("reconcile worker started")
	}
	return workers
}

// stop отменяет воркеры и ждёт завершения текущего цикла.
func (w *backgroundWorkers) stop(logger *log.Entry) {
	if w == nil || w.cancel == nil {
		return
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(workerStopTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, registry *healthcheck.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	registry.Mount(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
