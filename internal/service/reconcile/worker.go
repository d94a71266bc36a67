package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const (
	defaultInterval = 15 * time.Minute
	defaultLookback = 48 * time.Hour
)

var (
	reconcileWorkerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_reconcile_worker_runs_total",
		Help: "Total number of per-organization reconciliation runs grouped by result.",
	}, []string{"result"})
	reconcileWorkerLastRecorded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_reconcile_worker_last_recorded",
		Help: "Number of anomalies recorded during the last worker cycle.",
	})
)

// WorkerOptions задаёт параметры периодической сверки.
type WorkerOptions struct {
	Logger   *log.Entry
	Interval time.Duration
	Lookback time.Duration
	Reissue  bool
}

// WorkerOption настраивает Worker.
type WorkerOption func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между циклами сверки.
func WithInterval(interval time.Duration) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.Interval = interval
	}
}

// WithLookback задаёт окно поиска продаж без инвойса.
func WithLookback(lookback time.Duration) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.Lookback = lookback
	}
}

// WithReissue включает повторный выпуск недостающих инвойсов.
func WithReissue(reissue bool) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.Reissue = reissue
	}
}

// Worker периодически сверяет все организации, у которых есть профиль компании.
type Worker struct {
	service  *Service
	profiles domain.CompanyProfileRepository
	logger   *log.Entry
	interval time.Duration
	lookback time.Duration
	reissue  bool
}

// NewWorker создаёт воркер сверки.
func NewWorker(service *Service, profiles domain.CompanyProfileRepository, options ...WorkerOption) *Worker {
	opts := WorkerOptions{
		Interval: defaultInterval,
		Lookback: defaultLookback,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reconcile-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}

	return &Worker{
		service:  service,
		profiles: profiles,
		logger:   logger,
		interval: opts.Interval,
		lookback: opts.Lookback,
		reissue:  opts.Reissue,
	}
}

// Run запускает периодическую сверку до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.service == nil || w.profiles == nil {
		w.logger.Warn("reconcile worker is disabled: dependencies are nil")
		return
	}

	w.cycle(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx, time.Now().UTC())
		}
	}
}

func (w *Worker) cycle(ctx context.Context, now time.Time) {
	recorded, err := w.RunOnce(ctx, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Warn("reconcile cycle failed")
	}
	reconcileWorkerLastRecorded.Set(float64(recorded))
	if recorded > 0 {
		w.logger.WithField("recorded", recorded).Info("reconcile cycle recorded anomalies")
	}
}

// RunOnce сверяет все организации один раз и возвращает число новых аномалий.
// Ошибка одной организации не останавливает остальные.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) (int, error) {
	profiles, err := w.profiles.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		recorded int
		firstErr error
	)
	since := now.Add(-w.lookback)
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}
		report, err := w.service.Reconcile(ctx, profile.OrgID, since, w.reissue)
		if err != nil {
			reconcileWorkerRunsTotal.WithLabelValues("error").Inc()
			w.logger.WithError(err).WithField("org_id", profile.OrgID).Warn("reconcile run failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reconcileWorkerRunsTotal.WithLabelValues("ok").Inc()
		recorded += report.Recorded
	}
	return recorded, firstErr
}
