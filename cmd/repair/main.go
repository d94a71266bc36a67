package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/app"
	"github.com/vladislavdragonenkov/possettle/internal/service/repair"
)

const (
	defaultTimeout = 5 * time.Minute
	envPostgresDSN = "POS_POSTGRES_DSN"
	envRedisAddr   = "POS_REDIS_ADDR"
)

type options struct {
	kind      repair.Kind
	orgID     string
	dsn       string
	redisAddr string
	dryRun    bool
	timeout   time.Duration
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts options
		kind string
	)

	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&kind, "kind", "", "repair kind: barcodes|categories|product-ids")
	fs.StringVar(&opts.orgID, "org", "", "organization id; empty scans every organization (product-ids always does)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address of shared counters (fallback: "+envRedisAddr+")")
	fs.BoolVar(&opts.dryRun, "dry-run", true, "report changes without writing; pass -dry-run=false to apply")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall repair timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	parsed, err := repair.ParseKind(strings.TrimSpace(kind))
	if err != nil {
		return options{}, err
	}
	opts.kind = parsed
	opts.orgID = strings.TrimSpace(opts.orgID)

	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	}
	if strings.TrimSpace(opts.redisAddr) == "" {
		opts.redisAddr = strings.TrimSpace(getenv(envRedisAddr))
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("timeout must be > 0")
	}
	return opts, nil
}

// storageConfig — конфигурация хранилища для ремонта. Миграции не применяются:
// уникальные индексы накатываются только после устранения дублей.
func storageConfig(opts options) app.Config {
	cfg := app.DefaultConfig()
	cfg.StorageDriver = app.StorageDriverPostgres
	cfg.PostgresDSN = opts.dsn
	cfg.PostgresAutoMigrate = false
	cfg.RedisAddr = opts.redisAddr
	return cfg
}

// run выполняет ремонт и печатает JSON-отчёт.
func run(ctx context.Context, repos app.Repositories, opts options, out io.Writer, logger *log.Entry) error {
	services := app.NewServices(repos, app.ServiceOptions{EmitEvents: true, Logger: logger})

	report, err := services.Repair.Run(ctx, opts.kind, opts.orgID, opts.dryRun)
	if err != nil {
		return fmt.Errorf("repair %s: %w", opts.kind, err)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	logger := log.WithField("component", "repair-cli")

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("invalid arguments: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	repos, closeRepos, err := app.OpenRepositories(ctx, storageConfig(opts), logger)
	if err != nil {
		fail("open storage: %v", err)
	}
	defer func() {
		if err := closeRepos(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	if err := run(ctx, repos, opts, os.Stdout, logger); err != nil {
		_ = closeRepos()
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
