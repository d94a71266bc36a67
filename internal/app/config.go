package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	envPrefix     = "POS"
	envConfigFile = "POS_CONFIG_FILE"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr включает общие счётчики в Redis; пустое значение оставляет их в основном хранилище.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	// AuthSecret — ключ HS256. Пустой ключ отключает проверку токенов, тогда обязателен DevOrgID.
	AuthSecret string
	DevOrgID   string

	// Timezone определяет месяц в номере налогового счёта.
	Timezone string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// ReconcileInterval = 0 отключает периодическую сверку.
	ReconcileInterval time.Duration
	ReconcileLookback time.Duration
	ReconcileReissue  bool

	LogLevel  string
	LogFormat string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		KafkaTopic:          "possettle.events",
		Timezone:            "Asia/Bangkok",
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    100 * time.Millisecond,
		ReconcileInterval:   15 * time.Minute,
		ReconcileLookback:   48 * time.Hour,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadConfig читает настройки из переменных окружения POS_* и, если задан
// POS_CONFIG_FILE, из файла. Окружение имеет приоритет над файлом.
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		GRPCAddr:            v.GetString("grpc_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
		StorageDriver:       strings.ToLower(strings.TrimSpace(v.GetString("storage_driver"))),
		PostgresDSN:         strings.TrimSpace(v.GetString("postgres_dsn")),
		PostgresAutoMigrate: v.GetBool("postgres_auto_migrate"),
		RedisAddr:           strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:       v.GetString("redis_password"),
		RedisDB:             v.GetInt("redis_db"),
		KafkaBrokers:        splitList(v.GetString("kafka_brokers")),
		KafkaTopic:          strings.TrimSpace(v.GetString("kafka_topic")),
		AuthSecret:          v.GetString("auth_secret"),
		DevOrgID:            strings.TrimSpace(v.GetString("dev_org_id")),
		Timezone:            strings.TrimSpace(v.GetString("timezone")),
		OutboxPollInterval:  v.GetDuration("outbox_poll_interval"),
		OutboxBatchSize:     v.GetInt("outbox_batch_size"),
		OutboxMaxAttempts:   v.GetInt("outbox_max_attempts"),
		OutboxRetryDelay:    v.GetDuration("outbox_retry_delay"),
		ReconcileInterval:   v.GetDuration("reconcile_interval"),
		ReconcileLookback:   v.GetDuration("reconcile_lookback"),
		ReconcileReissue:    v.GetBool("reconcile_reissue"),
		LogLevel:            strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:           strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("grpc_addr", cfg.GRPCAddr)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("storage_driver", cfg.StorageDriver)
	v.SetDefault("postgres_dsn", cfg.PostgresDSN)
	v.SetDefault("postgres_auto_migrate", cfg.PostgresAutoMigrate)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("redis_password", cfg.RedisPassword)
	v.SetDefault("redis_db", cfg.RedisDB)
	v.SetDefault("kafka_brokers", strings.Join(cfg.KafkaBrokers, ","))
	v.SetDefault("kafka_topic", cfg.KafkaTopic)
	v.SetDefault("auth_secret", cfg.AuthSecret)
	v.SetDefault("dev_org_id", cfg.DevOrgID)
	v.SetDefault("timezone", cfg.Timezone)
	v.SetDefault("outbox_poll_interval", cfg.OutboxPollInterval)
	v.SetDefault("outbox_batch_size", cfg.OutboxBatchSize)
	v.SetDefault("outbox_max_attempts", cfg.OutboxMaxAttempts)
	v.SetDefault("outbox_retry_delay", cfg.OutboxRetryDelay)
	v.SetDefault("reconcile_interval", cfg.ReconcileInterval)
	v.SetDefault("reconcile_lookback", cfg.ReconcileLookback)
	v.SetDefault("reconcile_reissue", cfg.ReconcileReissue)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for postgres storage driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.AuthSecret == "" && c.DevOrgID == "" {
		return errors.New("dev_org_id is required when auth_secret is empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.OutboxBatchSize <= 0 {
		return errors.New("outbox_batch_size must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return errors.New("outbox_max_attempts must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return errors.New("outbox_poll_interval must be positive")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("reconcile_interval must be non-negative")
	}
	if _, err := log.ParseLevel(c.logLevel()); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log_format %q", c.LogFormat)
	}
	return nil
}

// Location возвращает часовой пояс выпуска счетов.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c Config) logLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// ConfigureLogger применяет уровень и формат логов к стандартному logger logrus.
func (c Config) ConfigureLogger(logger *log.Logger) error {
	level, err := log.ParseLevel(c.logLevel())
	if err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	logger.SetLevel(level)
	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
