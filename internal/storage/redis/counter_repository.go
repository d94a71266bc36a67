// Package redis хранит счётчики Sequence Allocator в Redis, когда несколько
// инстансов сервиса должны делить одну последовательность.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

const keyPrefix = "possettle:counter:"

// raiseScript поднимает счётчик до floor атомарно на стороне Redis.
var raiseScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return current
`)

// CounterRepository — Redis-реализация domain.CounterRepository поверх INCR.
type CounterRepository struct {
	client goredis.UniversalClient
}

// Options — параметры подключения.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient создаёт клиент Redis.
func NewClient(opts Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewCounterRepository оборачивает готовый клиент.
func NewCounterRepository(client goredis.UniversalClient) *CounterRepository {
	return &CounterRepository{client: client}
}

// Next атомарно увеличивает счётчик.
func (r *CounterRepository) Next(ctx context.Context, name string) (int64, error) {
	value, err := r.client.Incr(ctx, keyPrefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("incr counter %s: %w", name, err)
	}
	return value, nil
}

// Current возвращает последнее выданное значение, 0 если ключа нет.
func (r *CounterRepository) Current(ctx context.Context, name string) (int64, error) {
	value, err := r.client.Get(ctx, keyPrefix+name).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", name, err)
	}
	return value, nil
}

// EnsureAtLeast поднимает счётчик до floor.
func (r *CounterRepository) EnsureAtLeast(ctx context.Context, name string, floor int64) error {
	if err := raiseScript.Run(ctx, r.client, []string{keyPrefix + name}, floor).Err(); err != nil {
		return fmt.Errorf("raise counter %s to %d: %w", name, floor, err)
	}
	return nil
}

// Ping проверяет доступность Redis для health-проверок.
func (r *CounterRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (r *CounterRepository) Close() error {
	return r.client.Close()
}

var _ domain.CounterRepository = (*CounterRepository)(nil)
