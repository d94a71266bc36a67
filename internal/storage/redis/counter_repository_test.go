package redis

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCounterRepositoryForTest(t *testing.T) *CounterRepository {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("POS_REDIS_TEST_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	repo := NewCounterRepository(NewClient(Options{Addr: addr}))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCounterRepository_NextIsUnique(t *testing.T) {
	repo := openCounterRepositoryForTest(t)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	current, err := repo.Current(ctx, name)
	require.NoError(t, err)
	assert.Zero(t, current)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]struct{})
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := repo.Next(ctx, name)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := seen[value]
			assert.False(t, dup, "duplicate value %d", value)
			seen[value] = struct{}{}
		}()
	}
	wg.Wait()

	current, err = repo.Current(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(50), current)
}

func TestCounterRepository_EnsureAtLeast(t *testing.T) {
	repo := openCounterRepositoryForTest(t)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	require.NoError(t, repo.EnsureAtLeast(ctx, name, 10))
	require.NoError(t, repo.EnsureAtLeast(ctx, name, 3))

	next, err := repo.Next(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)
}
