package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/possettle/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "POS_POSTGRES_DSN"
)

type direction string

const (
	directionUp     direction = "up"
	directionDown   direction = "down"
	directionStatus direction = "status"
)

func parseDirection(raw string) (direction, error) {
	switch d := direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case directionUp, directionDown, directionStatus:
		return d, nil
	}
	return "", fmt.Errorf("unsupported direction: %s (use up|down|status)", raw)
}

// migrator — часть *postgres.Store, нужная CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

func main() {
	var (
		rawDirection string
		steps        int
		dsn          string
	)

	flag.StringVar(&rawDirection, "direction", "up", "migration direction: up|down|status")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	flag.Parse()

	if dsn = strings.TrimSpace(dsn); dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(envPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", envPostgresDSN)
	}
	dir, err := parseDirection(rawDirection)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	line, err := runMigration(ctx, store, dir, steps)
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(line)
}

// runMigration выполняет шаг и возвращает строку состояния схемы после него.
func runMigration(ctx context.Context, m migrator, dir direction, steps int) (string, error) {
	prefix := "migration status"
	switch dir {
	case directionUp:
		if err := m.MigrateUp(ctx, steps); err != nil {
			return "", fmt.Errorf("migrate up failed: %w", err)
		}
		prefix = "migrate up ok"
	case directionDown:
		if err := m.MigrateDown(ctx, steps); err != nil {
			return "", fmt.Errorf("migrate down failed: %w", err)
		}
		prefix = "migrate down ok"
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("migration status failed: %w", err)
	}
	return formatState(prefix, state), nil
}

func formatState(prefix string, state postgres.MigrationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: version=%d applied=%d available=%d", prefix, state.Version, state.Applied, state.Available)
	if len(state.Pending) > 0 {
		b.WriteString(" pending=" + joinVersions(state.Pending))
	}
	if len(state.Drifted) > 0 {
		b.WriteString(" drifted=" + joinVersions(state.Drifted))
	}
	return b.String()
}

func joinVersions(versions []int64) string {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
