package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	ErrDockerUnavailable = errors.New("docker unavailable for tests")
	ErrDockerDisabled    = errors.New("docker-based tests disabled via env")
)

const (
	defaultStartupTimeout  = 120 * time.Second
	defaultReadyTimeout    = 2 * time.Minute
	defaultDialTimeout     = 5 * time.Second
	defaultReadyAttempts   = 8
	defaultReadyBaseDelay  = 500 * time.Millisecond
	defaultReadyMaxBackoff = 10 * time.Second
)

// Instance is a disposable PostgreSQL container for integration tests.
// Call Terminate when done.
type Instance struct {
	container testcontainers.Container
	dsn       string
}

// ConnectionString exposes the configured DSN (sslmode=disable).
func (i *Instance) ConnectionString() string {
	if i == nil {
		return ""
	}
	return i.dsn
}

// Terminate stops the underlying container. Safe to call multiple times.
func (i *Instance) Terminate(ctx context.Context) error {
	if i == nil || i.container == nil {
		return nil
	}
	return i.container.Terminate(ctx)
}

// Start launches a PostgreSQL container and blocks until it accepts
// connections. SKIP_DOCKER_TESTS=1 short-circuits with ErrDockerDisabled.
func Start(ctx context.Context) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		return nil, ErrDockerDisabled
	}

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("simtrade_test"),
		postgres.WithUsername("simtrade"),
		postgres.WithPassword("simtrade"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(defaultStartupTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("resolve postgres connection string: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(context.Background(), defaultReadyTimeout)
	defer cancel()
	if err := WaitForReady(readyCtx, dsn); err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("verify postgres connection: %w", err)
	}

	return &Instance{container: container, dsn: dsn}, nil
}

// WaitForReady blocks until the database at dsn answers a ping, retrying
// with exponential backoff.
func WaitForReady(ctx context.Context, dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("empty connection string")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultReadyTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < defaultReadyAttempts; attempt++ {
		if attempt > 0 {
			delay := defaultReadyBaseDelay * time.Duration(1<<uint(attempt-1))
			if delay > defaultReadyMaxBackoff {
				delay = defaultReadyMaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		connCtx, connCancel := context.WithTimeout(ctx, defaultDialTimeout)
		pool, err := pgxpool.New(connCtx, dsn)
		connCancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, defaultDialTimeout)
		pingErr := pool.Ping(pingCtx)
		pingCancel()
		pool.Close()

		if pingErr != nil {
			lastErr = fmt.Errorf("attempt %d ping: %w", attempt+1, pingErr)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts (last error: %w)", defaultReadyAttempts, lastErr)
}
