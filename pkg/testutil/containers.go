package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	redisOnce      sync.Once
	redisContainer *tcredis.RedisContainer
	redisURL       string
	redisErr       error

	postgresOnce      sync.Once
	postgresContainer *postgres.PostgresContainer
	postgresURL       string
	postgresErr       error
)

// RedisURL starts a shared redis container on first use and returns its URL.
// The test is skipped in -short mode.
func RedisURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	redisOnce.Do(func() {
		redisContainer, redisErr = tcredis.Run(ctx, "redis:7-alpine")
		if redisErr != nil {
			return
		}

		redisURL, redisErr = redisContainer.ConnectionString(ctx)
	})

	require.NoError(t, redisErr)

	return redisURL
}

// PostgresURL starts a shared postgres container on first use and returns its
// connection string. The test is skipped in -short mode.
func PostgresURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresOnce.Do(func() {
		postgresContainer, postgresErr = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("conductor_test"),
			postgres.WithUsername("conductor"),
			postgres.WithPassword("conductor"),
			postgres.BasicWaitStrategies(),
		)
		if postgresErr != nil {
			return
		}

		postgresURL, postgresErr = postgresContainer.ConnectionString(ctx, "sslmode=disable")
	})

	require.NoError(t, postgresErr)

	return postgresURL
}
