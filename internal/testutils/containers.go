package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestDB starts a PostgreSQL container and returns its DSN and a cleanup function
// that terminates the container.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
		wait.ForListeningPort(nat.Port("5432/tcp")).
			WithStartupTimeout(time.Minute),
	).WithDeadline(2 * time.Minute)

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("certforge"),
		postgres.WithUsername("certforge"),
		postgres.WithPassword("certforge"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}
	cleanup := terminator(t, container, "postgres")

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	connStr, err := container.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}
	t.Log("Postgres container started") // Don't log connection string with password
	return connStr, cleanup
}

// SetupTestRedis starts a Redis container and returns its redis:// URL and a cleanup function.
func SetupTestRedis(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("Failed to start redis container: %s", err)
	}
	cleanup := terminator(t, container, "redis")

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url, err := container.ConnectionString(connCtx)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get redis connection string: %s", err)
	}
	t.Log("Redis container started")
	return url, cleanup
}

func terminator(t *testing.T, c testcontainers.Container, name string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("WARN: Failed to terminate %s container: %s", name, err)
			return
		}
		t.Logf("%s container terminated", name)
	}
}
