//go:build integration

package integration

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres spins up postgres:16-alpine and returns its connection string
// and a cleanup function.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("clinictest"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("run postgres container: %w", err)
	}
	cleanup := func() { _ = container.Terminate(context.Background()) }

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("postgres connection string: %w", err)
	}
	return connStr, cleanup, nil
}

// startRedis runs redis:7-alpine for the allocation lock tests.
func startRedis(ctx context.Context) (*redis.Client, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("run redis container: %w", err)
	}
	cleanup := func() { _ = container.Terminate(context.Background()) }

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis endpoint: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		cleanup()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, func() {
		_ = client.Close()
		cleanup()
	}, nil
}
