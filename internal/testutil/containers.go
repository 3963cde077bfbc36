//go:build integration

// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisPort    nat.Port = "6379/tcp"
	postgresPort nat.Port = "5432/tcp"
)

// StartRedis starts a Redis container and returns its redis:// URL.
// The container is terminated when the test ends.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c := start(t, ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{string(redisPort)},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	host, port := endpoint(t, ctx, c, redisPort)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// StartPostgres starts a PostgreSQL container and returns its connection URL.
// The container is terminated when the test ends.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c := start(t, ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(postgresPort)},
		Env: map[string]string{
			"POSTGRES_USER":     "canopy",
			"POSTGRES_PASSWORD": "canopy",
			"POSTGRES_DB":       "canopy",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(postgresPort),
		).WithDeadline(60 * time.Second),
	})
	host, port := endpoint(t, ctx, c, postgresPort)
	return fmt.Sprintf("postgres://canopy:canopy@%s:%s/canopy?sslmode=disable", host, port.Port())
}

func start(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start %s container", req.Image)

	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate %s container: %v", req.Image, err)
		}
	})
	return c
}

func endpoint(t *testing.T, ctx context.Context, c testcontainers.Container, port nat.Port) (string, nat.Port) {
	host, err := c.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err, "Failed to get container port")
	return host, mapped
}
