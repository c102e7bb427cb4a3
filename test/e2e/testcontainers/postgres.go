package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"procodus.dev/sensor-hub/internal/store"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: postgres)
	User string
	// Password is the PostgreSQL password (default: postgres)
	Password string
	// Database is the database name (default: telemetry)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

func (c *PostgresConfig) withDefaults() PostgresConfig {
	out := PostgresConfig{User: "postgres", Password: "postgres", Database: "telemetry"}
	if c == nil {
		return out
	}
	if c.User != "" {
		out.User = c.User
	}
	if c.Password != "" {
		out.Password = c.Password
	}
	if c.Database != "" {
		out.Database = c.Database
	}
	out.ContainerName = c.ContainerName
	return out
}

// StartPostgres starts a PostgreSQL container and returns it with a
// database configuration pointing at it.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, store.DBConfig, error) {
	cfg := config.withDefaults()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				// The entrypoint restarts the server once after init.
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_USER":     cfg.User,
				"POSTGRES_PASSWORD": cfg.Password,
				"POSTGRES_DB":       cfg.Database,
			},
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, store.DBConfig{}, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, store.DBConfig{}, terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, store.DBConfig{}, terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return container, store.DBConfig{
		Host:     host,
		Port:     port.Int(),
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.Database,
		SSLMode:  "disable",
	}, nil
}

// terminate removes a half-started container and returns err with any
// cleanup error attached.
func terminate(ctx context.Context, container testcontainers.Container, err error) error {
	if termErr := container.Terminate(ctx); termErr != nil {
		return fmt.Errorf("%w (cleanup error: %w)", err, termErr)
	}
	return err
}
