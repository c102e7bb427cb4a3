package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartMosquitto starts an Eclipse Mosquitto broker that accepts anonymous
// clients and returns the container and its tcp:// broker URL.
func StartMosquitto(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			// The image ships this config for local testing.
			Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor: wait.ForListeningPort("1883/tcp"),
			Name:       containerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		return nil, "", terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return container, fmt.Sprintf("tcp://%s:%s", host, port.Port()), nil
}
