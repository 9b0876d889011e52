// Package common provides shared container fixtures for integration tests.
// Each fixture starts one container per test process and is skipped under -short.
package common

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	surrealOnce      sync.Once
	surrealContainer *SurrealDBContainer
	surrealError     error
)

// SurrealDBContainer is a SurrealDB instance backing the job run journal.
type SurrealDBContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

// StartSurrealDB starts the shared SurrealDB container.
func StartSurrealDB(t *testing.T) *SurrealDBContainer {
	t.Helper()
	skipShort(t)

	surrealOnce.Do(func() {
		container, host, port, err := startContainer(testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--user", "root", "--pass", "root"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("8000/tcp"),
				wait.ForLog("Started web server"),
			).WithDeadline(60 * time.Second),
		})
		if err != nil {
			surrealError = fmt.Errorf("SurrealDB: %w", err)
			return
		}
		surrealContainer = &SurrealDBContainer{container: container, host: host, port: port}
	})

	if surrealError != nil {
		t.Fatalf("SurrealDB container failed: %v", surrealError)
	}
	return surrealContainer
}

// Address returns the WebSocket RPC address.
func (c *SurrealDBContainer) Address() string {
	return fmt.Sprintf("ws://%s:%s/rpc", c.host, c.port)
}

// Cleanup terminates the container.
func (c *SurrealDBContainer) Cleanup() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// startContainer runs req and resolves the host and mapped port of its first
// exposed port.
func startContainer(req testcontainers.ContainerRequest) (testcontainers.Container, string, string, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("start container: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, "", "", fmt.Errorf("get endpoint: %w", err)
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		container.Terminate(ctx)
		return nil, "", "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return container, host, port, nil
}
