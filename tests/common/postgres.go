package common

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	postgresOnce      sync.Once
	postgresContainer *PostgresContainer
	postgresError     error
)

// PostgresContainer is a PostgreSQL instance for the SQL store.
type PostgresContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

// StartPostgres starts the shared PostgreSQL container.
func StartPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	skipShort(t)

	postgresOnce.Do(func() {
		container, host, port, err := startContainer(testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "finstream",
				"POSTGRES_PASSWORD": "finstream",
				"POSTGRES_DB":       "finstream",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(60 * time.Second),
		})
		if err != nil {
			postgresError = fmt.Errorf("PostgreSQL: %w", err)
			return
		}
		postgresContainer = &PostgresContainer{container: container, host: host, port: port}
	})

	if postgresError != nil {
		t.Fatalf("PostgreSQL container failed: %v", postgresError)
	}
	return postgresContainer
}

// DSN returns a lib/pq connection string.
func (c *PostgresContainer) DSN() string {
	return fmt.Sprintf("postgres://finstream:finstream@%s:%s/finstream?sslmode=disable", c.host, c.port)
}

// Cleanup terminates the container.
func (c *PostgresContainer) Cleanup() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}
