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
	redisOnce      sync.Once
	redisContainer *RedisContainer
	redisError     error
)

// RedisContainer is a Redis instance for the query cache.
type RedisContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

// StartRedis starts the shared Redis container.
func StartRedis(t *testing.T) *RedisContainer {
	t.Helper()
	skipShort(t)

	redisOnce.Do(func() {
		container, host, port, err := startContainer(testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			).WithDeadline(30 * time.Second),
		})
		if err != nil {
			redisError = fmt.Errorf("Redis: %w", err)
			return
		}
		redisContainer = &RedisContainer{container: container, host: host, port: port}
	})

	if redisError != nil {
		t.Fatalf("Redis container failed: %v", redisError)
	}
	return redisContainer
}

// Address returns host:port.
func (c *RedisContainer) Address() string {
	return fmt.Sprintf("%s:%s", c.host, c.port)
}

// Cleanup terminates the container.
func (c *RedisContainer) Cleanup() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}
