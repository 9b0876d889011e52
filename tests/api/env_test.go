package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/app"
	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/server"
	tcommon "github.com/bobmcallan/finstream/tests/common"
)

// Env is a full stack: PostgreSQL store, Redis cache, SurrealDB journal and
// the HTTP server, all backed by shared containers.
type Env struct {
	App    *app.App
	Server *httptest.Server
}

// NewEnv starts (or reuses) the containers and builds an App against them.
// Each call gets an empty schema, an empty cache and its own journal database.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	pg := tcommon.StartPostgres(t)
	rc := tcommon.StartRedis(t)
	sc := tcommon.StartSurrealDB(t)
	ctx := context.Background()

	raw, err := sqlx.Open("postgres", pg.DSN())
	require.NoError(t, err)
	_, err = raw.Exec("DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	require.NoError(t, err)
	raw.Close()

	rdb := redis.NewClient(&redis.Options{Addr: rc.Address()})
	require.NoError(t, rdb.FlushDB(ctx).Err())
	rdb.Close()

	config := common.NewDefaultConfig()
	config.Logging.Level = "error"
	config.Storage.Driver = "postgres"
	config.Storage.DSN = pg.DSN()
	config.Storage.LockTimeout = "1s"
	config.Cache.Address = rc.Address()
	config.Journal.Address = sc.Address()
	config.Journal.Namespace = "finstream_test"
	config.Journal.Database = journalName(t)
	config.Kafka.Enabled = false

	a, err := app.New(ctx, config, common.NewSilentLogger())
	require.NoError(t, err)
	require.NotNil(t, a.Cache, "redis cache should be connected")
	require.NotNil(t, a.Journal, "surrealdb journal should be connected")

	ts := httptest.NewServer(server.NewServer(a).Handler())
	env := &Env{App: a, Server: ts}
	t.Cleanup(env.Cleanup)
	return env
}

// Cleanup stops the HTTP server and closes the App.
func (e *Env) Cleanup() {
	e.Server.Close()
	e.App.Close()
}

// HTTPGet issues a GET against the stack.
func (e *Env) HTTPGet(path string) (*http.Response, error) {
	return http.Get(e.Server.URL + path)
}

// HTTPPost issues an empty-body POST against the stack.
func (e *Env) HTTPPost(path string) (*http.Response, error) {
	return http.Post(e.Server.URL+path, "application/json", nil)
}

// SeedSymbols registers active symbols.
func (e *Env) SeedSymbols(t *testing.T, symbols ...string) {
	t.Helper()
	for _, s := range symbols {
		require.NoError(t, e.App.Store.UpsertSymbol(context.Background(), models.NewSymbol(s, s, "")))
	}
}

func journalName(t *testing.T) string {
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)
}
