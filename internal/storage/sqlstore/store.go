// Package sqlstore implements the time-chunked series store and the ledger
// tables on top of a transactional SQL database (SQLite or PostgreSQL).
//
// Every series is split into fixed-width chunks aligned to the Unix epoch.
// Each chunk is its own table while it accepts writes; the series_chunks
// catalog records its range and state. A compressed chunk's rows live in
// series_segments as zstd columnar payloads and its table is dropped.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/sync/singleflight"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/series"
)

// Options configures a Store.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	LockTimeout  time.Duration
	Policies     map[series.Name]series.Policy

	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Store implements interfaces.StorageManager and every store interface it hands out.
type Store struct {
	db       *sqlx.DB
	dialect  dialect
	logger   *common.Logger
	policies map[series.Name]series.Policy
	lockWait time.Duration
	now      func() time.Time

	known sync.Map // chunk_id -> struct{}, chunks known to exist
	group singleflight.Group
}

// PoliciesFromConfig builds per-series policies from the [series] config tables.
func PoliciesFromConfig(cfg common.SeriesSet) map[series.Name]series.Policy {
	toPolicy := func(c common.SeriesConfig) series.Policy {
		return series.Policy{
			ChunkWidth:    c.GetChunkWidth(),
			Retention:     c.GetRetention(),
			CompressAfter: c.GetCompressAfter(),
		}
	}
	return map[series.Name]series.Policy{
		series.Trades:       toPolicy(cfg.Trades),
		series.Quotes:       toPolicy(cfg.Quotes),
		series.Candles:      toPolicy(cfg.Candles),
		series.Alerts:       toPolicy(cfg.Alerts),
		series.Transactions: toPolicy(cfg.Transactions),
	}
}

// NewFromConfig opens the store described by the [storage] and [series] sections.
func NewFromConfig(ctx context.Context, logger *common.Logger, config *common.Config) (*Store, error) {
	return Open(ctx, logger, Options{
		Driver:       config.Storage.Driver,
		DSN:          config.Storage.DSN,
		MaxOpenConns: config.Storage.MaxOpenConns,
		LockTimeout:  config.Storage.GetLockTimeout(),
		Policies:     PoliciesFromConfig(config.Series),
	})
}

// Open connects to the database and creates the catalog and reference tables.
func Open(ctx context.Context, logger *common.Logger, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if d.name == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if d.name == "sqlite" {
		// One connection serialises SQLite writers; readers share it.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns / 2)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", common.ErrStorageUnavailable, err)
	}

	if d.name == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			logger.Warn().Err(err).Msg("Failed to set WAL mode")
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL"); err != nil {
			logger.Warn().Err(err).Msg("Failed to set synchronous mode")
		}
	}

	for _, stmt := range d.baseDDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create base schema: %w", err)
		}
	}

	policies := make(map[series.Name]series.Policy, len(opts.Policies))
	for _, name := range series.All() {
		p := opts.Policies[name]
		if p.ChunkWidth <= 0 {
			p.ChunkWidth = 24 * time.Hour
		}
		policies[name] = p
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:       db,
		dialect:  d,
		logger:   logger,
		policies: policies,
		lockWait: opts.LockTimeout,
		now:      now,
	}

	logger.Info().
		Str("driver", d.name).
		Int("series", len(policies)).
		Msg("SQL storage initialized")

	return s, nil
}

func (s *Store) SeriesStore() interfaces.SeriesStore { return s }
func (s *Store) MarketStore() interfaces.MarketStore { return s }
func (s *Store) SymbolStore() interfaces.SymbolStore { return s }
func (s *Store) LedgerStore() interfaces.LedgerStore { return s }

// Policy returns the chunking and lifecycle policy of a series.
func (s *Store) Policy(name series.Name) series.Policy {
	return s.policies[name]
}

// Ping checks the substrate is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return s.mapError(err)
	}
	if err = tx.Commit(); err != nil {
		return s.mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapError folds driver failures into the common error taxonomy.
func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "55P03" || pqErr.Code == "57014":
			return fmt.Errorf("%w: %v", common.ErrLockTimeout, err)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" || pqErr.Code.Class() == "53":
			return fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", common.ErrLockTimeout, err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	return err
}

// Compile-time check
var _ interfaces.StorageManager = (*Store)(nil)
