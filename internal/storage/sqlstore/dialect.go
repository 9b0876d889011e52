package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/finstream/internal/series"
)

// dialect captures the DDL and locking differences between SQLite and PostgreSQL.
type dialect struct {
	name        string
	decimalType string
	blobType    string
	forShare    string
	forUpdate   string
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		decimalType: "TEXT",
		blobType:    "BLOB",
	}
	postgresDialect = dialect{
		name:        "postgres",
		decimalType: "NUMERIC",
		blobType:    "BYTEA",
		forShare:    " FOR SHARE",
		forUpdate:   " FOR UPDATE",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return sqliteDialect, nil
	case "postgres":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported storage driver %q", driver)
}

func (d dialect) columnType(c series.Column) string {
	var t string
	switch c.Kind {
	case series.KindInt:
		t = "BIGINT"
	case series.KindDecimal:
		t = d.decimalType
	default:
		t = "TEXT"
	}
	if !c.Nullable {
		t += " NOT NULL"
	}
	return t
}

// lockTimeoutStmt bounds row lock waits for the current transaction.
func (d dialect) lockTimeoutStmt(timeout time.Duration) string {
	if d.name != "postgres" || timeout <= 0 {
		return ""
	}
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
}

// chunkTableDDL returns the statements creating a chunk's row table.
func (d dialect) chunkTableDDL(schema series.Schema, table string) []string {
	cols := make([]string, 0, len(schema.Columns)+2)
	cols = append(cols, series.TimeColumn+" BIGINT NOT NULL")
	for _, c := range schema.Columns {
		cols = append(cols, c.Name+" "+d.columnType(c))
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(schema.ConflictColumns(), ", ")))

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (%s)", table, table, series.TimeColumn),
	}
}

// baseDDL returns the catalog and reference tables.
func (d dialect) baseDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS series_chunks (
			chunk_id TEXT PRIMARY KEY,
			series TEXT NOT NULL,
			range_start BIGINT NOT NULL,
			range_end BIGINT NOT NULL,
			table_name TEXT NOT NULL,
			compressed BOOLEAN NOT NULL DEFAULT FALSE,
			row_count BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			compressed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS series_chunks_range_idx ON series_chunks (series, range_start)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS series_segments (
			chunk_id TEXT NOT NULL,
			segment_key TEXT NOT NULL,
			row_count BIGINT NOT NULL,
			min_ts BIGINT NOT NULL,
			max_ts BIGINT NOT NULL,
			payload %s NOT NULL,
			PRIMARY KEY (chunk_id, segment_key)
		)`, d.blobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS symbols (
			symbol TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			exchange TEXT NOT NULL,
			asset_type TEXT NOT NULL,
			currency TEXT NOT NULL,
			lot_size BIGINT NOT NULL,
			tick_size %s NOT NULL,
			is_active BOOLEAN NOT NULL,
			updated_at BIGINT NOT NULL
		)`, d.decimalType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS portfolios (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			current_cash %[1]s NOT NULL CHECK (CAST(current_cash AS NUMERIC) >= 0),
			initial_cash %[1]s NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			is_public BOOLEAN NOT NULL DEFAULT FALSE,
			last_trade_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`, d.decimalType),
		`CREATE INDEX IF NOT EXISTS portfolios_user_idx ON portfolios (user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS portfolios_user_default_idx ON portfolios (user_id) WHERE is_default`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS holdings (
			portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL REFERENCES symbols(symbol),
			quantity %[1]s NOT NULL CHECK (CAST(quantity AS NUMERIC) > 0),
			average_cost %[1]s NOT NULL,
			total_cost %[1]s NOT NULL,
			last_traded_at BIGINT NOT NULL,
			PRIMARY KEY (portfolio_id, symbol)
		)`, d.decimalType),
	}
}
