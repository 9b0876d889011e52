package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bobmcallan/finstream/internal/series"
)

// chunkRecord is a series_chunks catalog row.
type chunkRecord struct {
	ChunkID      string        `db:"chunk_id"`
	Series       string        `db:"series"`
	RangeStart   int64         `db:"range_start"`
	RangeEnd     int64         `db:"range_end"`
	TableName    string        `db:"table_name"`
	Compressed   bool          `db:"compressed"`
	RowCount     int64         `db:"row_count"`
	CreatedAt    int64         `db:"created_at"`
	CompressedAt sql.NullInt64 `db:"compressed_at"`
}

const chunkColumns = "chunk_id, series, range_start, range_end, table_name, compressed, row_count, created_at, compressed_at"

func (r chunkRecord) toChunk() series.Chunk {
	c := series.Chunk{
		Series:     series.Name(r.Series),
		Start:      time.Unix(0, r.RangeStart).UTC(),
		End:        time.Unix(0, r.RangeEnd).UTC(),
		Compressed: r.Compressed,
		RowCount:   r.RowCount,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.CompressedAt.Valid {
		c.CompressedAt = time.Unix(0, r.CompressedAt.Int64).UTC()
	}
	return c
}

// ensureChunk makes sure the chunk's catalog row and table exist before a
// write transaction needs them. Concurrent callers for one chunk share a
// single creation.
func (s *Store) ensureChunk(ctx context.Context, c series.Chunk) error {
	if _, ok := s.known.Load(c.ID()); ok {
		return nil
	}

	_, err, _ := s.group.Do(c.ID(), func() (any, error) {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			_, _, err := s.prepareChunk(ctx, tx, c, false)
			return err
		})
		if err == nil {
			s.known.Store(c.ID(), struct{}{})
		}
		return nil, err
	})
	return err
}

// prepareChunk reads the chunk's catalog state inside tx, creating the chunk
// when it is missing. With lock set the catalog row is share-locked so that a
// concurrent compression or drop waits for tx to finish.
func (s *Store) prepareChunk(ctx context.Context, tx *sqlx.Tx, c series.Chunk, lock bool) (created, compressed bool, err error) {
	q := "SELECT compressed FROM series_chunks WHERE chunk_id = ?"
	if lock {
		q += s.dialect.forShare
	}

	err = tx.QueryRowxContext(ctx, tx.Rebind(q), c.ID()).Scan(&compressed)
	if err == nil {
		return false, compressed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, false, fmt.Errorf("failed to read chunk %s: %w", c.ID(), err)
	}

	schema, err := series.SchemaOf(c.Series)
	if err != nil {
		return false, false, err
	}
	for _, stmt := range s.dialect.chunkTableDDL(schema, c.TableName()) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, false, fmt.Errorf("failed to create chunk table %s: %w", c.TableName(), err)
		}
	}

	insert := `INSERT INTO series_chunks (chunk_id, series, range_start, range_end, table_name, compressed, row_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?) ON CONFLICT (chunk_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, tx.Rebind(insert),
		c.ID(), string(c.Series), c.Start.UnixNano(), c.End.UnixNano(), c.TableName(), false, s.now().UnixNano(),
	); err != nil {
		return false, false, fmt.Errorf("failed to register chunk %s: %w", c.ID(), err)
	}

	s.logger.Debug().
		Str("series", string(c.Series)).
		Str("chunk", c.ID()).
		Time("start", c.Start).
		Time("end", c.End).
		Msg("Chunk created")

	return true, false, nil
}

// ListChunks returns the catalog of a series ordered by range start.
func (s *Store) ListChunks(ctx context.Context, name series.Name) ([]series.Chunk, error) {
	q := "SELECT " + chunkColumns + " FROM series_chunks WHERE series = ? ORDER BY range_start ASC"

	var records []chunkRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(q), string(name)); err != nil {
		return nil, s.mapError(fmt.Errorf("failed to list chunks for %s: %w", name, err))
	}

	chunks := make([]series.Chunk, len(records))
	for i, r := range records {
		chunks[i] = r.toChunk()
	}
	return chunks, nil
}

// overlappingChunks returns the catalog entries intersecting [from, to) in query order.
func (s *Store) overlappingChunks(ctx context.Context, name series.Name, from, to int64, order series.Order) ([]chunkRecord, error) {
	dir := "ASC"
	if order == series.Descending {
		dir = "DESC"
	}
	q := "SELECT " + chunkColumns + " FROM series_chunks WHERE series = ? AND range_end > ? AND range_start < ? ORDER BY range_start " + dir

	var records []chunkRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(q), string(name), from, to); err != nil {
		return nil, s.mapError(fmt.Errorf("failed to read chunk catalog for %s: %w", name, err))
	}
	return records, nil
}

func (s *Store) chunkExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM series_chunks WHERE chunk_id = ?"), id)
	if err != nil {
		return false, s.mapError(err)
	}
	return n > 0, nil
}

// DropChunk deletes a chunk and all of its rows. Dropping a chunk that no
// longer exists is a no-op. Returns the number of rows removed.
func (s *Store) DropChunk(ctx context.Context, c series.Chunk) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var compressed bool
		q := "SELECT compressed FROM series_chunks WHERE chunk_id = ?" + s.dialect.forUpdate
		if err := tx.QueryRowxContext(ctx, tx.Rebind(q), c.ID()).Scan(&compressed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to lock chunk %s: %w", c.ID(), err)
		}

		if compressed {
			var n sql.NullInt64
			if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT SUM(row_count) FROM series_segments WHERE chunk_id = ?"), c.ID()); err != nil {
				return fmt.Errorf("failed to count segments of %s: %w", c.ID(), err)
			}
			removed = n.Int64
			if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM series_segments WHERE chunk_id = ?"), c.ID()); err != nil {
				return fmt.Errorf("failed to delete segments of %s: %w", c.ID(), err)
			}
		} else {
			if err := tx.GetContext(ctx, &removed, "SELECT COUNT(*) FROM "+c.TableName()); err != nil {
				return fmt.Errorf("failed to count rows of %s: %w", c.ID(), err)
			}
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+c.TableName()); err != nil {
				return fmt.Errorf("failed to drop %s: %w", c.TableName(), err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM series_chunks WHERE chunk_id = ?"), c.ID()); err != nil {
			return fmt.Errorf("failed to unregister chunk %s: %w", c.ID(), err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.known.Delete(c.ID())
	return removed, nil
}

// CompressChunk rewrites a chunk into columnar segments grouped by the series
// segment key and drops its row table. Compressing an already compressed or
// missing chunk is a no-op and returns nil.
func (s *Store) CompressChunk(ctx context.Context, c series.Chunk) (*series.CompressResult, error) {
	schema, err := series.SchemaOf(c.Series)
	if err != nil {
		return nil, err
	}

	var result *series.CompressResult
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Claiming the catalog row first blocks appends holding a share lock.
		claim := "UPDATE series_chunks SET compressed = ?, compressed_at = ? WHERE chunk_id = ? AND compressed = ?"
		res, err := tx.ExecContext(ctx, tx.Rebind(claim), true, s.now().UnixNano(), c.ID(), false)
		if err != nil {
			return fmt.Errorf("failed to claim chunk %s: %w", c.ID(), err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		rows, err := s.selectRows(ctx, tx, schema, c.TableName(), series.Query{Series: c.Series, Order: series.Descending})
		if err != nil {
			return err
		}

		result = &series.CompressResult{Rows: int64(len(rows))}
		insert := tx.Rebind(`INSERT INTO series_segments (chunk_id, segment_key, row_count, min_ts, max_ts, payload)
			VALUES (?, ?, ?, ?, ?, ?)`)
		for _, seg := range series.BuildSegments(schema, rows) {
			payload, err := series.EncodeSegment(schema, seg)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insert,
				c.ID(), seg.Key, len(seg.Rows), seg.MinTime.UnixNano(), seg.MaxTime.UnixNano(), payload,
			); err != nil {
				return fmt.Errorf("failed to write segment %q of %s: %w", seg.Key, c.ID(), err)
			}
			result.Segments++
			result.CompressedLen += int64(len(payload))
			result.RawBytes += rawSize(seg.Rows)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE series_chunks SET row_count = ? WHERE chunk_id = ?"), result.Rows, c.ID()); err != nil {
			return fmt.Errorf("failed to record row count of %s: %w", c.ID(), err)
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+c.TableName()); err != nil {
			return fmt.Errorf("failed to drop %s: %w", c.TableName(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// rawSize approximates the uncompressed footprint of rows.
func rawSize(rows []series.Row) int64 {
	var n int64
	for _, r := range rows {
		n += 8
		for _, v := range r.Values {
			switch x := v.(type) {
			case int64:
				n += 8
			case string:
				n += int64(len(x))
			}
		}
	}
	return n
}
