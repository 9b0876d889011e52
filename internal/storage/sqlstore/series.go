package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/series"
)

// Append writes rows into their chunks. Each chunk is written in its own
// transaction holding a share lock on the catalog row, so a row is either
// visible in the row layout or rejected because the chunk was compressed
// first. Rows older than the retention horizon are rejected.
func (s *Store) Append(ctx context.Context, name series.Name, rows []series.Row) (series.AppendResult, error) {
	var result series.AppendResult
	if len(rows) == 0 {
		return result, nil
	}

	schema, err := series.SchemaOf(name)
	if err != nil {
		return result, err
	}
	policy := s.Policy(name)
	now := s.now()

	groups := make(map[int64][]series.Row)
	chunks := make(map[int64]series.Chunk)
	for _, r := range rows {
		c := series.ChunkFor(name, r.Time, policy.ChunkWidth)
		if c.Expired(now, policy.Retention) {
			result.Rejected++
			continue
		}
		k := c.Start.UnixNano()
		chunks[k] = c
		groups[k] = append(groups[k], r)
	}

	starts := make([]int64, 0, len(groups))
	for k := range groups {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, k := range starts {
		res, err := s.appendChunk(ctx, schema, chunks[k], groups[k])
		if err != nil {
			return result, err
		}
		result.Add(res)
	}

	if result.Rejected > 0 {
		s.logger.Warn().
			Str("series", string(name)).
			Int("rejected", result.Rejected).
			Msg("Rows rejected for compressed or expired chunks")
	}
	return result, nil
}

func (s *Store) appendChunk(ctx context.Context, schema series.Schema, c series.Chunk, rows []series.Row) (series.AppendResult, error) {
	var result series.AppendResult
	if err := s.ensureChunk(ctx, c); err != nil {
		return result, err
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		result = series.AppendResult{}
		_, compressed, err := s.prepareChunk(ctx, tx, c, true)
		if err != nil {
			return err
		}
		if compressed {
			result.Rejected = len(rows)
			return nil
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(s.insertSQL(schema, c.TableName())))
		if err != nil {
			return fmt.Errorf("failed to prepare insert into %s: %w", c.TableName(), err)
		}
		defer stmt.Close()

		for _, r := range rows {
			n, err := s.insertRow(ctx, stmt.Stmt, schema, r)
			if err != nil {
				return err
			}
			if n == 0 {
				result.Duplicates++
			} else {
				result.Inserted++
			}
		}
		return nil
	})
	return result, err
}

// insertSQL builds the keyed insert for a chunk table.
func (s *Store) insertSQL(schema series.Schema, table string) string {
	cols := schema.ColumnNames()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var conflict string
	if schema.Upsert {
		sets := make([]string, 0, len(schema.MutableColumns()))
		for _, c := range schema.MutableColumns() {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	} else {
		conflict = "DO NOTHING"
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table, strings.Join(cols, ", "), marks, strings.Join(schema.ConflictColumns(), ", "), conflict)
}

// insertRow executes a prepared insert and returns the rows affected.
func (s *Store) insertRow(ctx context.Context, stmt *sql.Stmt, schema series.Schema, r series.Row) (int64, error) {
	args := make([]any, 0, len(schema.Columns)+1)
	args = append(args, r.Time.UnixNano())
	for _, c := range schema.Columns {
		v := r.Values[c.Name]
		if v == nil && !c.Nullable {
			return 0, fmt.Errorf("%w: %s row at %s has no %s", common.ErrInvalidArgument, schema.Name, r.Time.Format(time.RFC3339Nano), c.Name)
		}
		args = append(args, v)
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s row: %w", schema.Name, err)
	}
	return res.RowsAffected()
}

// QueryRange reads the rows of q.Series in [q.From, q.To) matching every
// filter, ordered by time then key. Only chunks overlapping the range are
// read; a chunk dropped while the query runs is skipped.
func (s *Store) QueryRange(ctx context.Context, q series.Query) ([]series.Row, error) {
	schema, err := series.SchemaOf(q.Series)
	if err != nil {
		return nil, err
	}
	for col := range q.Filters {
		c, ok := schema.Column(col)
		if !ok || c.Kind == series.KindInt {
			return nil, fmt.Errorf("%w: cannot filter %s on %q", common.ErrInvalidArgument, q.Series, col)
		}
	}

	from, to := q.Bounds()
	if from >= to {
		return nil, nil
	}

	records, err := s.overlappingChunks(ctx, q.Series, from, to, q.Order)
	if err != nil {
		return nil, err
	}

	var out []series.Row
	for _, rec := range records {
		remaining := 0
		if q.Limit > 0 {
			remaining = q.Limit - len(out)
			if remaining <= 0 {
				break
			}
		}

		rows, err := s.readChunk(ctx, schema, rec, q, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	series.SortRows(schema, out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// readChunk reads one chunk in whichever layout it currently has. A failed
// read is retried once against the refreshed catalog so that a concurrent
// compression or drop does not fail the query.
func (s *Store) readChunk(ctx context.Context, schema series.Schema, rec chunkRecord, q series.Query, limit int) ([]series.Row, error) {
	q.Limit = limit

	rows, err := s.readChunkAs(ctx, schema, rec, q)
	if err == nil {
		return rows, nil
	}

	var fresh []chunkRecord
	lookup := "SELECT " + chunkColumns + " FROM series_chunks WHERE chunk_id = ?"
	if lerr := s.db.SelectContext(ctx, &fresh, s.db.Rebind(lookup), rec.ChunkID); lerr != nil {
		return nil, s.mapError(err)
	}
	if len(fresh) == 0 {
		s.logger.Debug().Str("chunk", rec.ChunkID).Msg("Chunk dropped during read, skipping")
		return nil, nil
	}
	if fresh[0].Compressed != rec.Compressed {
		return s.readChunkAs(ctx, schema, fresh[0], q)
	}
	return nil, s.mapError(err)
}

func (s *Store) readChunkAs(ctx context.Context, schema series.Schema, rec chunkRecord, q series.Query) ([]series.Row, error) {
	if rec.Compressed {
		return s.readSegments(ctx, schema, rec.ChunkID, q)
	}
	return s.selectRows(ctx, s.db, schema, rec.TableName, q)
}

// selectRows reads a chunk table in the row layout.
func (s *Store) selectRows(ctx context.Context, db sqlx.QueryerContext, schema series.Schema, table string, q series.Query) ([]series.Row, error) {
	cols := schema.ColumnNames()
	from, to := q.Bounds()

	where := []string{series.TimeColumn + " >= ?", series.TimeColumn + " < ?"}
	args := []any{from, to}

	filterCols := make([]string, 0, len(q.Filters))
	for col := range q.Filters {
		filterCols = append(filterCols, col)
	}
	sort.Strings(filterCols)
	for _, col := range filterCols {
		where = append(where, col+" = ?")
		args = append(args, q.Filters[col])
	}

	dir := "ASC"
	if q.Order == series.Descending {
		dir = "DESC"
	}
	orderBy := append([]string{series.TimeColumn + " " + dir}, schema.Key...)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(cols, ", "), table, strings.Join(where, " AND "), strings.Join(orderBy, ", "))
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rs, err := db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rs.Close()

	var out []series.Row
	for rs.Next() {
		r, err := scanRow(rs, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

// scanRow reads a row selected with schema.ColumnNames().
func scanRow(rs *sqlx.Rows, schema series.Schema) (series.Row, error) {
	var ts int64
	dest := make([]any, 0, len(schema.Columns)+1)
	dest = append(dest, &ts)

	ints := make(map[string]*sql.NullInt64)
	texts := make(map[string]*sql.NullString)
	for _, c := range schema.Columns {
		if c.Kind == series.KindInt {
			v := &sql.NullInt64{}
			ints[c.Name] = v
			dest = append(dest, v)
		} else {
			v := &sql.NullString{}
			texts[c.Name] = v
			dest = append(dest, v)
		}
	}

	if err := rs.Scan(dest...); err != nil {
		return series.Row{}, err
	}

	r := series.NewRow(time.Unix(0, ts))
	for name, v := range ints {
		if v.Valid {
			r.Values[name] = v.Int64
		} else {
			r.Values[name] = nil
		}
	}
	for name, v := range texts {
		if v.Valid {
			r.Values[name] = v.String
		} else {
			r.Values[name] = nil
		}
	}
	return r, nil
}

// readSegments decodes the segments of a compressed chunk that can hold
// matching rows.
func (s *Store) readSegments(ctx context.Context, schema series.Schema, chunkID string, q series.Query) ([]series.Row, error) {
	from, to := q.Bounds()
	query := "SELECT payload FROM series_segments WHERE chunk_id = ? AND max_ts >= ? AND min_ts < ?"
	args := []any{chunkID, from, to}
	if key, ok := schema.SegmentKeyFromFilters(q.Filters); ok {
		query += " AND segment_key = ?"
		args = append(args, key)
	}
	query += " ORDER BY segment_key"

	var payloads [][]byte
	if err := s.db.SelectContext(ctx, &payloads, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read segments of %s: %w", chunkID, err)
	}

	var out []series.Row
	for _, p := range payloads {
		rows, err := series.DecodeSegment(schema, p)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunkID, err)
		}
		for _, r := range rows {
			if q.Contains(r.Time) && r.Matches(q.Filters) {
				out = append(out, r)
			}
		}
	}

	series.SortRows(schema, out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
