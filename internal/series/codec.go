package series

import (
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Segment is the set of rows of one compressed chunk sharing a segment key.
type Segment struct {
	Key     string
	Rows    []Row // time descending
	MinTime time.Time
	MaxTime time.Time
}

// block is the columnar payload of a segment. Columns are parallel arrays
// indexed by row position; Nulls lists the positions holding NULL.
type block struct {
	Key   string              `json:"key"`
	Times []int64             `json:"t"`
	Ints  map[string][]int64  `json:"i,omitempty"`
	Texts map[string][]string `json:"s,omitempty"`
	Nulls map[string][]int    `json:"n,omitempty"`
}

var (
	zEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	zDecoder, _ = zstd.NewReader(nil)
)

const segmentKeySep = "\x1f"

// SegmentKey returns the grouping key of a row.
func (s Schema) SegmentKey(r Row) string {
	parts := make([]string, len(s.SegmentBy))
	for i, col := range s.SegmentBy {
		parts[i] = fmt.Sprint(r.Values[col])
		if r.Values[col] == nil {
			parts[i] = ""
		}
	}
	return strings.Join(parts, segmentKeySep)
}

// SegmentKeyFromFilters returns the segment key selected by equality filters,
// or false when the filters do not pin every segment column.
func (s Schema) SegmentKeyFromFilters(filters map[string]string) (string, bool) {
	parts := make([]string, len(s.SegmentBy))
	for i, col := range s.SegmentBy {
		v, ok := filters[col]
		if !ok {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, segmentKeySep), true
}

// BuildSegments groups rows by segment key and orders each group by time
// descending. Segments are returned in key order.
func BuildSegments(schema Schema, rows []Row) []Segment {
	groups := make(map[string][]Row)
	for _, r := range rows {
		k := schema.SegmentKey(r)
		groups[k] = append(groups[k], r)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	segments := make([]Segment, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		SortRows(schema, g, Descending)
		segments = append(segments, Segment{
			Key:     k,
			Rows:    g,
			MinTime: g[len(g)-1].Time,
			MaxTime: g[0].Time,
		})
	}
	return segments
}

// EncodeSegment serialises a segment into its compressed columnar payload.
func EncodeSegment(schema Schema, seg Segment) ([]byte, error) {
	b := block{
		Key:   seg.Key,
		Times: make([]int64, len(seg.Rows)),
		Ints:  make(map[string][]int64),
		Texts: make(map[string][]string),
		Nulls: make(map[string][]int),
	}
	for _, c := range schema.Columns {
		if c.Kind == KindInt {
			b.Ints[c.Name] = make([]int64, len(seg.Rows))
		} else {
			b.Texts[c.Name] = make([]string, len(seg.Rows))
		}
	}

	for i, r := range seg.Rows {
		b.Times[i] = r.Time.UnixNano()
		for _, c := range schema.Columns {
			v := r.Values[c.Name]
			if v == nil {
				if !c.Nullable {
					return nil, fmt.Errorf("segment %q: null in non-nullable column %s", seg.Key, c.Name)
				}
				b.Nulls[c.Name] = append(b.Nulls[c.Name], i)
				continue
			}
			switch c.Kind {
			case KindInt:
				n, ok := v.(int64)
				if !ok {
					return nil, fmt.Errorf("segment %q: column %s: want int64, got %T", seg.Key, c.Name, v)
				}
				b.Ints[c.Name][i] = n
			default:
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("segment %q: column %s: want string, got %T", seg.Key, c.Name, v)
				}
				b.Texts[c.Name][i] = s
			}
		}
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segment %q: %w", seg.Key, err)
	}
	return zEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// DecodeSegment restores the rows of a compressed payload, time descending.
func DecodeSegment(schema Schema, payload []byte) ([]Row, error) {
	raw, err := zDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress segment: %w", err)
	}

	var b block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment: %w", err)
	}

	nulls := make(map[string]map[int]bool, len(b.Nulls))
	for col, idx := range b.Nulls {
		set := make(map[int]bool, len(idx))
		for _, i := range idx {
			set[i] = true
		}
		nulls[col] = set
	}

	rows := make([]Row, len(b.Times))
	for i, ts := range b.Times {
		r := NewRow(time.Unix(0, ts))
		for _, c := range schema.Columns {
			if nulls[c.Name][i] {
				r.Values[c.Name] = nil
				continue
			}
			switch c.Kind {
			case KindInt:
				col := b.Ints[c.Name]
				if i >= len(col) {
					return nil, fmt.Errorf("segment %q: column %s truncated", b.Key, c.Name)
				}
				r.Values[c.Name] = col[i]
			default:
				col := b.Texts[c.Name]
				if i >= len(col) {
					return nil, fmt.Errorf("segment %q: column %s truncated", b.Key, c.Name)
				}
				r.Values[c.Name] = col[i]
			}
		}
		rows[i] = r
	}
	return rows, nil
}
