package series

import (
	"fmt"
	"time"
)

// Chunk is a contiguous [Start, End) partition of a series. Boundaries are
// multiples of the chunk width since the Unix epoch, so a chunk is fully
// determined by the series, the width and any timestamp inside it.
type Chunk struct {
	Series       Name
	Start        time.Time
	End          time.Time
	Compressed   bool
	RowCount     int64
	CreatedAt    time.Time
	CompressedAt time.Time
}

// ChunkFor returns the chunk of series that contains ts.
func ChunkFor(name Name, ts time.Time, width time.Duration) Chunk {
	start := floor(ts, width)
	return Chunk{Series: name, Start: start, End: start.Add(width)}
}

func floor(t time.Time, width time.Duration) time.Time {
	w := int64(width)
	n := t.UnixNano()
	r := n % w
	if r < 0 {
		r += w
	}
	return time.Unix(0, n-r).UTC()
}

// ID is the catalog identity of the chunk.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s_%d", c.Series, c.Start.Unix())
}

// TableName is the physical table holding the chunk's uncompressed rows.
func (c Chunk) TableName() string {
	start := c.Start.Unix()
	if start < 0 {
		return fmt.Sprintf("_chunk_%s_m%d", c.Series, -start)
	}
	return fmt.Sprintf("_chunk_%s_%d", c.Series, start)
}

// Width returns End - Start.
func (c Chunk) Width() time.Duration {
	return c.End.Sub(c.Start)
}

// Overlaps reports whether the chunk intersects the half-open range [from, to).
// Zero bounds are open.
func (c Chunk) Overlaps(from, to time.Time) bool {
	if !to.IsZero() && !c.Start.Before(to) {
		return false
	}
	if !from.IsZero() && !c.End.After(from) {
		return false
	}
	return true
}

// Expired reports whether the chunk lies wholly before now - retention.
func (c Chunk) Expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	return !c.End.After(now.Add(-retention))
}

// Compressible reports whether the chunk lies wholly before now - after and is
// still in its row layout.
func (c Chunk) Compressible(now time.Time, after time.Duration) bool {
	if after <= 0 || c.Compressed {
		return false
	}
	return !c.End.After(now.Add(-after))
}
