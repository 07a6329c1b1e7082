package engine

import (
	"math"
	"sort"
	"time"

	"telewindow/internal/model"
)

const maxTS = math.MaxInt64

// PointBuffer holds the points of one series, ascending by TS with unique TS.
type PointBuffer struct {
	points    []model.Point
	retention RetentionSpec
	now       func() time.Time
	dropped   int64
}

func NewPointBuffer(retention RetentionSpec, now func() time.Time) *PointBuffer {
	if now == nil {
		now = time.Now
	}
	return &PointBuffer{
		points:    make([]model.Point, 0, 64),
		retention: retention,
		now:       now,
	}
}

// Merge applies a batch and trims to the buffer's retention. It returns the
// number of points dropped for a negative ts or a non-finite value.
func (b *PointBuffer) Merge(newPoints []model.Point, mode MergeMode) int {
	batch, dropped := cleanBatch(newPoints)
	b.dropped += int64(dropped)
	if mode == MergeReplace {
		b.points = batch
	} else {
		b.points = mergeJoin(b.points, batch)
	}
	b.trim()
	return dropped
}

func (b *PointBuffer) Clip(retention RetentionSpec) []model.Point {
	lo, hi := retention.bounds(b.now())
	start, end := b.span(lo, hi)
	out := make([]model.Point, end-start)
	copy(out, b.points[start:end])
	return out
}

func (b *PointBuffer) Reset() {
	b.points = make([]model.Point, 0, 64)
}

func (b *PointBuffer) Len() int {
	return len(b.points)
}

func (b *PointBuffer) Dropped() int64 {
	return b.dropped
}

func (b *PointBuffer) trim() {
	lo, hi := b.retention.bounds(b.now())
	start, end := b.span(lo, hi)
	if start == 0 && end == len(b.points) {
		return
	}
	b.points = append(b.points[:0], b.points[start:end]...)
}

func (b *PointBuffer) span(lo, hi int64) (int, int) {
	start := sort.Search(len(b.points), func(i int) bool { return b.points[i].TS >= lo })
	end := sort.Search(len(b.points), func(i int) bool { return b.points[i].TS > hi })
	if end < start {
		end = start
	}
	return start, end
}

// cleanBatch copies the usable points of in, ordered and collapsed so that
// the last write for a ts wins. Only an out-of-order batch is sorted.
func cleanBatch(in []model.Point) ([]model.Point, int) {
	out := make([]model.Point, 0, len(in))
	dropped := 0
	ordered := true
	for _, p := range in {
		if p.TS < 0 || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			dropped++
			continue
		}
		if n := len(out); n > 0 && p.TS < out[n-1].TS {
			ordered = false
		}
		out = append(out, p)
	}
	if !ordered {
		sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	}
	w := 0
	for i := range out {
		if w > 0 && out[w-1].TS == out[i].TS {
			out[w-1] = out[i]
			continue
		}
		out[w] = out[i]
		w++
	}
	return out[:w], dropped
}

// mergeJoin merges two ordered, ts-unique sequences in O(n+m). On equal ts
// the point from add replaces the one in cur.
func mergeJoin(cur, add []model.Point) []model.Point {
	if len(add) == 0 {
		return cur
	}
	if len(cur) == 0 || add[0].TS > cur[len(cur)-1].TS {
		return append(cur, add...)
	}
	out := make([]model.Point, 0, len(cur)+len(add))
	i, j := 0, 0
	for i < len(cur) && j < len(add) {
		switch {
		case cur[i].TS < add[j].TS:
			out = append(out, cur[i])
			i++
		case cur[i].TS > add[j].TS:
			out = append(out, add[j])
			j++
		default:
			out = append(out, add[j])
			i++
			j++
		}
	}
	out = append(out, cur[i:]...)
	out = append(out, add[j:]...)
	return out
}
