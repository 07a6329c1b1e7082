package engine

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"telewindow/internal/model"
)

func newBufferForTest() *PointBuffer {
	return NewPointBuffer(DurationRetention(24*time.Hour), fixedClock(1_000_000))
}

func assertOrdered(t *testing.T, points []model.Point) {
	t.Helper()
	for i := 1; i < len(points); i++ {
		if points[i-1].TS >= points[i].TS {
			t.Fatalf("points not strictly ascending at %d: %v", i, points)
		}
	}
}

func TestAppendIdempotent(t *testing.T) {
	once := newBufferForTest()
	once.Merge([]model.Point{{TS: 1000, Value: 3}}, MergeAppend)
	twice := newBufferForTest()
	twice.Merge([]model.Point{{TS: 1000, Value: 3}}, MergeAppend)
	twice.Merge([]model.Point{{TS: 1000, Value: 3}}, MergeAppend)
	ret := DurationRetention(24 * time.Hour)
	if !reflect.DeepEqual(once.Clip(ret), twice.Clip(ret)) {
		t.Fatalf("append not idempotent: %v vs %v", once.Clip(ret), twice.Clip(ret))
	}
}

func TestAppendLastWriteWins(t *testing.T) {
	b := newBufferForTest()
	b.Merge([]model.Point{{TS: 1000, Value: 1}, {TS: 2000, Value: 2}}, MergeAppend)
	b.Merge([]model.Point{{TS: 2000, Value: 9}, {TS: 1500, Value: 5}}, MergeAppend)
	got := b.Clip(DurationRetention(24 * time.Hour))
	want := []model.Point{{TS: 1000, Value: 1}, {TS: 1500, Value: 5}, {TS: 2000, Value: 9}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAppendOrderingUnderInterleavedBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := newBufferForTest()
	seen := map[int64]float64{}
	for batch := 0; batch < 50; batch++ {
		n := rng.Intn(20)
		points := make([]model.Point, 0, n)
		for i := 0; i < n; i++ {
			p := model.Point{TS: int64(rng.Intn(500)) * 10, Value: float64(rng.Intn(100))}
			points = append(points, p)
			seen[p.TS] = p.Value
		}
		b.Merge(points, MergeAppend)
		assertOrdered(t, b.points)
	}
	if b.Len() != len(seen) {
		t.Fatalf("expected %d unique points, got %d", len(seen), b.Len())
	}
	for _, p := range b.points {
		if seen[p.TS] != p.Value {
			t.Fatalf("ts %d holds %v, last write was %v", p.TS, p.Value, seen[p.TS])
		}
	}
}

func TestReplaceOverwrites(t *testing.T) {
	b := newBufferForTest()
	b.Merge([]model.Point{{TS: 100, Value: 1}, {TS: 200, Value: 2}}, MergeAppend)
	b.Merge([]model.Point{{TS: 900, Value: 9}, {TS: 300, Value: 3}, {TS: 900, Value: 10}}, MergeReplace)
	got := b.Clip(DurationRetention(24 * time.Hour))
	want := []model.Point{{TS: 300, Value: 3}, {TS: 900, Value: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestDurationRetentionTrims(t *testing.T) {
	now := int64(100_000)
	b := NewPointBuffer(DurationRetention(10*time.Second), fixedClock(now))
	b.Merge([]model.Point{{TS: now - 20000, Value: 1}, {TS: now - 5000, Value: 2}}, MergeAppend)
	if b.Len() != 1 {
		t.Fatalf("expected trim on merge, buffer has %d points", b.Len())
	}
	got := b.Clip(DurationRetention(10 * time.Second))
	if len(got) != 1 || got[0].TS != now-5000 {
		t.Fatalf("unexpected clip %v", got)
	}
}

func TestClipUsesCurrentTime(t *testing.T) {
	now := int64(100_000)
	b := NewPointBuffer(DurationRetention(10*time.Second), func() time.Time { return time.UnixMilli(now) })
	b.Merge([]model.Point{{TS: now - 9000, Value: 1}, {TS: now - 1000, Value: 2}}, MergeAppend)
	now += 5000
	got := b.Clip(DurationRetention(10 * time.Second))
	if len(got) != 1 || got[0].TS != 99_000 {
		t.Fatalf("clip must re-apply retention at read time, got %v", got)
	}
	if b.Len() != 2 {
		t.Fatalf("clip must not mutate the buffer")
	}
}

func TestNonFiniteRejected(t *testing.T) {
	b := newBufferForTest()
	if dropped := b.Merge([]model.Point{{TS: 1000, Value: math.NaN()}}, MergeAppend); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if b.Len() != 0 || b.Dropped() != 1 {
		t.Fatalf("buffer changed or counter wrong: len=%d dropped=%d", b.Len(), b.Dropped())
	}
	b.Merge([]model.Point{{TS: 1000, Value: math.Inf(1)}, {TS: -5, Value: 1}, {TS: 2000, Value: 4}}, MergeAppend)
	if b.Len() != 1 || b.Dropped() != 3 {
		t.Fatalf("len=%d dropped=%d", b.Len(), b.Dropped())
	}
}

func TestResetEmpties(t *testing.T) {
	b := newBufferForTest()
	b.Merge([]model.Point{{TS: 1000, Value: 1}}, MergeAppend)
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("reset left %d points", b.Len())
	}
}

func TestMergeJoinDoesNotAliasInput(t *testing.T) {
	b := newBufferForTest()
	in := []model.Point{{TS: 1000, Value: 1}}
	b.Merge(in, MergeReplace)
	in[0].Value = 42
	if got := b.Clip(DurationRetention(24 * time.Hour)); got[0].Value != 1 {
		t.Fatalf("buffer aliases caller slice")
	}
}
