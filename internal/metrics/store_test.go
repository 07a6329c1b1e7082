package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"telewindow/internal/model"
)

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	s.Update(model.WidgetDiagnostics{WidgetID: "a"})
	s.Update(model.WidgetDiagnostics{WidgetID: "b"})
	s.Update(model.WidgetDiagnostics{WidgetID: "c", Frames: 3})
	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	s.Clear()
	s.Update(model.WidgetDiagnostics{WidgetID: "c", Frames: 3})
	if d, _, ok := s.Get("c"); !ok || d.Frames != 3 {
		t.Fatalf("widget missing: %+v", d)
	}
	s.Delete("c")
	if _, _, ok := s.Get("c"); ok {
		t.Fatalf("delete did not remove widget")
	}
	s.Clear()
	if len(s.GetAll()) != 0 {
		t.Fatalf("clear left entries")
	}
}

func TestCollectorsForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	c.Frames.WithLabelValues("w1", "rest").Inc()
	c.DroppedPoints.WithLabelValues("w1").Add(2)
	if got := testutil.ToFloat64(c.DroppedPoints.WithLabelValues("w1")); got != 2 {
		t.Fatalf("dropped = %v", got)
	}
	c.Forget("w1")
	if n := testutil.CollectAndCount(c.Frames); n != 0 {
		t.Fatalf("frames series not forgotten: %d", n)
	}
}
