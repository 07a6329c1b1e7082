package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telewindow/internal/config"
	"telewindow/internal/lifecycle"
	"telewindow/internal/metrics"
	"telewindow/internal/model"
	"telewindow/internal/storage"
)

var tempKey = model.SeriesKey{AttributeKey: "temp", DeviceID: "dev1", Label: "Temp"}

func testConfig(widgets ...config.WidgetConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Widgets = widgets
	return cfg
}

func realtimeWidget(id, agg string) config.WidgetConfig {
	return config.WidgetConfig{
		ID:          id,
		Mode:        "REALTIME",
		Aggregation: config.AggregationConfig{Mode: agg},
		Retention:   config.RetentionConfig{Duration: time.Hour},
		Series:      []model.SeriesKey{tempKey},
	}
}

func historyWidget(id string, start, end int64) config.WidgetConfig {
	return config.WidgetConfig{
		ID:        id,
		Mode:      "HISTORY",
		Retention: config.RetentionConfig{StartTS: start, EndTS: end},
		Series:    []model.SeriesKey{tempKey},
	}
}

func message(points ...model.RawPoint) model.TelemetryMessage {
	return model.TelemetryMessage{Data: []model.EntityData{{
		EntityID:   model.EntityID{ID: "dev1", EntityType: "DEVICE"},
		Timeseries: map[string][]model.RawPoint{"temp": points},
	}}}
}

type fixture struct {
	reg        *Registry
	cfg        *config.Manager
	lifecycle  *lifecycle.Store
	collectors *metrics.Collectors
}

func newFixture(t *testing.T, cfg *config.Config, store storage.Store) fixture {
	t.Helper()
	mgr := config.NewStaticManager(cfg)
	lc := lifecycle.NewStore(100)
	col := metrics.NewCollectors(prometheus.NewRegistry())
	reg := New(mgr, Deps{
		Metrics:    metrics.NewStore(10),
		Collectors: col,
		Lifecycle:  lc,
		Store:      store,
		Clock:      func() time.Time { return time.UnixMilli(10_000) },
	})
	require.NoError(t, reg.Sync(context.Background(), cfg))
	return fixture{reg: reg, cfg: mgr, lifecycle: lc, collectors: col}
}

func TestHandleAppliesFrame(t *testing.T) {
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	ctx := context.Background()
	f.reg.Activate(ctx)

	stats, err := f.reg.Handle(ctx, model.Envelope{
		WidgetID: "w1",
		Source:   "rest",
		Message:  message(model.RawPoint{TS: 1000, Value: "20"}, model.RawPoint{TS: 2000, Value: "NaN"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.DroppedPoints)

	eng, ok := f.reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, []model.Point{{TS: 1000, Value: 20}}, eng.Series(tempKey))
	assert.Equal(t, model.StateStreaming, eng.State())

	diag, ok := f.reg.Diagnostics("w1")
	require.True(t, ok)
	assert.Equal(t, int64(1), diag.Frames)
	assert.Equal(t, int64(1), diag.DroppedPoints)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.collectors.Frames.WithLabelValues("w1", "rest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.collectors.DroppedPoints.WithLabelValues("w1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.collectors.BufferedPts.WithLabelValues("w1")))

	trs := f.lifecycle.ForWidget("w1")
	require.Len(t, trs, 2)
	assert.Equal(t, model.StateLoading, trs[0].To)
	assert.Equal(t, model.StateStreaming, trs[1].To)
}

func TestHandleUsesMessageWidgetID(t *testing.T) {
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	msg := message(model.RawPoint{TS: 1000, Value: "1"})
	msg.WidgetID = "w1"
	_, err := f.reg.Handle(context.Background(), model.Envelope{Source: "kafka", Message: msg})
	require.NoError(t, err)
	eng, _ := f.reg.Get("w1")
	assert.Len(t, eng.Series(tempKey), 1)
}

func TestHandleUnknownWidget(t *testing.T) {
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	_, err := f.reg.Handle(context.Background(), model.Envelope{WidgetID: "nope", Message: message()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownWidget))
}

func TestHandleSkipsRedeliveredMessage(t *testing.T) {
	f := newFixture(t, testConfig(realtimeWidget("w1", "AVG")), nil)
	ctx := context.Background()
	env := model.Envelope{WidgetID: "w1", Source: "kafka", Message: message(model.RawPoint{TS: 1000, Value: "5"})}

	_, err := f.reg.Handle(ctx, env)
	require.NoError(t, err)
	stats, err := f.reg.Handle(ctx, env)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	diag, _ := f.reg.Diagnostics("w1")
	assert.Equal(t, int64(1), diag.Frames)
	assert.Equal(t, int64(1), diag.DuplicateMsgs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.collectors.Duplicates.WithLabelValues("w1")))
}

func TestHandleWithoutDedupeWindow(t *testing.T) {
	cfg := testConfig(realtimeWidget("w1", "NONE"))
	cfg.Engine.DedupeWindow = 0
	f := newFixture(t, cfg, nil)
	env := model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "5"})}
	for i := 0; i < 3; i++ {
		_, err := f.reg.Handle(context.Background(), env)
		require.NoError(t, err)
	}
	diag, _ := f.reg.Diagnostics("w1")
	assert.Equal(t, int64(3), diag.Frames)
	assert.Zero(t, diag.DuplicateMsgs)
}

func TestSyncAddsReconfiguresAndRemoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE"), realtimeWidget("w2", "NONE")), nil)
	require.Len(t, f.reg.List(), 2)

	_, err := f.reg.Handle(ctx, model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "1"})})
	require.NoError(t, err)

	// unchanged config keeps buffers
	require.NoError(t, f.reg.Sync(ctx, testConfig(realtimeWidget("w1", "NONE"), realtimeWidget("w2", "NONE"))))
	eng, _ := f.reg.Get("w1")
	assert.Len(t, eng.Series(tempKey), 1)

	// changed policy discards buffers, w2 disappears
	require.NoError(t, f.reg.Sync(ctx, testConfig(realtimeWidget("w1", "AVG"))))
	eng, _ = f.reg.Get("w1")
	assert.Empty(t, eng.Series(tempKey))
	assert.Equal(t, model.StateEmpty, eng.State())
	_, ok := f.reg.Get("w2")
	assert.False(t, ok)
	ids := make([]string, 0)
	for _, e := range f.reg.List() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"w1"}, ids)
}

func TestSyncReportsInvalidWidget(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	bad := realtimeWidget("w1", "MEDIAN")
	err := f.reg.Sync(context.Background(), testConfig(bad))
	assert.Error(t, err)
	assert.Empty(t, f.reg.List())
}

func TestConfigureAfterActivateBegins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), nil)
	f.reg.Activate(ctx)
	ds, err := realtimeWidget("w9", "NONE").DataSource()
	require.NoError(t, err)
	eng, err := f.reg.Configure(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, model.StateLoading, eng.State())
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	_, err := f.reg.Handle(ctx, model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "1"})})
	require.NoError(t, err)
	f.reg.ResetAll(ctx)
	eng, _ := f.reg.Get("w1")
	assert.Empty(t, eng.Series(tempKey))
	assert.Equal(t, model.StateEmpty, eng.State())
}

func TestHistoryWidgetLoadsPersistedPoints(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig(realtimeWidget("live", "NONE"), historyWidget("past", 1000, 2500))
	f := newFixture(t, cfg, store)

	_, err = f.reg.Handle(ctx, model.Envelope{WidgetID: "live", Message: message(
		model.RawPoint{TS: 1000, Value: "1"},
		model.RawPoint{TS: 2000, Value: "2"},
		model.RawPoint{TS: 3000, Value: "3"},
	)})
	require.NoError(t, err)

	f.reg.Activate(ctx)
	eng, ok := f.reg.Get("past")
	require.True(t, ok)
	assert.Equal(t, model.StateLoaded, eng.State())
	assert.Equal(t, []model.Point{{TS: 1000, Value: 1}, {TS: 2000, Value: 2}}, eng.Series(tempKey))
}

func TestStartDispatchesEnvelopes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	in := make(chan model.Envelope, 4)
	f.reg.Start(ctx, in)
	in <- model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "1"})}
	in <- model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 2000, Value: "2"})}

	eng, _ := f.reg.Get("w1")
	require.Eventually(t, func() bool { return len(eng.Series(tempKey)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestHashMessageIgnoresEmbeddedWidgetID(t *testing.T) {
	a := message(model.RawPoint{TS: 1, Value: "1"})
	b := a
	b.WidgetID = "w1"
	assert.Equal(t, hashMessage(a), hashMessage(b))
	assert.NotEqual(t, hashMessage(a), hashMessage(message(model.RawPoint{TS: 1, Value: "2"})))
}

func TestDedupeCacheExpires(t *testing.T) {
	d := NewDedupeCache()
	now := time.Unix(100, 0)
	assert.False(t, d.Seen("w1", "k", now, time.Second))
	assert.True(t, d.Seen("w1", "k", now.Add(500*time.Millisecond), time.Second))
	assert.False(t, d.Seen("w2", "k", now.Add(500*time.Millisecond), time.Second))
	assert.False(t, d.Seen("w1", "k", now.Add(2*time.Second), time.Second))
}

func TestDedupeCacheForget(t *testing.T) {
	d := NewDedupeCache()
	now := time.Unix(100, 0)
	d.Seen("w1", "k", now, time.Minute)
	d.Forget("w1")
	assert.False(t, d.Seen("w1", "k", now, time.Minute))
}

func TestResetReloadsActiveHistoryWidget(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SavePoints(ctx, tempKey, []model.Point{{TS: 1000, Value: 1}}))

	f := newFixture(t, testConfig(historyWidget("past", 0, 5000)), store)
	f.reg.Activate(ctx)
	eng, _ := f.reg.Get("past")
	require.Equal(t, model.StateLoaded, eng.State())

	require.True(t, f.reg.Reset(ctx, "past"))
	assert.Equal(t, model.StateLoaded, eng.State())
	assert.Equal(t, []model.Point{{TS: 1000, Value: 1}}, eng.Series(tempKey))
	assert.False(t, f.reg.Reset(ctx, "nope"))
}

func TestResetRealtimeWidgetPassesThroughLoading(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(realtimeWidget("w1", "NONE")), nil)
	f.reg.Activate(ctx)
	_, err := f.reg.Handle(ctx, model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "1"})})
	require.NoError(t, err)

	f.reg.ResetAll(ctx)
	eng, _ := f.reg.Get("w1")
	assert.Equal(t, model.StateLoading, eng.State())

	_, err = f.reg.Handle(ctx, model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 2000, Value: "2"})})
	require.NoError(t, err)

	var path []model.WidgetState
	for _, tr := range f.lifecycle.ForWidget("w1") {
		path = append(path, tr.To)
	}
	assert.Equal(t, []model.WidgetState{
		model.StateLoading, model.StateStreaming,
		model.StateEmpty, model.StateLoading, model.StateStreaming,
	}, path)
}

func TestResetForgetsDeliveredMessages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(realtimeWidget("w1", "NONE"))
	cfg.Engine.DedupeWindow = time.Minute
	f := newFixture(t, cfg, nil)
	env := model.Envelope{WidgetID: "w1", Message: message(model.RawPoint{TS: 1000, Value: "1"})}

	_, err := f.reg.Handle(ctx, env)
	require.NoError(t, err)
	_, err = f.reg.Handle(ctx, env)
	require.NoError(t, err)
	diag, _ := f.reg.Diagnostics("w1")
	require.Equal(t, int64(1), diag.DuplicateMsgs)

	require.True(t, f.reg.Reset(ctx, "w1"))
	diag, _ = f.reg.Diagnostics("w1")
	assert.Zero(t, diag.DuplicateMsgs)

	stats, err := f.reg.Handle(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	eng, _ := f.reg.Get("w1")
	assert.Equal(t, []model.Point{{TS: 1000, Value: 1}}, eng.Series(tempKey))
}
