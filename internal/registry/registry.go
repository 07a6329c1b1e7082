package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"telewindow/internal/config"
	"telewindow/internal/engine"
	"telewindow/internal/lifecycle"
	"telewindow/internal/metrics"
	"telewindow/internal/model"
	"telewindow/internal/normalize"
	"telewindow/internal/serieskey"
	"telewindow/internal/storage"
)

var (
	ErrUnknownWidget = errors.New("unknown widget")
	ErrReconfigured  = errors.New("widget reconfigured while ingesting")
)

const (
	snapshotInterval  = 30 * time.Second
	maxIngestAttempts = 3
)

type Deps struct {
	Logger     *slog.Logger
	Metrics    *metrics.Store
	Collectors *metrics.Collectors
	Lifecycle  *lifecycle.Store
	Store      storage.Store
	Clock      func() time.Time
}

// Registry owns one engine per configured widget and routes envelopes to
// them. A single dispatcher goroutine applies frames in arrival order.
type Registry struct {
	cfg        *config.Manager
	logger     *slog.Logger
	metrics    *metrics.Store
	prom       *metrics.Collectors
	lifecycle  *lifecycle.Store
	store      storage.Store
	now        func() time.Time
	dedupe     *DedupeCache
	cooldown   *engine.Cooldown
	active     atomic.Bool
	duplicates sync.Map

	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

func New(cfg *config.Manager, deps Deps) *Registry {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		prom:      deps.Collectors,
		lifecycle: deps.Lifecycle,
		store:     deps.Store,
		now:       now,
		dedupe:    NewDedupeCache(),
		cooldown:  engine.NewCooldown(),
		engines:   make(map[string]*engine.Engine),
	}
}

func (r *Registry) engineOptions() engine.Options {
	opts := engine.Options{
		Logger:      r.logger,
		Clock:       r.now,
		LogCooldown: r.cfg.Get().Engine.LogCooldown,
	}
	if r.lifecycle != nil {
		opts.OnTransition = r.lifecycle.Add
	}
	return opts
}

// Configure creates the engine for ds or reconfigures the existing one.
// An unchanged data source is a no-op and keeps the buffered series.
func (r *Registry) Configure(ctx context.Context, ds engine.WidgetDataSource) (*engine.Engine, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	eng, ok := r.engines[ds.ID]
	changed := true
	switch {
	case !ok:
		eng = engine.NewEngine(ds, r.engineOptions())
		r.engines[ds.ID] = eng
	case eng.DataSource().Equal(ds):
		changed = false
	default:
		eng.Reconfigure(ds)
	}
	r.mu.Unlock()

	if changed {
		r.duplicates.Delete(ds.ID)
		r.dedupe.Forget(ds.ID)
		r.record(eng, "", model.IngestStats{})
		if r.active.Load() {
			r.activate(ctx, eng)
		}
	}
	return eng, nil
}

func (r *Registry) Remove(widgetID string) bool {
	r.mu.Lock()
	eng, ok := r.engines[widgetID]
	delete(r.engines, widgetID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	eng.Reset()
	r.duplicates.Delete(widgetID)
	r.dedupe.Forget(widgetID)
	if r.metrics != nil {
		r.metrics.Delete(widgetID)
	}
	r.prom.Forget(widgetID)
	return true
}

func (r *Registry) Get(widgetID string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.engines[widgetID]
	return eng, ok
}

// List returns the engines ordered by widget id.
func (r *Registry) List() []*engine.Engine {
	r.mu.RLock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*engine.Engine, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.engines[id])
	}
	r.mu.RUnlock()
	return out
}

// Sync makes the set of engines match cfg.Widgets.
func (r *Registry) Sync(ctx context.Context, cfg *config.Config) error {
	want := make(map[string]struct{}, len(cfg.Widgets))
	var errs []error
	for _, w := range cfg.Widgets {
		ds, err := w.DataSource()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want[ds.ID] = struct{}{}
		if _, err := r.Configure(ctx, ds); err != nil {
			errs = append(errs, err)
		}
	}
	for _, eng := range r.List() {
		id := eng.ID()
		if _, ok := want[id]; !ok {
			r.Remove(id)
			if r.logger != nil {
				r.logger.Info("widget removed", "widget_id", id)
			}
		}
	}
	return errors.Join(errs...)
}

// Activate issues the initial subscribe or fetch for every widget:
// realtime engines move to LOADING, history engines are filled from
// storage. Widgets configured afterwards are activated as they appear.
func (r *Registry) Activate(ctx context.Context) {
	r.active.Store(true)
	for _, eng := range r.List() {
		r.activate(ctx, eng)
	}
}

func (r *Registry) activate(ctx context.Context, eng *engine.Engine) {
	ds := eng.DataSource()
	if ds.Mode == model.ModeHistory && r.store != nil {
		if err := r.loadHistory(ctx, eng, ds); err != nil && r.logger != nil {
			r.logger.Error("history load failed", "widget_id", ds.ID, "err", err)
		}
		return
	}
	eng.Begin()
}

func (r *Registry) loadHistory(ctx context.Context, eng *engine.Engine, ds engine.WidgetDataSource) error {
	eng.Begin()
	frame := make(model.InboundFrame, 0, len(ds.Series))
	for _, key := range ds.Series {
		points, err := r.store.LoadRange(ctx, key, ds.Retention.StartTS, ds.Retention.EndTS)
		if err != nil {
			return fmt.Errorf("load %s: %w", serieskey.EncodeKey(key), err)
		}
		frame = append(frame, model.SeriesEntry{Key: serieskey.EncodeKey(key), Points: points})
	}
	if len(frame) == 0 {
		return nil
	}
	stats := eng.Ingest(frame)
	r.record(eng, "storage", stats)
	return nil
}

// LoadHistory refills every history widget from storage.
func (r *Registry) LoadHistory(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var errs []error
	for _, eng := range r.List() {
		ds := eng.DataSource()
		if ds.Mode != model.ModeHistory {
			continue
		}
		if err := r.loadHistory(ctx, eng, ds); err != nil {
			errs = append(errs, fmt.Errorf("widget %s: %w", ds.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Reset discards the buffered series of one widget. An active registry
// issues the subscribe or fetch again so the widget walks back through
// LOADING.
func (r *Registry) Reset(ctx context.Context, widgetID string) bool {
	eng, ok := r.Get(widgetID)
	if !ok {
		return false
	}
	r.reset(ctx, eng)
	return true
}

// ResetAll discards the buffered series of every widget.
func (r *Registry) ResetAll(ctx context.Context) {
	for _, eng := range r.List() {
		r.reset(ctx, eng)
	}
}

func (r *Registry) reset(ctx context.Context, eng *engine.Engine) {
	id := eng.ID()
	eng.Reset()
	r.duplicates.Delete(id)
	r.dedupe.Forget(id)
	r.record(eng, "", model.IngestStats{})
	if r.active.Load() {
		r.activate(ctx, eng)
	}
}

func (r *Registry) Start(ctx context.Context, in <-chan model.Envelope) {
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case env := <-in:
				if _, err := r.Handle(ctx, env); err != nil {
					r.warn("frame rejected", env, err)
				}
			case <-ticker.C:
				r.snapshot(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handle applies one push message to its widget.
func (r *Registry) Handle(ctx context.Context, env model.Envelope) (model.IngestStats, error) {
	widgetID := env.WidgetID
	if widgetID == "" {
		widgetID = env.Message.WidgetID
	}
	eng, ok := r.Get(widgetID)
	if !ok {
		return model.IngestStats{}, fmt.Errorf("%w %q", ErrUnknownWidget, widgetID)
	}
	cfg := r.cfg.Get().Engine
	now := r.now().UTC()

	if cfg.DedupeWindow > 0 {
		if hash := hashMessage(env.Message); hash != "" && r.dedupe.Seen(widgetID, hash, now, cfg.DedupeWindow) {
			r.countDuplicate(widgetID)
			r.record(eng, "", model.IngestStats{})
			return model.IngestStats{}, nil
		}
	}

	for attempt := 0; attempt < maxIngestAttempts; attempt++ {
		ds := eng.DataSource()
		frame, built := normalize.BuildFrame(env.Message, ds, now, cfg.MaxFutureSkew)
		stats, ok := eng.IngestFor(ds, frame)
		if !ok {
			continue
		}
		if built.Skewed > 0 && r.logger != nil && r.cooldown.AllowKey("skew|"+widgetID, cfg.LogCooldown) {
			r.logger.Warn("points ahead of local clock",
				"widget_id", widgetID,
				"count", built.Skewed,
				"max_future_skew", cfg.MaxFutureSkew,
			)
		}
		r.record(eng, sourceLabel(env.Source), stats)
		r.persist(ctx, ds, frame)
		return stats, nil
	}
	return model.IngestStats{}, fmt.Errorf("%w %q", ErrReconfigured, widgetID)
}

// persist writes raw samples through to storage. Server-side aggregates
// replace each other and are not stored.
func (r *Registry) persist(ctx context.Context, ds engine.WidgetDataSource, frame model.InboundFrame) {
	if r.store == nil || ds.Mode != model.ModeRealtime || ds.Policy.MergeMode() != engine.MergeAppend {
		return
	}
	for _, entry := range frame {
		key, err := serieskey.Decode(entry.Key)
		if err != nil || !ds.Accepts(key) {
			continue
		}
		if err := r.store.SavePoints(ctx, key, entry.Points); err != nil && r.logger != nil {
			r.logger.Error("persist points failed", "widget_id", ds.ID, "series_key", entry.Key, "err", err)
		}
	}
}

// Diagnostics returns the engine counters merged with the dispatcher's
// duplicate count.
func (r *Registry) Diagnostics(widgetID string) (model.WidgetDiagnostics, bool) {
	eng, ok := r.Get(widgetID)
	if !ok {
		return model.WidgetDiagnostics{}, false
	}
	return r.diagnostics(eng), true
}

func (r *Registry) diagnostics(eng *engine.Engine) model.WidgetDiagnostics {
	diag := eng.Diagnostics()
	if v, ok := r.duplicates.Load(diag.WidgetID); ok {
		diag.DuplicateMsgs = v.(*atomic.Int64).Load()
	}
	return diag
}

func (r *Registry) countDuplicate(widgetID string) {
	v, _ := r.duplicates.LoadOrStore(widgetID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	if r.prom != nil {
		r.prom.Duplicates.WithLabelValues(widgetID).Inc()
	}
}

func (r *Registry) record(eng *engine.Engine, source string, stats model.IngestStats) {
	diag := r.diagnostics(eng)
	if r.metrics != nil {
		r.metrics.Update(diag)
	}
	if r.prom == nil {
		return
	}
	id := diag.WidgetID
	r.prom.BufferedPts.WithLabelValues(id).Set(float64(diag.Points))
	if source == "" {
		return
	}
	r.prom.Frames.WithLabelValues(id, source).Inc()
	r.prom.Entries.WithLabelValues(id).Add(float64(stats.Applied))
	r.prom.DroppedPoints.WithLabelValues(id).Add(float64(stats.DroppedPoints))
	r.prom.MalformedKeys.WithLabelValues(id).Add(float64(stats.MalformedKeys))
	r.prom.UnknownKeys.WithLabelValues(id).Add(float64(stats.UnknownKeys))
}

func (r *Registry) snapshot(ctx context.Context) {
	if r.store == nil {
		return
	}
	for _, eng := range r.List() {
		if err := r.store.SaveDiagnostics(ctx, r.diagnostics(eng)); err != nil && r.logger != nil {
			r.logger.Error("save diagnostics failed", "widget_id", eng.ID(), "err", err)
			return
		}
	}
}

func (r *Registry) warn(msg string, env model.Envelope, err error) {
	if r.logger == nil {
		return
	}
	widgetID := env.WidgetID
	if widgetID == "" {
		widgetID = env.Message.WidgetID
	}
	if !r.cooldown.AllowKey("reject|"+widgetID, r.cfg.Get().Engine.LogCooldown) {
		return
	}
	r.logger.Warn(msg, "widget_id", widgetID, "source", env.Source, "err", err)
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
