package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"telewindow/internal/model"
	"telewindow/internal/serieskey"
)

type Options struct {
	Logger       *slog.Logger
	Clock        func() time.Time
	LogCooldown  time.Duration
	OnTransition func(model.Transition)
}

// Engine buffers the series of exactly one widget. Ingest and reads are
// serialized by mu so a read never sees half of a frame.
type Engine struct {
	logger       *slog.Logger
	now          func() time.Time
	onTransition func(model.Transition)
	cooldown     *Cooldown
	logCooldown  time.Duration

	mu         sync.RWMutex
	source     WidgetDataSource
	known      map[model.SeriesKey]struct{}
	buffers    map[model.SeriesKey]*PointBuffer
	state      model.WidgetState
	frames     int64
	entries    int64
	dropped    int64
	malformed  int64
	unknown    int64
	lastIngest time.Time
}

func NewEngine(ds WidgetDataSource, opts Options) *Engine {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:       opts.Logger,
		now:          now,
		onTransition: opts.OnTransition,
		cooldown:     NewCooldown(),
		logCooldown:  opts.LogCooldown,
		state:        model.StateEmpty,
	}
	e.configure(ds)
	return e
}

func (e *Engine) configure(ds WidgetDataSource) {
	e.source = ds
	e.buffers = make(map[model.SeriesKey]*PointBuffer)
	e.known = nil
	if len(ds.Series) > 0 {
		e.known = make(map[model.SeriesKey]struct{}, len(ds.Series))
		for _, k := range ds.Series {
			e.known[k] = struct{}{}
		}
	}
}

func (e *Engine) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source.ID
}

func (e *Engine) DataSource() WidgetDataSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

func (e *Engine) State() model.WidgetState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Begin marks the subscribe/fetch call as issued. It reports whether the
// engine moved from EMPTY to LOADING.
func (e *Engine) Begin() bool {
	e.mu.Lock()
	tr := e.transition(model.StateEmpty, model.StateLoading, "subscribe")
	e.mu.Unlock()
	e.emit(tr)
	return tr != nil
}

func (e *Engine) Ingest(frame model.InboundFrame) model.IngestStats {
	e.mu.Lock()
	stats, tr := e.ingestLocked(frame)
	e.mu.Unlock()
	e.emit(tr)
	return stats
}

// IngestFor applies frame only while ds is still the engine's data source.
// It reports false, applying nothing, when a reconfigure got in between
// building the frame and ingesting it.
func (e *Engine) IngestFor(ds WidgetDataSource, frame model.InboundFrame) (model.IngestStats, bool) {
	e.mu.Lock()
	if !e.source.Equal(ds) {
		e.mu.Unlock()
		return model.IngestStats{}, false
	}
	stats, tr := e.ingestLocked(frame)
	e.mu.Unlock()
	e.emit(tr)
	return stats, true
}

func (e *Engine) ingestLocked(frame model.InboundFrame) (model.IngestStats, *model.Transition) {
	var stats model.IngestStats
	mode := e.source.Policy.MergeMode()
	for _, entry := range frame {
		stats.Entries++
		key, err := serieskey.Decode(entry.Key)
		if err != nil {
			stats.MalformedKeys++
			e.warnKey("dropping entry with malformed series key", entry.Key, err)
			continue
		}
		if e.known != nil {
			if _, ok := e.known[key]; !ok {
				stats.UnknownKeys++
				e.warnKey("dropping entry for unconfigured series", entry.Key, nil)
				continue
			}
		}
		buf, ok := e.buffers[key]
		if !ok {
			buf = NewPointBuffer(e.source.Retention, e.now)
			e.buffers[key] = buf
		}
		stats.DroppedPoints += buf.Merge(entry.Points, mode)
		stats.Applied++
	}
	e.frames++
	e.entries += int64(stats.Entries)
	e.dropped += int64(stats.DroppedPoints)
	e.malformed += int64(stats.MalformedKeys)
	e.unknown += int64(stats.UnknownKeys)
	e.lastIngest = e.now().UTC()

	var tr *model.Transition
	if stats.Applied > 0 && (e.state == model.StateEmpty || e.state == model.StateLoading) {
		target := model.StateStreaming
		if e.source.Mode == model.ModeHistory {
			target = model.StateLoaded
		}
		tr = e.transition(e.state, target, "first frame")
	}
	return stats, tr
}

func (e *Engine) Series(key model.SeriesKey) []model.Point {
	e.mu.RLock()
	defer e.mu.RUnlock()
	buf, ok := e.buffers[key]
	if !ok {
		return []model.Point{}
	}
	return buf.Clip(e.source.Retention)
}

func (e *Engine) AllSeries() map[model.SeriesKey][]model.Point {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[model.SeriesKey][]model.Point, len(e.buffers))
	for key, buf := range e.buffers {
		out[key] = buf.Clip(e.source.Retention)
	}
	return out
}

func (e *Engine) Reset() {
	e.mu.Lock()
	for _, buf := range e.buffers {
		buf.Reset()
	}
	tr := e.transition(e.state, model.StateEmpty, "reset")
	e.mu.Unlock()
	e.emit(tr)
}

// Reconfigure swaps the data source. Buffered points from the previous
// configuration are discarded and the widget returns to EMPTY.
func (e *Engine) Reconfigure(ds WidgetDataSource) {
	e.mu.Lock()
	e.configure(ds)
	tr := e.transition(e.state, model.StateEmpty, "reconfigured")
	e.mu.Unlock()
	e.emit(tr)
}

func (e *Engine) Diagnostics() model.WidgetDiagnostics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	points := 0
	for _, buf := range e.buffers {
		points += buf.Len()
	}
	return model.WidgetDiagnostics{
		WidgetID:      e.source.ID,
		State:         e.state,
		Series:        len(e.buffers),
		Points:        points,
		Frames:        e.frames,
		Entries:       e.entries,
		DroppedPoints: e.dropped,
		MalformedKeys: e.malformed,
		UnknownKeys:   e.unknown,
		LastIngest:    e.lastIngest,
	}
}

// transition must be called with mu held.
func (e *Engine) transition(from, to model.WidgetState, reason string) *model.Transition {
	if e.state != from || from == to {
		return nil
	}
	e.state = to
	return &model.Transition{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		WidgetID:  e.source.ID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

func (e *Engine) emit(tr *model.Transition) {
	if tr == nil {
		return
	}
	if e.logger != nil {
		e.logger.Info("widget state changed",
			"widget_id", tr.WidgetID,
			"from", tr.From,
			"to", tr.To,
			"reason", tr.Reason,
		)
	}
	if e.onTransition != nil {
		e.onTransition(*tr)
	}
}

func (e *Engine) warnKey(msg, key string, err error) {
	if e.logger == nil {
		return
	}
	if !e.cooldown.AllowKey(e.source.ID+"|"+key, e.logCooldown) {
		return
	}
	if err != nil {
		e.logger.Warn(msg, "widget_id", e.source.ID, "series_key", key, "err", err)
		return
	}
	e.logger.Warn(msg, "widget_id", e.source.ID, "series_key", key)
}
