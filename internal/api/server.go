package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telewindow/internal/config"
	"telewindow/internal/engine"
	"telewindow/internal/lifecycle"
	"telewindow/internal/metrics"
	"telewindow/internal/model"
	"telewindow/internal/serieskey"
)

// WidgetRegistry is the part of the registry the API drives.
type WidgetRegistry interface {
	Get(widgetID string) (*engine.Engine, bool)
	List() []*engine.Engine
	Configure(ctx context.Context, ds engine.WidgetDataSource) (*engine.Engine, error)
	Remove(widgetID string) bool
	Reset(ctx context.Context, widgetID string) bool
	ResetAll(ctx context.Context)
	Diagnostics(widgetID string) (model.WidgetDiagnostics, bool)
}

type Deps struct {
	Registry   WidgetRegistry
	Metrics    *metrics.Store
	Lifecycle  *lifecycle.Store
	Collectors *metrics.Collectors
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Manager
	registry   WidgetRegistry
	metrics    *metrics.Store
	lifecycle  *lifecycle.Store
	collectors *metrics.Collectors
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	version    string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Widgets    []string     `json:"widgets"`
	Ingest     ingestStatus `json:"ingest"`
	API        apiStatus    `json:"api"`
	Storage    bool         `json:"storage"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	PushInterval string `json:"push_interval"`
}

type widgetResponse struct {
	ID          string                  `json:"id"`
	Mode        model.WidgetMode        `json:"mode"`
	Aggregation engine.AggMode          `json:"aggregation"`
	MergeMode   string                  `json:"merge_mode"`
	State       model.WidgetState       `json:"state"`
	Diagnostics model.WidgetDiagnostics `json:"diagnostics"`
}

type seriesPayload struct {
	Key          string        `json:"key"`
	AttributeKey string        `json:"attribute_key"`
	DeviceID     string        `json:"device_id"`
	Label        string        `json:"label"`
	Points       []model.Point `json:"points"`
}

func NewServer(cfg *config.Manager, deps Deps) *Server {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:        cfg,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		lifecycle:  deps.Lifecycle,
		collectors: deps.Collectors,
		gatherer:   gatherer,
		logger:     deps.Logger,
		version:    deps.Version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/widgets", s.handleWidgets)
	mux.HandleFunc("/widgets/", s.handleWidget)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/diagnostics/", s.handleDiagnostics)
	mux.HandleFunc("/lifecycle", s.handleLifecycle)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/ws/series", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := deps.Logger
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps)
	httpServer := &http.Server{
		Addr:        current.Addr,
		Handler:     server.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	engines := s.registry.List()
	widgets := make([]string, 0, len(engines))
	for _, eng := range engines {
		widgets = append(widgets, eng.ID())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Widgets:    widgets,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{
			Enabled:      cfg.API.Enabled,
			Addr:         cfg.API.Addr,
			PushInterval: cfg.API.PushInterval.String(),
		},
		Storage: cfg.Storage.Enabled,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWidgets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	engines := s.registry.List()
	out := make([]widgetResponse, 0, len(engines))
	for _, eng := range engines {
		out = append(out, s.widgetView(eng))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"widgets": out,
		"count":   len(out),
	})
}

// handleWidget serves /widgets/{id}, /widgets/{id}/series and
// /widgets/{id}/config.
func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/widgets/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "":
		s.handleWidgetRoot(w, r, id)
	case "series":
		s.handleSeries(w, r, id)
	case "config":
		s.handleWidgetConfig(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleWidgetRoot(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		eng, ok := s.registry.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.widgetView(eng))
	case http.MethodDelete:
		if _, ok := s.registry.Get(id); !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, err := s.cfg.Apply(func(current *config.Config) (*config.Config, error) {
			return current.WithoutWidget(id), nil
		})
		if err != nil {
			s.warn("widget delete failed", id, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.registry.Remove(id)
		if s.logger != nil {
			s.logger.Info("widget removed", "widget_id", id)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	eng, ok := s.registry.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := serieskey.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"widget_id": id,
			"state":     eng.State(),
			"series":    []seriesPayload{newSeriesPayload(key, eng.Series(key))},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"widget_id": id,
		"state":     eng.State(),
		"series":    snapshotSeries(eng),
	})
}

func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		wc, ok := s.cfg.Get().Widget(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, wc)
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var wc config.WidgetConfig
		if err := json.Unmarshal(body, &wc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wc.ID = id
		wc.Mode = strings.ToUpper(strings.TrimSpace(wc.Mode))
		if wc.Mode == "" {
			wc.Mode = string(model.ModeRealtime)
		}
		ds, err := wc.DataSource()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		_, err = s.cfg.Apply(func(current *config.Config) (*config.Config, error) {
			return current.WithWidget(wc), nil
		})
		if err != nil {
			s.warn("widget config update failed", id, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		eng, err := s.registry.Configure(r.Context(), ds)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, s.widgetView(eng))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/diagnostics")
	path = strings.TrimPrefix(path, "/")
	if s.metrics == nil {
		s.liveDiagnostics(w, path)
		return
	}
	if path != "" {
		diag, updated, ok := s.metrics.Get(path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"widget_id":   path,
			"updated_at":  updated.Format(time.RFC3339Nano),
			"diagnostics": diag,
		})
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"diagnostics": all,
		"count":       len(all),
	})
}

// liveDiagnostics answers from the engines when no diagnostics store is
// wired.
func (s *Server) liveDiagnostics(w http.ResponseWriter, widgetID string) {
	if widgetID != "" {
		diag, ok := s.registry.Diagnostics(widgetID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"widget_id":   widgetID,
			"diagnostics": diag,
		})
		return
	}
	all := make([]model.WidgetDiagnostics, 0)
	for _, eng := range s.registry.List() {
		if diag, ok := s.registry.Diagnostics(eng.ID()); ok {
			all = append(all, diag)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"diagnostics": all,
		"count":       len(all),
	})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := []model.Transition{}
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.lifecycle != nil {
			list = s.lifecycle.Since(ts)
		}
	case s.lifecycle == nil:
	case q.Get("widget") != "":
		list = s.lifecycle.ForWidget(q.Get("widget"))
	default:
		list = s.lifecycle.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": list,
		"count":       len(list),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = "all"
	}
	switch strings.ToLower(target) {
	case "all":
		s.registry.ResetAll(r.Context())
	case "diagnostics":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	case "lifecycle":
		if s.lifecycle != nil {
			s.lifecycle.Clear()
		}
	default:
		if !s.registry.Reset(r.Context(), target) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}
	if s.logger != nil {
		s.logger.Info("reset requested", "target", target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) widgetView(eng *engine.Engine) widgetResponse {
	ds := eng.DataSource()
	diag, _ := s.registry.Diagnostics(ds.ID)
	return widgetResponse{
		ID:          ds.ID,
		Mode:        ds.Mode,
		Aggregation: ds.Policy.Mode,
		MergeMode:   ds.Policy.MergeMode().String(),
		State:       eng.State(),
		Diagnostics: diag,
	}
}

func (s *Server) warn(msg, widgetID string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, "widget_id", widgetID, "err", err)
	}
}

func newSeriesPayload(key model.SeriesKey, points []model.Point) seriesPayload {
	return seriesPayload{
		Key:          serieskey.EncodeKey(key),
		AttributeKey: key.AttributeKey,
		DeviceID:     key.DeviceID,
		Label:        key.Label,
		Points:       points,
	}
}

// snapshotSeries returns every buffered series ordered by encoded key.
func snapshotSeries(eng *engine.Engine) []seriesPayload {
	all := eng.AllSeries()
	out := make([]seriesPayload, 0, len(all))
	for key, points := range all {
		out = append(out, newSeriesPayload(key, points))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
