package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"telewindow/internal/engine"
	"telewindow/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Widgets   []WidgetConfig  `json:"widgets" yaml:"widgets"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultWidgetID string `json:"default_widget_id" yaml:"default_widget_id"`
}

type EngineConfig struct {
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	LogCooldown   time.Duration `json:"log_cooldown" yaml:"log_cooldown"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type WidgetConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Mode        string            `json:"mode" yaml:"mode"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Retention   RetentionConfig   `json:"retention" yaml:"retention"`
	Series      []model.SeriesKey `json:"series" yaml:"series"`
}

type AggregationConfig struct {
	Mode   string        `json:"mode" yaml:"mode"`
	Window time.Duration `json:"window" yaml:"window"`
}

// RetentionConfig holds either Duration (realtime) or StartTS/EndTS in
// epoch milliseconds (history).
type RetentionConfig struct {
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	StartTS  int64         `json:"start_ts,omitempty" yaml:"start_ts,omitempty"`
	EndTS    int64         `json:"end_ts,omitempty" yaml:"end_ts,omitempty"`
}

type APIConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	PushInterval time.Duration `json:"push_interval" yaml:"push_interval"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type LifecycleConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Engine: EngineConfig{
			DedupeWindow:  2 * time.Second,
			LogCooldown:   30 * time.Second,
			MaxFutureSkew: 5 * time.Second,
		},
		API:       APIConfig{Enabled: true, Addr: ":8081", PushInterval: time.Second},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:telewindow.db?_pragma=busy_timeout(5000)"},
		Metrics:   MetricsConfig{StoreLimit: 5000},
		Lifecycle: LifecycleConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Lifecycle.StoreLimit <= 0 {
		cfg.Lifecycle.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.API.PushInterval <= 0 {
		cfg.API.PushInterval = time.Second
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	for i := range cfg.Widgets {
		cfg.Widgets[i].ID = strings.TrimSpace(cfg.Widgets[i].ID)
		cfg.Widgets[i].Mode = strings.ToUpper(strings.TrimSpace(cfg.Widgets[i].Mode))
		if cfg.Widgets[i].Mode == "" {
			cfg.Widgets[i].Mode = string(model.ModeRealtime)
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Engine.DedupeWindow < 0 || cfg.Engine.LogCooldown < 0 || cfg.Engine.MaxFutureSkew < 0 {
		return errors.New("engine durations must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Widgets))
	for _, w := range cfg.Widgets {
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("duplicate widget id %q", w.ID)
		}
		seen[w.ID] = struct{}{}
		if _, err := w.DataSource(); err != nil {
			return err
		}
	}
	return nil
}

// DataSource converts the widget entry into the engine's data source.
func (w WidgetConfig) DataSource() (engine.WidgetDataSource, error) {
	agg, err := engine.ParseAggMode(w.Aggregation.Mode)
	if err != nil {
		return engine.WidgetDataSource{}, fmt.Errorf("widget %s: %w", w.ID, err)
	}
	mode := model.WidgetMode(strings.ToUpper(strings.TrimSpace(w.Mode)))
	var retention engine.RetentionSpec
	if mode == model.ModeHistory {
		retention = engine.RangeRetention(w.Retention.StartTS, w.Retention.EndTS)
	} else {
		retention = engine.DurationRetention(w.Retention.Duration)
	}
	ds := engine.WidgetDataSource{
		ID:        w.ID,
		Mode:      mode,
		Series:    append([]model.SeriesKey(nil), w.Series...),
		Policy:    engine.AggregationPolicy{Mode: agg, WindowMs: w.Aggregation.Window.Milliseconds()},
		Retention: retention,
	}
	if err := ds.Validate(); err != nil {
		return engine.WidgetDataSource{}, err
	}
	return ds, nil
}

func (c *Config) Widget(id string) (WidgetConfig, bool) {
	for _, w := range c.Widgets {
		if w.ID == id {
			return w, true
		}
	}
	return WidgetConfig{}, false
}

// WithWidget returns a copy of c in which the widget with w.ID is replaced,
// or appended when absent.
func (c *Config) WithWidget(w WidgetConfig) *Config {
	next := *c
	next.Widgets = make([]WidgetConfig, 0, len(c.Widgets)+1)
	replaced := false
	for _, existing := range c.Widgets {
		if existing.ID == w.ID {
			next.Widgets = append(next.Widgets, w)
			replaced = true
			continue
		}
		next.Widgets = append(next.Widgets, existing)
	}
	if !replaced {
		next.Widgets = append(next.Widgets, w)
	}
	return &next
}

func (c *Config) WithoutWidget(id string) *Config {
	next := *c
	next.Widgets = make([]WidgetConfig, 0, len(c.Widgets))
	for _, existing := range c.Widgets {
		if existing.ID != id {
			next.Widgets = append(next.Widgets, existing)
		}
	}
	return &next
}

// Manager holds the live config. Writers go through Update or Apply,
// which serialize on mu so concurrent API edits cannot lose each other.
type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an in-memory config. Update keeps the new config
// in memory only.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(cfg)
}

// Apply derives the next config from the current one and stores it.
func (m *Manager) Apply(fn func(current *Config) (*Config, error)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.Get())
	if err != nil {
		return nil, err
	}
	if err := m.store(next); err != nil {
		return nil, err
	}
	return next, nil
}

// store must be called with mu held.
func (m *Manager) store(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		m.touch()
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and calls onReload with each new version.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err == nil && !needs {
				continue
			}
			var cfg *Config
			if err == nil {
				cfg, err = m.Reload()
			}
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
