package metrics

import (
	"sort"
	"sync"
	"time"

	"telewindow/internal/model"
)

// Store keeps the latest diagnostics snapshot per widget.
type Store struct {
	mu        sync.RWMutex
	byWidget  map[string]model.WidgetDiagnostics
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byWidget:  make(map[string]model.WidgetDiagnostics),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(diag model.WidgetDiagnostics) {
	if diag.WidgetID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byWidget[diag.WidgetID] = diag
	s.updatedAt[diag.WidgetID] = time.Now().UTC()
	if len(s.byWidget) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(widgetID string) (model.WidgetDiagnostics, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byWidget[widgetID]
	if !ok {
		return model.WidgetDiagnostics{}, time.Time{}, false
	}
	return d, s.updatedAt[widgetID], true
}

func (s *Store) GetAll() []model.WidgetDiagnostics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WidgetDiagnostics, 0, len(s.byWidget))
	for _, d := range s.byWidget {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidgetID < out[j].WidgetID })
	return out
}

func (s *Store) Delete(widgetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byWidget, widgetID)
	delete(s.updatedAt, widgetID)
}

func (s *Store) evictOldest() {
	var oldestWidget string
	var oldest time.Time
	for widget, ts := range s.updatedAt {
		if oldestWidget == "" || ts.Before(oldest) {
			oldestWidget = widget
			oldest = ts
		}
	}
	if oldestWidget != "" {
		delete(s.byWidget, oldestWidget)
		delete(s.updatedAt, oldestWidget)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byWidget = make(map[string]model.WidgetDiagnostics)
	s.updatedAt = make(map[string]time.Time)
}
