package lifecycle

import (
	"sync"
	"time"

	"telewindow/internal/model"
)

// Store is a bounded log of widget state transitions, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Transition
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(tr model.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, tr)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = tr
}

func (s *Store) List(limit int) []model.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Transition, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Transition, 0)
	for _, tr := range s.buf {
		if !tr.Timestamp.Before(ts) {
			out = append(out, tr)
		}
	}
	return out
}

func (s *Store) ForWidget(widgetID string) []model.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Transition, 0)
	for _, tr := range s.buf {
		if tr.WidgetID == widgetID {
			out = append(out, tr)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
