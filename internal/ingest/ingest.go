package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"telewindow/internal/model"
)

// Sink is the shared hand-off from every source to the dispatcher.
type Sink struct {
	Out    chan<- model.Envelope
	Logger *slog.Logger
	Drops  prometheus.Counter
}

func (s *Sink) Send(ctx context.Context, env model.Envelope) bool {
	if env.Received.IsZero() {
		env.Received = time.Now().UTC()
	}
	if SendNonBlocking(ctx, s.Out, env, s.Logger) {
		return true
	}
	if s.Drops != nil && ctx.Err() == nil {
		s.Drops.Inc()
	}
	return false
}

func SendNonBlocking(ctx context.Context, out chan<- model.Envelope, env model.Envelope, logger *slog.Logger) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("envelope channel full, dropping message", "widget_id", env.WidgetID, "source", env.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
