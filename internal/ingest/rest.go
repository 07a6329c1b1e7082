package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"telewindow/internal/config"
	"telewindow/internal/model"
)

type RESTServer struct {
	cfg    *config.Manager
	sink   *Sink
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, sink *Sink, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, sink: sink, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", s.handleFrames)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, sink, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	msgs, err := DecodeMessages(body)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest decode error", "err", err)
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	widget := strings.TrimSpace(r.URL.Query().Get("widget"))
	fallback := s.cfg.Get().Ingest.Parser.DefaultWidgetID
	accepted := 0
	failed := 0
	for _, msg := range msgs {
		env := model.Envelope{
			WidgetID: firstNonEmpty(widget, msg.WidgetID, fallback),
			Source:   "rest",
			Message:  msg,
		}
		if env.WidgetID == "" || !s.sink.Send(r.Context(), env) {
			failed++
			continue
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}
