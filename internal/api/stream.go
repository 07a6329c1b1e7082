package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"telewindow/internal/engine"
	"telewindow/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// seriesFrame is one push to a stream client.
type seriesFrame struct {
	WidgetID string            `json:"widget_id"`
	State    model.WidgetState `json:"state"`
	Time     time.Time         `json:"time"`
	Series   []seriesPayload   `json:"series"`
}

type streamClient struct {
	id       string
	widgetID string
	conn     *websocket.Conn
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	widgetID := r.URL.Query().Get("widget")
	if _, ok := s.registry.Get(widgetID); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "widget_id", widgetID, "err", err)
		}
		return
	}
	client := &streamClient{id: uuid.NewString(), widgetID: widgetID, conn: conn}
	if s.collectors != nil {
		s.collectors.StreamClients.Inc()
		defer s.collectors.StreamClients.Dec()
	}
	if s.logger != nil {
		s.logger.Info("stream client connected", "client_id", client.id, "widget_id", widgetID)
	}

	// r.Context() derives from the server's base context, so shutdown
	// also ends open streams.
	ctx, cancel := context.WithCancel(r.Context())
	go client.readPump(cancel)
	client.writePump(ctx, s.cfg.Get().API.PushInterval, s.registry)

	if s.logger != nil {
		s.logger.Info("stream client disconnected", "client_id", client.id, "widget_id", widgetID)
	}
}

// readPump only drains control frames; it cancels the stream once the
// peer goes away or stops answering pings.
func (c *streamClient) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump(ctx context.Context, interval time.Duration, registry WidgetRegistry) {
	if interval <= 0 {
		interval = time.Second
	}
	push := time.NewTicker(interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		push.Stop()
		ping.Stop()
		_ = c.conn.Close()
	}()

	if !c.push(registry) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-push.C:
			if !c.push(registry) {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push writes the current snapshot. It closes the stream when the widget
// has been removed.
func (c *streamClient) push(registry WidgetRegistry) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	eng, ok := registry.Get(c.widgetID)
	if !ok {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "widget removed"))
		return false
	}
	return c.conn.WriteJSON(newSeriesFrame(eng)) == nil
}

func newSeriesFrame(eng *engine.Engine) seriesFrame {
	return seriesFrame{
		WidgetID: eng.ID(),
		State:    eng.State(),
		Time:     time.Now().UTC(),
		Series:   snapshotSeries(eng),
	}
}
