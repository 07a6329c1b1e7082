package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telewindow"

// Collectors groups the Prometheus series exported by the dispatcher.
type Collectors struct {
	Frames        *prometheus.CounterVec
	Entries       *prometheus.CounterVec
	DroppedPoints *prometheus.CounterVec
	MalformedKeys *prometheus.CounterVec
	UnknownKeys   *prometheus.CounterVec
	Duplicates    *prometheus.CounterVec
	ChannelDrops  prometheus.Counter
	BufferedPts   *prometheus.GaugeVec
	StreamClients prometheus.Gauge
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Telemetry frames ingested, by widget and source.",
		}, []string{"widget", "source"}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_entries_total",
			Help:      "Series entries applied to a widget buffer.",
		}, []string{"widget"}),
		DroppedPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_points_total",
			Help:      "Points dropped for a non-finite value or negative timestamp.",
		}, []string{"widget"}),
		MalformedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_keys_total",
			Help:      "Series entries dropped because the key could not be decoded.",
		}, []string{"widget"}),
		UnknownKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_keys_total",
			Help:      "Series entries dropped because the widget does not configure the series.",
		}, []string{"widget"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Push messages skipped as redeliveries.",
		}, []string{"widget"}),
		ChannelDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_channel_drops_total",
			Help:      "Envelopes dropped because the ingest channel was full.",
		}),
		BufferedPts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_points",
			Help:      "Points currently held in a widget's buffers.",
		}, []string{"widget"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients_active",
			Help:      "Open websocket series streams.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.Frames,
			c.Entries,
			c.DroppedPoints,
			c.MalformedKeys,
			c.UnknownKeys,
			c.Duplicates,
			c.ChannelDrops,
			c.BufferedPts,
			c.StreamClients,
		)
	}
	return c
}

func (c *Collectors) Forget(widgetID string) {
	if c == nil {
		return
	}
	c.Entries.DeleteLabelValues(widgetID)
	c.DroppedPoints.DeleteLabelValues(widgetID)
	c.MalformedKeys.DeleteLabelValues(widgetID)
	c.UnknownKeys.DeleteLabelValues(widgetID)
	c.Duplicates.DeleteLabelValues(widgetID)
	c.BufferedPts.DeleteLabelValues(widgetID)
	c.Frames.DeletePartialMatch(prometheus.Labels{"widget": widgetID})
}
