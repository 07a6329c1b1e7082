package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

type WidgetMode string

const (
	ModeRealtime WidgetMode = "REALTIME"
	ModeHistory  WidgetMode = "HISTORY"
)

type WidgetState string

const (
	StateEmpty     WidgetState = "EMPTY"
	StateLoading   WidgetState = "LOADING"
	StateStreaming WidgetState = "STREAMING"
	StateLoaded    WidgetState = "LOADED"
)

type SeriesKey struct {
	AttributeKey string `json:"attribute_key" yaml:"attribute_key"`
	DeviceID     string `json:"device_id" yaml:"device_id"`
	Label        string `json:"label" yaml:"label"`
}

// Point is one sample; TS is epoch milliseconds.
type Point struct {
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
}

type SeriesEntry struct {
	Key    string  `json:"key"`
	Points []Point `json:"points"`
}

// InboundFrame is every series delivered by a single push message.
type InboundFrame []SeriesEntry

type EntityID struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType,omitempty"`
}

// RawValue holds a telemetry value as sent on the wire: usually a string,
// sometimes a bare number or null.
type RawValue string

func (v *RawValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RawValue(s)
		return nil
	}
	*v = RawValue(data)
	return nil
}

func (v RawValue) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(v))), nil
}

type RawPoint struct {
	TS    int64    `json:"ts"`
	Value RawValue `json:"value"`
}

type EntityData struct {
	EntityID   EntityID                   `json:"entityId"`
	Timeseries map[string][]RawPoint      `json:"timeseries"`
	Latest     map[string]json.RawMessage `json:"latest,omitempty"`
	AggLatest  map[string]json.RawMessage `json:"aggLatest,omitempty"`
}

// TelemetryMessage is the push message a telemetry server sends per
// subscription update.
type TelemetryMessage struct {
	WidgetID string       `json:"widget_id,omitempty"`
	Data     []EntityData `json:"data"`
}

type Envelope struct {
	WidgetID string           `json:"widget_id"`
	Source   string           `json:"source"`
	Received time.Time        `json:"received"`
	Message  TelemetryMessage `json:"message"`
}

type IngestStats struct {
	Entries       int `json:"entries"`
	Applied       int `json:"applied"`
	MalformedKeys int `json:"malformed_keys"`
	UnknownKeys   int `json:"unknown_keys"`
	DroppedPoints int `json:"dropped_points"`
}

type WidgetDiagnostics struct {
	WidgetID      string      `json:"widget_id"`
	State         WidgetState `json:"state"`
	Series        int         `json:"series"`
	Points        int         `json:"points"`
	Frames        int64       `json:"frames"`
	Entries       int64       `json:"entries"`
	DroppedPoints int64       `json:"dropped_points"`
	MalformedKeys int64       `json:"malformed_keys"`
	UnknownKeys   int64       `json:"unknown_keys"`
	DuplicateMsgs int64       `json:"duplicate_messages"`
	LastIngest    time.Time   `json:"last_ingest,omitempty"`
}

type Transition struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	WidgetID  string      `json:"widget_id"`
	From      WidgetState `json:"from"`
	To        WidgetState `json:"to"`
	Reason    string      `json:"reason"`
}
