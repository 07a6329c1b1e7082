package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"telewindow/internal/engine"
	"telewindow/internal/model"
	"telewindow/internal/serieskey"
)

type NonFiniteValueError struct {
	TS  int64
	Raw string
}

func (e *NonFiniteValueError) Error() string {
	return fmt.Sprintf("value %q at ts %d is not a finite number", e.Raw, e.TS)
}

// ParseValue coerces a wire value to a float. A value that is not finite is
// returned as NaN together with a *NonFiniteValueError so callers can pass
// it on and let the buffer count the drop.
func ParseValue(ts int64, raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), &NonFiniteValueError{TS: ts, Raw: raw}
	}
	return v, nil
}

type BuildStats struct {
	Entries int
	Points  int
	Invalid int
	Skewed  int
}

// BuildFrame flattens a push message into one entry per entity attribute,
// keyed the way the widget's series configuration names them. An attribute
// configured under several labels yields one entry per label. Attributes
// without a configured label fall back to the attribute key.
func BuildFrame(msg model.TelemetryMessage, ds engine.WidgetDataSource, now time.Time, maxFutureSkew time.Duration) (model.InboundFrame, BuildStats) {
	labels := make(map[[2]string][]string, len(ds.Series))
	for _, k := range ds.Series {
		id := [2]string{k.AttributeKey, k.DeviceID}
		labels[id] = append(labels[id], k.Label)
	}
	var stats BuildStats
	limit := int64(math.MaxInt64)
	if maxFutureSkew > 0 {
		limit = now.Add(maxFutureSkew).UnixMilli()
	}
	frame := make(model.InboundFrame, 0)
	for _, entity := range msg.Data {
		if entity.Timeseries == nil {
			continue
		}
		attrs := make([]string, 0, len(entity.Timeseries))
		for attr := range entity.Timeseries {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		for _, attr := range attrs {
			raw := entity.Timeseries[attr]
			names, ok := labels[[2]string{attr, entity.EntityID.ID}]
			if !ok {
				names = []string{attr}
			}
			points := make([]model.Point, 0, len(raw))
			for _, rp := range raw {
				v, err := ParseValue(rp.TS, string(rp.Value))
				if err != nil {
					stats.Invalid++
				}
				if rp.TS > limit {
					stats.Skewed++
				}
				points = append(points, model.Point{TS: rp.TS, Value: v})
			}
			for _, label := range names {
				stats.Entries++
				stats.Points += len(points)
				frame = append(frame, model.SeriesEntry{
					Key:    serieskey.Encode(attr, entity.EntityID.ID, label),
					Points: points,
				})
			}
		}
	}
	return frame, stats
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds or one of the
// layouts above and returns epoch milliseconds.
func ParseTimestamp(value string, loc *time.Location) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, err
		}
		if len(value) >= 13 {
			return n, nil
		}
		return n * 1000, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli(), nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}
