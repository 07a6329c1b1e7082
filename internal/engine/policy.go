package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"telewindow/internal/model"
)

type AggMode string

const (
	AggNone  AggMode = "NONE"
	AggAvg   AggMode = "AVG"
	AggMin   AggMode = "MIN"
	AggMax   AggMode = "MAX"
	AggSum   AggMode = "SUM"
	AggCount AggMode = "COUNT"
	AggSMA   AggMode = "SMA"
	AggFFT   AggMode = "FFT"
)

var aggModes = []AggMode{AggNone, AggAvg, AggMin, AggMax, AggSum, AggCount, AggSMA, AggFFT}

func ParseAggMode(s string) (AggMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return AggNone, nil
	}
	for _, m := range aggModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown aggregation mode %q", s)
}

type MergeMode int

const (
	MergeAppend MergeMode = iota
	MergeReplace
)

func (m MergeMode) String() string {
	if m == MergeReplace {
		return "replace"
	}
	return "append"
}

// AggregationPolicy records how the server was asked to aggregate. Raw
// streams are accumulated; anything aggregated server side is a full
// replacement of the previous result.
type AggregationPolicy struct {
	Mode     AggMode
	WindowMs int64
}

func (p AggregationPolicy) MergeMode() MergeMode {
	if p.Mode == AggNone || p.Mode == "" {
		return MergeAppend
	}
	return MergeReplace
}

type RetentionKind string

const (
	RetentionDuration RetentionKind = "duration"
	RetentionRange    RetentionKind = "range"
)

type RetentionSpec struct {
	Kind    RetentionKind
	Ms      int64
	StartTS int64
	EndTS   int64
}

func DurationRetention(d time.Duration) RetentionSpec {
	return RetentionSpec{Kind: RetentionDuration, Ms: d.Milliseconds()}
}

func RangeRetention(startTS, endTS int64) RetentionSpec {
	return RetentionSpec{Kind: RetentionRange, StartTS: startTS, EndTS: endTS}
}

func (r RetentionSpec) Validate() error {
	switch r.Kind {
	case RetentionDuration:
		if r.Ms <= 0 {
			return errors.New("duration retention must be > 0")
		}
	case RetentionRange:
		if r.StartTS < 0 || r.EndTS < r.StartTS {
			return fmt.Errorf("invalid range retention [%d, %d]", r.StartTS, r.EndTS)
		}
	default:
		return fmt.Errorf("unknown retention kind %q", r.Kind)
	}
	return nil
}

// bounds returns the inclusive [lo, hi] ts interval kept at time now.
func (r RetentionSpec) bounds(now time.Time) (int64, int64) {
	switch r.Kind {
	case RetentionDuration:
		return now.UnixMilli() - r.Ms, maxTS
	case RetentionRange:
		return r.StartTS, r.EndTS
	}
	return 0, maxTS
}

// WidgetDataSource is the per-widget configuration an engine is built from.
type WidgetDataSource struct {
	ID        string
	Mode      model.WidgetMode
	Series    []model.SeriesKey
	Policy    AggregationPolicy
	Retention RetentionSpec
}

func (ds WidgetDataSource) Validate() error {
	if strings.TrimSpace(ds.ID) == "" {
		return errors.New("widget id required")
	}
	switch ds.Mode {
	case model.ModeRealtime:
		if ds.Retention.Kind != RetentionDuration {
			return fmt.Errorf("widget %s: realtime widgets need duration retention", ds.ID)
		}
	case model.ModeHistory:
		if ds.Retention.Kind != RetentionRange {
			return fmt.Errorf("widget %s: history widgets need range retention", ds.ID)
		}
	default:
		return fmt.Errorf("widget %s: unknown mode %q", ds.ID, ds.Mode)
	}
	if err := ds.Retention.Validate(); err != nil {
		return fmt.Errorf("widget %s: %w", ds.ID, err)
	}
	return nil
}

// Equal reports whether two data sources would produce the same engine.
func (ds WidgetDataSource) Equal(other WidgetDataSource) bool {
	if ds.ID != other.ID || ds.Mode != other.Mode || ds.Policy != other.Policy || ds.Retention != other.Retention {
		return false
	}
	if len(ds.Series) != len(other.Series) {
		return false
	}
	for i := range ds.Series {
		if ds.Series[i] != other.Series[i] {
			return false
		}
	}
	return true
}

// Accepts reports whether key belongs to the widget. A data source that
// lists no series accepts every well-formed key.
func (ds WidgetDataSource) Accepts(key model.SeriesKey) bool {
	if len(ds.Series) == 0 {
		return true
	}
	for _, k := range ds.Series {
		if k == key {
			return true
		}
	}
	return false
}
