package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"telewindow/internal/config"
	"telewindow/internal/model"
	"telewindow/internal/normalize"
)

// Parser turns one line of a stream or file into an envelope. Lines are
// either a JSON push message or a CSV row carrying a single sample.
// A Parser remembers a CSV header, so use one per stream.
type Parser struct {
	defaultWidget string
	loc           *time.Location
	csv           *CSVParser
}

func NewParser(cfg config.ParserConfig) *Parser {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Parser{
		defaultWidget: strings.TrimSpace(cfg.DefaultWidgetID),
		loc:           loc,
		csv:           NewCSVParser(),
	}
}

// ParseLine returns nil, nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*model.Envelope, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		msgs, err := DecodeMessages([]byte(trim))
		if err != nil {
			return nil, err
		}
		if len(msgs) != 1 {
			return nil, fmt.Errorf("expected one message per line, got %d", len(msgs))
		}
		env := &model.Envelope{
			WidgetID: firstNonEmpty(msgs[0].WidgetID, p.defaultWidget),
			Message:  msgs[0],
		}
		return env, nil
	}
	row, err := p.csv.Parse(trim)
	if err != nil || row == nil {
		return nil, err
	}
	return p.rowEnvelope(row)
}

func (p *Parser) rowEnvelope(row *CSVRow) (*model.Envelope, error) {
	if row.DeviceID == "" || row.AttributeKey == "" {
		return nil, errors.New("csv row needs device_id and attribute_key")
	}
	ts, err := normalize.ParseTimestamp(row.TS, p.loc)
	if err != nil {
		return nil, err
	}
	msg := model.TelemetryMessage{
		WidgetID: firstNonEmpty(row.WidgetID, p.defaultWidget),
		Data: []model.EntityData{{
			EntityID: model.EntityID{ID: row.DeviceID, EntityType: "DEVICE"},
			Timeseries: map[string][]model.RawPoint{
				row.AttributeKey: {{TS: ts, Value: model.RawValue(row.Value)}},
			},
		}},
	}
	return &model.Envelope{WidgetID: msg.WidgetID, Message: msg}, nil
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

type CSVRow struct {
	WidgetID     string
	DeviceID     string
	AttributeKey string
	TS           string
	Value        string
}

// CSVParser reads widget_id,device_id,attribute_key,ts,value rows. A header
// row may reorder the columns.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var defaultColumns = []string{"widget_id", "device_id", "attribute_key", "ts", "value"}

func (p *CSVParser) Parse(line string) (*CSVRow, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		if len(record) < len(defaultColumns) {
			return nil, fmt.Errorf("csv row has %d columns, want %d", len(record), len(defaultColumns))
		}
		columns = defaultColumns
	}
	row := &CSVRow{}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		assignField(row, name, record[i])
	}
	return row, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch canonicalColumn(v) {
		case "widget_id", "device_id", "attribute_key", "ts":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = canonicalColumn(v)
	}
	return out
}

func canonicalColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "widget", "widget_id", "widgetid":
		return "widget_id"
	case "device", "device_id", "deviceid", "entity_id", "entity":
		return "device_id"
	case "attribute", "attribute_key", "key", "attr":
		return "attribute_key"
	case "ts", "timestamp", "time":
		return "ts"
	}
	return name
}

func assignField(row *CSVRow, name string, value string) {
	value = strings.TrimSpace(value)
	switch name {
	case "widget_id":
		row.WidgetID = value
	case "device_id":
		row.DeviceID = value
	case "attribute_key":
		row.AttributeKey = value
	case "ts":
		row.TS = value
	case "value":
		row.Value = value
	}
}
