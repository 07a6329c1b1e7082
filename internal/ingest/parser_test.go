package ingest

import (
	"testing"

	"telewindow/internal/config"
)

func TestParseJSONMessage(t *testing.T) {
	p := NewParser(config.ParserConfig{Timezone: "UTC"})
	line := `{"widget_id":"w1","data":[{"entityId":{"id":"dev1","entityType":"DEVICE"},"timeseries":{"temp":[{"ts":1000,"value":"20.5"},{"ts":2000,"value":21}]}}]}`
	env, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env.WidgetID != "w1" {
		t.Fatalf("widget id: %s", env.WidgetID)
	}
	points := env.Message.Data[0].Timeseries["temp"]
	if len(points) != 2 || points[0].Value != "20.5" || points[1].Value != "21" {
		t.Fatalf("unexpected points %+v", points)
	}
}

func TestParseJSONUsesDefaultWidget(t *testing.T) {
	p := NewParser(config.ParserConfig{DefaultWidgetID: "fallback"})
	env, err := p.ParseLine(`{"data":[]}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env.WidgetID != "fallback" {
		t.Fatalf("widget id: %s", env.WidgetID)
	}
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser(config.ParserConfig{Timezone: "UTC"})
	if env, _ := p.ParseLine("device_id,attribute_key,ts,value,widget_id"); env != nil {
		t.Fatalf("expected header to return nil")
	}
	env, err := p.ParseLine("dev1,temp,2026-02-23T12:34:56Z,19.5,w1")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env.WidgetID != "w1" {
		t.Fatalf("widget id: %s", env.WidgetID)
	}
	entity := env.Message.Data[0]
	if entity.EntityID.ID != "dev1" {
		t.Fatalf("device id: %s", entity.EntityID.ID)
	}
	points := entity.Timeseries["temp"]
	if len(points) != 1 || points[0].TS != 1771850096000 || points[0].Value != "19.5" {
		t.Fatalf("unexpected points %+v", points)
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	env, err := p.ParseLine("w2,dev9,humidity,1700000000,55")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	points := env.Message.Data[0].Timeseries["humidity"]
	if env.WidgetID != "w2" || len(points) != 1 || points[0].TS != 1700000000000 {
		t.Fatalf("csv parse mismatch: %+v", env)
	}
}

func TestParseCSVRejectsShortRow(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	if _, err := p.ParseLine("w2,dev9"); err == nil {
		t.Fatalf("expected error for short row")
	}
}

func TestParseBlankLine(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	env, err := p.ParseLine("   \n")
	if env != nil || err != nil {
		t.Fatalf("expected nil, nil")
	}
}
