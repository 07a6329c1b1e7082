package ingest

import (
	"bytes"
	"encoding/json"
	"errors"

	"telewindow/internal/model"
)

// DecodeMessages accepts a single push message or a JSON array of them.
func DecodeMessages(data []byte) ([]model.TelemetryMessage, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, errors.New("empty body")
	}
	if trim[0] == '[' {
		var list []model.TelemetryMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var msg model.TelemetryMessage
	if err := json.Unmarshal(trim, &msg); err != nil {
		return nil, err
	}
	return []model.TelemetryMessage{msg}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
