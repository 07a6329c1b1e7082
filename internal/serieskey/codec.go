// Package serieskey converts between model.SeriesKey and the
// "<attribute> - <device> - <label>" string used to route telemetry rows.
package serieskey

import (
	"fmt"
	"strings"

	"telewindow/internal/model"
)

const Delimiter = " - "

type MalformedKeyError struct {
	Key string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed series key %q: want <attribute>%s<device>%s<label>", e.Key, Delimiter, Delimiter)
}

// Encode does not escape; a field containing the delimiter will not round trip.
func Encode(attributeKey, deviceID, label string) string {
	return attributeKey + Delimiter + deviceID + Delimiter + label
}

func EncodeKey(k model.SeriesKey) string {
	return Encode(k.AttributeKey, k.DeviceID, k.Label)
}

// Decode splits key on the delimiter. With more than three segments the
// first is the attribute, the last is the label and everything between is
// taken as the device id.
func Decode(key string) (model.SeriesKey, error) {
	parts := strings.Split(key, Delimiter)
	if len(parts) < 3 {
		return model.SeriesKey{}, &MalformedKeyError{Key: key}
	}
	return model.SeriesKey{
		AttributeKey: parts[0],
		DeviceID:     strings.Join(parts[1:len(parts)-1], Delimiter),
		Label:        parts[len(parts)-1],
	}, nil
}
