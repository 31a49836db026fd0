package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"proctorguard/internal/normalize"
)

func DecodeJSONObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	obj, err := DecodeJSONObject(data)
	if err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]any) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range obj {
		fields.Extras[strings.ToLower(key)] = stringify(val)
	}
	assignFromMap(fields, fields.Extras)
	return fields
}

func assignFromMap(fields *normalize.EventFields, m map[string]string) {
	fields.Timestamp = firstNonEmpty(m, "timestamp", "time", "ts")
	fields.SessionID = firstNonEmpty(m, "session_id", "session", "sid")
	fields.Kind = firstNonEmpty(m, "kind", "event", "event_type")
	fields.Type = firstNonEmpty(m, "type", "action")
	fields.Key = firstRaw(m, "key", "char")
	fields.X = firstNonEmpty(m, "x")
	fields.Y = firstNonEmpty(m, "y")
	fields.Button = firstNonEmpty(m, "button")
	fields.Pressed = firstNonEmpty(m, "pressed")
	fields.FromWindow = firstNonEmpty(m, "from_window", "from")
	fields.ToWindow = firstNonEmpty(m, "to_window", "to")
	fields.Window = firstNonEmpty(m, "window")
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(val)
}

// firstRaw keeps whitespace so a space key survives.
func firstRaw(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
