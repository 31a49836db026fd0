package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

// EventFields holds the raw string fields an ingest parser extracted.
type EventFields struct {
	Timestamp  string
	SessionID  string
	Kind       string
	Type       string
	Key        string
	X          string
	Y          string
	Button     string
	Pressed    string
	FromWindow string
	ToWindow   string
	Window     string
	Extras     map[string]string
	Raw        string
}

var (
	ErrMissingSession = errors.New("missing session_id")
	ErrUnknownKind    = errors.New("unknown event kind")
)

func Normalize(fields EventFields, cfg *config.Config) (model.InputEvent, error) {
	session := strings.TrimSpace(fields.SessionID)
	if session == "" {
		return model.InputEvent{}, ErrMissingSession
	}
	kind, err := ParseKind(fields.Kind, fields.Type)
	if err != nil {
		return model.InputEvent{}, err
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Timezone); err == nil {
			loc = l
		}
	}
	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.InputEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	ev := model.InputEvent{
		SessionID: session,
		Kind:      kind,
		Timestamp: ts,
		Source:    "log",
		Raw:       fields.Raw,
	}
	switch kind {
	case model.KindKeyPress, model.KindKeyRelease:
		ev.Key = fields.Key
		if ev.Key == "" {
			return model.InputEvent{}, fmt.Errorf("%s requires key", kind)
		}
	case model.KindMouseMove, model.KindMouseClick:
		if ev.X, err = parseCoord(fields.X); err != nil {
			return model.InputEvent{}, fmt.Errorf("parse x: %w", err)
		}
		if ev.Y, err = parseCoord(fields.Y); err != nil {
			return model.InputEvent{}, fmt.Errorf("parse y: %w", err)
		}
		if kind == model.KindMouseClick {
			ev.Button = strings.ToLower(strings.TrimSpace(fields.Button))
			if ev.Button == "" {
				ev.Button = "left"
			}
			ev.Pressed = ParsePressed(fields.Pressed)
		}
	case model.KindTabSwitch:
		ev.FromWindow = strings.TrimSpace(fields.FromWindow)
		ev.ToWindow = strings.TrimSpace(fields.ToWindow)
	case model.KindFullscreenViolation:
		ev.Window = strings.TrimSpace(fields.Window)
	}
	return ev, nil
}

// ParseKind maps kind aliases onto event kinds. A generic clipboard kind is
// resolved through typ.
func ParseKind(kind, typ string) (model.EventKind, error) {
	n := strings.ToLower(strings.TrimSpace(kind))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	switch n {
	case "key_press", "keypress", "keydown", "key_down", "press":
		return model.KindKeyPress, nil
	case "key_release", "keyrelease", "keyup", "key_up", "release":
		return model.KindKeyRelease, nil
	case "mouse_move", "mousemove", "move":
		return model.KindMouseMove, nil
	case "mouse_click", "mouseclick", "click":
		return model.KindMouseClick, nil
	case "copy":
		return model.KindCopy, nil
	case "paste":
		return model.KindPaste, nil
	case "copy_paste", "clipboard":
		action, ok := model.ParseClipboardAction(typ)
		if !ok {
			return "", fmt.Errorf("%w: clipboard type %q", ErrUnknownKind, typ)
		}
		if action == model.ClipboardCopy {
			return model.KindCopy, nil
		}
		return model.KindPaste, nil
	case "tab_switch", "window_switch", "focus_change":
		return model.KindTabSwitch, nil
	case "fullscreen_violation", "fullscreen_exit", "exited_fullscreen":
		return model.KindFullscreenViolation, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func ParsePressed(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no", "released", "up":
		return false
	}
	return true
}

func parseCoord(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite coordinate %q", v)
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1 && value != "."
}

// parseUnix accepts integer seconds, integer milliseconds (13+ digits) and
// fractional seconds.
func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		return model.Time(f), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
