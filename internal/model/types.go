package model

import (
	"errors"
	"math"
	"strings"
	"time"
)

type KeystrokeEvent struct {
	Key         string   `json:"key"`
	HoldTime    float64  `json:"hold_time"`
	FlightTime  *float64 `json:"flight_time"`
	PreviousKey string   `json:"previous_key,omitempty"`
	Timestamp   float64  `json:"timestamp"`
}

// Flight returns the flight time, treating the first keystroke of a phase as 0.
func (k KeystrokeEvent) Flight() float64 {
	if k.FlightTime == nil {
		return 0
	}
	return *k.FlightTime
}

const digraphSeparator = "→"

// Digraph is an ordered pair of consecutive keys.
type Digraph struct {
	From string
	To   string
}

func (d Digraph) String() string {
	return d.From + d.To
}

func (d Digraph) MarshalText() ([]byte, error) {
	return []byte(d.From + digraphSeparator + d.To), nil
}

func (d *Digraph) UnmarshalText(text []byte) error {
	from, to, ok := strings.Cut(string(text), digraphSeparator)
	if !ok {
		return errors.New("digraph text missing separator")
	}
	d.From = from
	d.To = to
	return nil
}

type DigraphOccurrence struct {
	FlightTime float64 `json:"flight_time"`
	Timestamp  float64 `json:"timestamp"`
}

type MousePosition struct {
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Timestamp         float64 `json:"timestamp"`
	TimeSinceLast     float64 `json:"time_since_last"`
	VelocityX         float64 `json:"velocity_x"`
	VelocityY         float64 `json:"velocity_y"`
	VelocityMagnitude float64 `json:"velocity_magnitude"`
}

type MouseClick struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Button    string  `json:"button"`
	Pressed   bool    `json:"pressed"`
	Timestamp float64 `json:"timestamp"`
}

type ClipboardAction string

const (
	ClipboardCopy  ClipboardAction = "copy"
	ClipboardPaste ClipboardAction = "paste"
)

func ParseClipboardAction(v string) (ClipboardAction, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "copy":
		return ClipboardCopy, true
	case "paste":
		return ClipboardPaste, true
	}
	return "", false
}

type CopyPasteEvent struct {
	Type      ClipboardAction `json:"type"`
	Timestamp float64         `json:"timestamp"`
}

type TabSwitchEvent struct {
	FromWindow string  `json:"from_window"`
	ToWindow   string  `json:"to_window"`
	Timestamp  float64 `json:"timestamp"`
}

type FullscreenViolation struct {
	ViolationType string  `json:"violation_type"`
	Window        string  `json:"window,omitempty"`
	Timestamp     float64 `json:"timestamp"`
}

// Snapshot is the drained content of one capture phase.
type Snapshot struct {
	Keystrokes           []KeystrokeEvent                `json:"keystrokes"`
	Digraphs             map[Digraph][]DigraphOccurrence `json:"digraphs"`
	MousePositions       []MousePosition                 `json:"mouse_positions"`
	MouseClicks          []MouseClick                    `json:"mouse_clicks"`
	CopyPaste            []CopyPasteEvent                `json:"copy_paste"`
	TabSwitches          []TabSwitchEvent                `json:"tab_switches"`
	FullscreenViolations []FullscreenViolation           `json:"fullscreen_violations"`
}

type BufferCounts struct {
	Keystrokes           int `json:"keystrokes"`
	Digraphs             int `json:"digraphs"`
	MousePositions       int `json:"mouse_positions"`
	MouseClicks          int `json:"mouse_clicks"`
	CopyPaste            int `json:"copy_paste_events"`
	TabSwitches          int `json:"tab_switches"`
	FullscreenViolations int `json:"fullscreen_violations"`
}

type DigraphStats struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

type UserProfile struct {
	AvgHoldTime          float64                  `json:"avg_hold_time"`
	StdHoldTime          float64                  `json:"std_hold_time"`
	AvgFlightTime        float64                  `json:"avg_flight_time"`
	StdFlightTime        float64                  `json:"std_flight_time"`
	TypingSpeed          float64                  `json:"typing_speed"`
	CommonDigraphs       map[Digraph]DigraphStats `json:"common_digraphs"`
	MouseMovementSpeed   float64                  `json:"mouse_movement_speed"`
	TypicalPauseDuration float64                  `json:"typical_pause_duration"`
	KeystrokeCount       int                      `json:"keystroke_count"`
	MousePositionCount   int                      `json:"mouse_position_count"`
	BuiltAt              time.Time                `json:"built_at"`
}

type Category string

const (
	CategoryNormal           Category = "normal"
	CategoryLowSuspicion     Category = "low_suspicion"
	CategoryModerate         Category = "moderate_suspicion"
	CategoryHighSuspicion    Category = "high_suspicion"
	CategoryInsufficientData Category = "insufficient_data"
)

// CategoryFor maps a clamped suspicion level to its category.
func CategoryFor(level float64) Category {
	switch {
	case level >= 7:
		return CategoryHighSuspicion
	case level >= 4:
		return CategoryModerate
	case level >= 2:
		return CategoryLowSuspicion
	default:
		return CategoryNormal
	}
}

type Comparison struct {
	Metric   string  `json:"metric"`
	Baseline float64 `json:"baseline"`
	Test     float64 `json:"test"`
	Ratio    float64 `json:"ratio"`
}

type DigraphDeviation struct {
	Digraph      string  `json:"digraph"`
	ZScore       float64 `json:"z_score"`
	BaselineMean float64 `json:"baseline_mean"`
	TestMean     float64 `json:"test_mean"`
}

type AnomalyDetail struct {
	Type           string             `json:"type"`
	Subtype        string             `json:"subtype"`
	Description    string             `json:"description"`
	Severity       int                `json:"severity"`
	Count          int                `json:"count,omitempty"`
	Timestamps     []float64          `json:"timestamps,omitempty"`
	TimestampStart *float64           `json:"timestamp_start,omitempty"`
	TimestampEnd   *float64           `json:"timestamp_end,omitempty"`
	AffectedKeys   []string           `json:"affected_keys,omitempty"`
	Comparison     *Comparison        `json:"comparison,omitempty"`
	Digraphs       []DigraphDeviation `json:"digraphs,omitempty"`
}

type AnalysisReport struct {
	SessionID      string             `json:"session_id,omitempty"`
	UserID         string             `json:"user_id,omitempty"`
	Result         Category           `json:"result"`
	SuspicionLevel float64            `json:"suspicion_level"`
	Conclusion     string             `json:"conclusion,omitempty"`
	Message        string             `json:"message,omitempty"`
	Sensitivity    int                `json:"sensitivity"`
	Anomalies      []AnomalyDetail    `json:"anomaly_details"`
	Metrics        map[string]float64 `json:"metrics"`
	Timestamp      time.Time          `json:"timestamp"`
}

// AnomalyTypes returns the distinct anomaly types in first-seen order.
func (r *AnalysisReport) AnomalyTypes() []string {
	seen := make(map[string]struct{}, len(r.Anomalies))
	out := make([]string, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		if _, ok := seen[a.Type]; ok {
			continue
		}
		seen[a.Type] = struct{}{}
		out = append(out, a.Type)
	}
	return out
}

type EventKind string

const (
	KindKeyPress            EventKind = "key_press"
	KindKeyRelease          EventKind = "key_release"
	KindMouseMove           EventKind = "mouse_move"
	KindMouseClick          EventKind = "mouse_click"
	KindCopy                EventKind = "copy"
	KindPaste               EventKind = "paste"
	KindTabSwitch           EventKind = "tab_switch"
	KindFullscreenViolation EventKind = "fullscreen_violation"
)

// InputEvent is a normalized event as delivered by an ingest source.
type InputEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       EventKind `json:"kind"`
	Key        string    `json:"key,omitempty"`
	X          float64   `json:"x,omitempty"`
	Y          float64   `json:"y,omitempty"`
	Button     string    `json:"button,omitempty"`
	Pressed    bool      `json:"pressed,omitempty"`
	FromWindow string    `json:"from_window,omitempty"`
	ToWindow   string    `json:"to_window,omitempty"`
	Window     string    `json:"window,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

// Seconds converts t to fractional unix seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Time converts fractional unix seconds back to a UTC time.
func Time(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func Float(v float64) *float64 {
	return &v
}
