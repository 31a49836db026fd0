package capture

import (
	"math"
	"sync"
	"time"

	"proctorguard/internal/model"
)

const violationExitedFullscreen = "exited_fullscreen"

// Buffer accumulates the raw events of one capture phase. Every mutation
// and Drain share a single mutex, so producers on different goroutines can
// append while at most one consumer drains.
type Buffer struct {
	mu sync.Mutex

	keystrokes  []model.KeystrokeEvent
	digraphs    map[model.Digraph][]model.DigraphOccurrence
	positions   []model.MousePosition
	clicks      []model.MouseClick
	copyPaste   []model.CopyPasteEvent
	tabSwitches []model.TabSwitchEvent
	violations  []model.FullscreenViolation

	pressed     map[string]float64
	lastRelease float64
	lastKey     string
	hasLast     bool

	lastMouse    model.MousePosition
	hasLastMouse bool

	// key, mouse and click input only
	lastActivity time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{
		digraphs: make(map[model.Digraph][]model.DigraphOccurrence),
		pressed:  make(map[string]float64),
	}
}

func (b *Buffer) RecordKeyPress(key string, t time.Time) {
	if key == "" {
		return
	}
	ts := model.Seconds(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked(t)
	if _, held := b.pressed[key]; held {
		// auto-repeat keeps the original press time
		return
	}
	b.pressed[key] = ts
}

// RecordKeyRelease completes a keystroke. A release without a matching
// press is ignored.
func (b *Buffer) RecordKeyRelease(key string, t time.Time) (model.KeystrokeEvent, bool) {
	ts := model.Seconds(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked(t)
	pressAt, ok := b.pressed[key]
	if !ok {
		return model.KeystrokeEvent{}, false
	}
	delete(b.pressed, key)

	ev := model.KeystrokeEvent{
		Key:       key,
		HoldTime:  math.Max(ts-pressAt, 0),
		Timestamp: ts,
	}
	if b.hasLast {
		flight := pressAt - b.lastRelease
		ev.FlightTime = &flight
		ev.PreviousKey = b.lastKey
		dg := model.Digraph{From: b.lastKey, To: key}
		b.digraphs[dg] = append(b.digraphs[dg], model.DigraphOccurrence{FlightTime: flight, Timestamp: ts})
	}
	b.keystrokes = append(b.keystrokes, ev)
	b.lastRelease = ts
	b.lastKey = key
	b.hasLast = true
	return ev, true
}

func (b *Buffer) RecordMouseMove(x, y float64, t time.Time) model.MousePosition {
	ts := model.Seconds(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked(t)
	pos := model.MousePosition{X: x, Y: y, Timestamp: ts}
	if b.hasLastMouse {
		pos.TimeSinceLast = ts - b.lastMouse.Timestamp
		if pos.TimeSinceLast > 0 {
			pos.VelocityX = (x - b.lastMouse.X) / pos.TimeSinceLast
			pos.VelocityY = (y - b.lastMouse.Y) / pos.TimeSinceLast
			pos.VelocityMagnitude = math.Hypot(pos.VelocityX, pos.VelocityY)
		}
	}
	b.positions = append(b.positions, pos)
	b.lastMouse = pos
	b.hasLastMouse = true
	return pos
}

func (b *Buffer) RecordMouseClick(x, y float64, button string, pressed bool, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked(t)
	b.clicks = append(b.clicks, model.MouseClick{
		X:         x,
		Y:         y,
		Button:    button,
		Pressed:   pressed,
		Timestamp: model.Seconds(t),
	})
}

func (b *Buffer) RecordCopyPaste(action model.ClipboardAction, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copyPaste = append(b.copyPaste, model.CopyPasteEvent{Type: action, Timestamp: model.Seconds(t)})
}

func (b *Buffer) RecordTabSwitch(from, to string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabSwitches = append(b.tabSwitches, model.TabSwitchEvent{
		FromWindow: from,
		ToWindow:   to,
		Timestamp:  model.Seconds(t),
	})
}

func (b *Buffer) RecordFullscreenViolation(window string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations = append(b.violations, model.FullscreenViolation{
		ViolationType: violationExitedFullscreen,
		Window:        window,
		Timestamp:     model.Seconds(t),
	})
}

func (b *Buffer) touchLocked(t time.Time) {
	if t.After(b.lastActivity) {
		b.lastActivity = t
	}
}

// LastActivity is the time of the latest key, mouse move or click input, or
// the zero time when none was recorded since the last Drain or Reset.
func (b *Buffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *Buffer) Counts() model.BufferCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BufferCounts{
		Keystrokes:           len(b.keystrokes),
		Digraphs:             len(b.digraphs),
		MousePositions:       len(b.positions),
		MouseClicks:          len(b.clicks),
		CopyPaste:            len(b.copyPaste),
		TabSwitches:          len(b.tabSwitches),
		FullscreenViolations: len(b.violations),
	}
}

// Drain hands everything recorded since the previous Drain or Reset to the
// caller and leaves the buffer empty.
func (b *Buffer) Drain() model.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := model.Snapshot{
		Keystrokes:           b.keystrokes,
		Digraphs:             b.digraphs,
		MousePositions:       b.positions,
		MouseClicks:          b.clicks,
		CopyPaste:            b.copyPaste,
		TabSwitches:          b.tabSwitches,
		FullscreenViolations: b.violations,
	}
	b.resetLocked()
	return snap
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.keystrokes = nil
	b.digraphs = make(map[model.Digraph][]model.DigraphOccurrence)
	b.positions = nil
	b.clicks = nil
	b.copyPaste = nil
	b.tabSwitches = nil
	b.violations = nil
	b.pressed = make(map[string]float64)
	b.lastRelease = 0
	b.lastKey = ""
	b.hasLast = false
	b.lastMouse = model.MousePosition{}
	b.hasLastMouse = false
	b.lastActivity = time.Time{}
}
