package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"proctorguard/internal/capture"
	"proctorguard/internal/engine"
	"proctorguard/internal/features"
	"proctorguard/internal/model"
	"proctorguard/internal/outlier"
	"proctorguard/internal/profile"
	"proctorguard/internal/window"
)

type State int

const (
	Uninitialized State = iota
	BaselineCollecting
	BaselineReady
	TestRunning
	TestComplete
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case BaselineCollecting:
		return "baseline_collecting"
	case BaselineReady:
		return "baseline_ready"
	case TestRunning:
		return "test_running"
	case TestComplete:
		return "test_complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const defaultInactivityThreshold = 30 * time.Second

type Config struct {
	Sensitivity int
	Outlier     outlier.Options
	Window      window.Options
	// InactivityThreshold is how long capture may go without key or mouse
	// input before the session reports itself inactive.
	InactivityThreshold time.Duration
	// Observer enables window polling during tests when set.
	Observer window.Observer
}

func DefaultConfig() Config {
	return Config{
		Sensitivity:         5,
		Outlier:             outlier.DefaultOptions(),
		Window:              window.DefaultOptions(),
		InactivityThreshold: defaultInactivityThreshold,
	}
}

// Session is one user's proctoring lifecycle: baseline capture, test
// capture and analysis. Lifecycle calls are serialized; event recording
// only contends on the capture buffer.
type Session struct {
	id        string
	userID    string
	cfg       Config
	logger    *slog.Logger
	buffer    *capture.Buffer
	analyzer  *engine.Analyzer
	poller    *window.Poller
	createdAt time.Time
	now       func() time.Time

	capturing atomic.Bool

	mu          sync.Mutex
	state       State
	sensitivity int
	profile     *model.UserProfile
	models      *outlier.Models
	report      *model.AnalysisReport
	phaseStart  time.Time
}

func New(id, userID string, cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Sensitivity == 0 {
		cfg.Sensitivity = 5
	}
	if err := model.ValidateSensitivity(cfg.Sensitivity); err != nil {
		return nil, err
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = defaultInactivityThreshold
	}
	if logger != nil {
		logger = logger.With("session_id", id)
	}
	s := &Session{
		id:          id,
		userID:      userID,
		cfg:         cfg,
		logger:      logger,
		buffer:      capture.NewBuffer(),
		analyzer:    engine.NewAnalyzer(logger),
		sensitivity: cfg.Sensitivity,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.createdAt = s.now()
	if cfg.Observer != nil {
		s.poller = window.NewPoller(cfg.Observer, s.buffer, cfg.Window, logger)
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Sensitivity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensitivity
}

func (s *Session) Profile() *model.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Session) Report() *model.AnalysisReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

func (s *Session) invalid(op string) error {
	return &model.InvalidStateError{Op: op, State: s.state.String()}
}

// StartBaseline discards any previous baseline and begins a fresh capture.
func (s *Session) StartBaseline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Uninitialized, BaselineReady, TestComplete:
	default:
		return s.invalid("start_baseline")
	}
	s.profile = nil
	s.models = nil
	s.report = nil
	s.buffer.Reset()
	s.phaseStart = s.now()
	s.state = BaselineCollecting
	s.capturing.Store(true)
	if s.logger != nil {
		s.logger.Info("baseline collection started")
	}
	return nil
}

// StopBaseline drains the baseline capture, builds the profile and trains
// the outlier models. It returns the number of keystrokes captured. With no
// keystrokes the session falls back to Uninitialized.
func (s *Session) StopBaseline() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != BaselineCollecting {
		return 0, s.invalid("stop_baseline")
	}
	s.capturing.Store(false)
	snap := s.buffer.Drain()

	p, err := profile.Build(snap)
	if err != nil {
		s.state = Uninitialized
		if s.logger != nil {
			s.logger.Warn("baseline rejected", "err", err)
		}
		return 0, err
	}
	p.BuiltAt = s.now()
	models, err := outlier.Train(
		features.KeystrokeMatrix(snap.Keystrokes),
		features.MouseMatrix(snap.MousePositions),
		s.sensitivity,
		s.cfg.Outlier,
	)
	if err != nil {
		s.state = Uninitialized
		return 0, fmt.Errorf("train baseline models: %w", err)
	}
	s.profile = p
	s.models = models
	s.state = BaselineReady
	if s.logger != nil {
		s.logger.Info("baseline ready",
			"keystrokes", len(snap.Keystrokes),
			"mouse_positions", len(snap.MousePositions),
			"keystroke_model", models.Keystroke != nil,
			"mouse_model", models.Mouse != nil,
		)
	}
	return len(snap.Keystrokes), nil
}

func (s *Session) StartTest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case BaselineReady, TestComplete:
	default:
		return s.invalid("start_test")
	}
	s.report = nil
	s.buffer.Reset()
	s.phaseStart = s.now()
	s.state = TestRunning
	s.capturing.Store(true)
	if s.poller != nil {
		if ok, reason := s.cfg.Observer.Available(); !ok {
			if s.logger != nil {
				s.logger.Warn("window observer unavailable", "reason", reason)
			}
		} else if err := s.poller.Start(ctx); err != nil && s.logger != nil {
			s.logger.Warn("window poller start failed", "err", err)
		}
	}
	if s.logger != nil {
		s.logger.Info("test started", "sensitivity", s.sensitivity)
	}
	return nil
}

// EndTest stops capture and scores the test against the baseline. An empty
// test yields an insufficient_data report rather than an error.
func (s *Session) EndTest(ctx context.Context) (*model.AnalysisReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TestRunning {
		return nil, s.invalid("end_test")
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	s.capturing.Store(false)
	snap := s.buffer.Drain()

	report, err := s.analyzer.Analyze(engine.Input{
		SessionID:   s.id,
		UserID:      s.userID,
		Snapshot:    snap,
		Profile:     s.profile,
		Models:      s.models,
		Sensitivity: s.sensitivity,
	})
	if err != nil {
		s.state = BaselineReady
		return nil, fmt.Errorf("analyze test: %w", err)
	}
	s.report = report
	s.state = TestComplete
	return report, nil
}

func (s *Session) SetSensitivity(v int) error {
	if err := model.ValidateSensitivity(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensitivity = v
	return nil
}

// Close stops background polling.
func (s *Session) Close() {
	s.capturing.Store(false)
	if s.poller != nil {
		s.poller.Stop()
	}
}

func (s *Session) Capturing() bool {
	return s.capturing.Load()
}

type Metrics struct {
	SessionID      string             `json:"session_id"`
	UserID         string             `json:"user_id,omitempty"`
	State          State              `json:"state"`
	Sensitivity    int                `json:"sensitivity"`
	Capturing      bool               `json:"capturing"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Counts         model.BufferCounts `json:"counts"`
	// InactiveSeconds counts from the latest key or mouse input, or from
	// the phase start when there was none.
	InactiveSeconds float64 `json:"inactive_seconds"`
	Inactive        bool    `json:"inactive"`
}

// CurrentMetrics returns point-in-time counts for the running phase.
func (s *Session) CurrentMetrics() Metrics {
	s.mu.Lock()
	state, sens, start := s.state, s.sensitivity, s.phaseStart
	s.mu.Unlock()
	m := Metrics{
		SessionID:   s.id,
		UserID:      s.userID,
		State:       state,
		Sensitivity: sens,
		Capturing:   s.capturing.Load(),
		Counts:      s.buffer.Counts(),
	}
	if !start.IsZero() && (state == BaselineCollecting || state == TestRunning) {
		now := s.now()
		m.ElapsedSeconds = now.Sub(start).Seconds()

		last := s.buffer.LastActivity()
		if last.Before(start) {
			last = start
		}
		idle := max(now.Sub(last), 0)
		m.InactiveSeconds = idle.Seconds()
		m.Inactive = idle > s.cfg.InactivityThreshold
	}
	return m
}

type BaselineStatus struct {
	State       State              `json:"state"`
	Ready       bool               `json:"ready"`
	Collecting  bool               `json:"collecting"`
	Profile     *model.UserProfile `json:"profile,omitempty"`
	Models      map[string]any     `json:"models,omitempty"`
	Sensitivity int                `json:"sensitivity"`
}

func (s *Session) BaselineStatus() BaselineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := BaselineStatus{
		State:       s.state,
		Ready:       s.profile != nil,
		Collecting:  s.state == BaselineCollecting,
		Profile:     s.profile,
		Sensitivity: s.sensitivity,
	}
	if s.models != nil {
		st.Models = s.models.Status()
	}
	return st
}

func (s *Session) RecordKeyPress(key string, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordKeyPress(key, t)
	return true
}

func (s *Session) RecordKeyRelease(key string, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	_, ok := s.buffer.RecordKeyRelease(key, t)
	return ok
}

func (s *Session) RecordMouseMove(x, y float64, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordMouseMove(x, y, t)
	return true
}

func (s *Session) RecordMouseClick(x, y float64, button string, pressed bool, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordMouseClick(x, y, button, pressed, t)
	return true
}

func (s *Session) RecordCopyPaste(action model.ClipboardAction, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordCopyPaste(action, t)
	return true
}

func (s *Session) RecordTabSwitch(from, to string, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordTabSwitch(from, to, t)
	return true
}

func (s *Session) RecordFullscreenViolation(window string, t time.Time) bool {
	if !s.capturing.Load() {
		return false
	}
	s.buffer.RecordFullscreenViolation(window, t)
	return true
}

// Apply routes a normalized input event into the capture buffer. It reports
// false when the event was dropped.
func (s *Session) Apply(ev model.InputEvent) bool {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	switch ev.Kind {
	case model.KindKeyPress:
		return s.RecordKeyPress(ev.Key, ts)
	case model.KindKeyRelease:
		return s.RecordKeyRelease(ev.Key, ts)
	case model.KindMouseMove:
		return s.RecordMouseMove(ev.X, ev.Y, ts)
	case model.KindMouseClick:
		return s.RecordMouseClick(ev.X, ev.Y, ev.Button, ev.Pressed, ts)
	case model.KindCopy:
		return s.RecordCopyPaste(model.ClipboardCopy, ts)
	case model.KindPaste:
		return s.RecordCopyPaste(model.ClipboardPaste, ts)
	case model.KindTabSwitch:
		return s.RecordTabSwitch(ev.FromWindow, ev.ToWindow, ts)
	case model.KindFullscreenViolation:
		return s.RecordFullscreenViolation(ev.Window, ts)
	}
	return false
}
