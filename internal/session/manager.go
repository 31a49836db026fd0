package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorguard/internal/model"
)

var ErrEventDropped = errors.New("event dropped")

// ReportSink receives every completed analysis report.
type ReportSink interface {
	HandleReport(ctx context.Context, report *model.AnalysisReport) error
}

// ProfileSink receives every baseline profile once it is built.
type ProfileSink interface {
	HandleProfile(ctx context.Context, sessionID, userID string, p *model.UserProfile) error
}

type ReportSinkFunc func(ctx context.Context, report *model.AnalysisReport) error

func (f ReportSinkFunc) HandleReport(ctx context.Context, report *model.AnalysisReport) error {
	return f(ctx, report)
}

type ProfileSinkFunc func(ctx context.Context, sessionID, userID string, p *model.UserProfile) error

func (f ProfileSinkFunc) HandleProfile(ctx context.Context, sessionID, userID string, p *model.UserProfile) error {
	return f(ctx, sessionID, userID, p)
}

type namedReportSink struct {
	name string
	sink ReportSink
}

type namedProfileSink struct {
	name string
	sink ProfileSink
}

type Info struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	State       State     `json:"state"`
	Sensitivity int       `json:"sensitivity"`
	CreatedAt   time.Time `json:"created_at"`
	HasReport   bool      `json:"has_report"`
}

type Manager struct {
	mu           sync.RWMutex
	cfg          Config
	sessions     map[string]*Session
	reportSinks  []namedReportSink
	profileSinks []namedProfileSink
	logger       *slog.Logger
	newID        func() string
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   logger,
		newID:    func() string { return uuid.NewString() },
	}
}

func (m *Manager) AddReportSink(name string, sink ReportSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportSinks = append(m.reportSinks, namedReportSink{name: name, sink: sink})
}

func (m *Manager) AddProfileSink(name string, sink ProfileSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileSinks = append(m.profileSinks, namedProfileSink{name: name, sink: sink})
}

// UpdateConfig applies to sessions created afterwards.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Create registers a new session. A zero sensitivity uses the configured
// default.
func (m *Manager) Create(userID string, sensitivity int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	if sensitivity != 0 {
		cfg.Sensitivity = sensitivity
	}
	id := m.newID()
	s, err := New(id, userID, cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	if m.logger != nil {
		m.logger.Info("session created", "session_id", id, "user_id", userID, "sensitivity", s.Sensitivity())
	}
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, Info{
			ID:          s.ID(),
			UserID:      s.UserID(),
			State:       s.State(),
			Sensitivity: s.Sensitivity(),
			CreatedAt:   s.createdAt,
			HasReport:   s.Report() != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}
	s.Close()
	if m.logger != nil {
		m.logger.Info("session deleted", "session_id", id)
	}
	return nil
}

// Apply routes an ingested event to its session.
func (m *Manager) Apply(ev model.InputEvent) error {
	s, err := m.Get(ev.SessionID)
	if err != nil {
		return err
	}
	if !s.Apply(ev) {
		return ErrEventDropped
	}
	return nil
}

// StopBaseline finishes the baseline phase and hands the profile to every
// profile sink.
func (m *Manager) StopBaseline(ctx context.Context, id string) (int, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	n, err := s.StopBaseline()
	if err != nil {
		return 0, err
	}
	p := s.Profile()
	m.mu.RLock()
	sinks := append([]namedProfileSink(nil), m.profileSinks...)
	m.mu.RUnlock()
	for _, ns := range sinks {
		if err := ns.sink.HandleProfile(ctx, s.ID(), s.UserID(), p); err != nil && m.logger != nil {
			m.logger.Warn("profile sink failed", "sink", ns.name, "session_id", id, "err", err)
		}
	}
	return n, nil
}

// EndTest finishes the test phase and fans the report out. Sink failures are
// logged and never fail the call.
func (m *Manager) EndTest(ctx context.Context, id string) (*model.AnalysisReport, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	report, err := s.EndTest(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	sinks := append([]namedReportSink(nil), m.reportSinks...)
	m.mu.RUnlock()
	for _, ns := range sinks {
		if err := ns.sink.HandleReport(ctx, report); err != nil && m.logger != nil {
			m.logger.Warn("report sink failed", "sink", ns.name, "session_id", id, "err", err)
		}
	}
	return report, nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		s.Close()
	}
}
