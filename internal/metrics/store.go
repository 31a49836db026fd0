package metrics

import (
	"context"
	"sync"
	"time"

	"proctorguard/internal/model"
)

// Snapshot is the latest metric set recorded for one session.
type Snapshot struct {
	SessionID      string             `json:"session_id"`
	UserID         string             `json:"user_id,omitempty"`
	Result         model.Category     `json:"result"`
	SuspicionLevel float64            `json:"suspicion_level"`
	Values         map[string]float64 `json:"metrics"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Store holds the newest report metrics per session, evicting the least
// recently updated session past limit.
type Store struct {
	mu        sync.RWMutex
	bySession map[string]Snapshot
	limit     int
	now       func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySession: make(map[string]Snapshot),
		limit:     limit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Update(report *model.AnalysisReport) {
	if report == nil || report.SessionID == "" {
		return
	}
	values := make(map[string]float64, len(report.Metrics))
	for k, v := range report.Metrics {
		values[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[report.SessionID] = Snapshot{
		SessionID:      report.SessionID,
		UserID:         report.UserID,
		Result:         report.Result,
		SuspicionLevel: report.SuspicionLevel,
		Values:         values,
		UpdatedAt:      s.now(),
	}
	if len(s.bySession) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) HandleReport(_ context.Context, report *model.AnalysisReport) error {
	s.Update(report)
	return nil
}

func (s *Store) Get(sessionID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.bySession[sessionID]
	return snap, ok
}

func (s *Store) GetAll() map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Snapshot, len(s.bySession))
	for id, snap := range s.bySession {
		out[id] = snap
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestSession string
	var oldest time.Time
	for id, snap := range s.bySession {
		if oldestSession == "" || snap.UpdatedAt.Before(oldest) {
			oldestSession = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestSession != "" {
		delete(s.bySession, oldestSession)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string]Snapshot)
}
