package reports

import (
	"context"
	"sync"
	"time"

	"proctorguard/internal/model"
)

// Store keeps the most recent analysis reports in memory, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []*model.AnalysisReport
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(report *model.AnalysisReport) {
	if report == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, report)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = report
}

// HandleReport lets the store act as a session report sink.
func (s *Store) HandleReport(_ context.Context, report *model.AnalysisReport) error {
	s.Add(report)
	return nil
}

// List returns up to limit reports, newest first.
func (s *Store) List(limit int) []*model.AnalysisReport {
	return s.ListByUser("", limit)
}

// ListByUser is List restricted to one user. An empty userID matches all.
func (s *Store) ListByUser(userID string, limit int) []*model.AnalysisReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]*model.AnalysisReport, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		if userID != "" && s.buf[i].UserID != userID {
			continue
		}
		out = append(out, s.buf[i])
	}
	return out
}

// Get returns the newest report for a session.
func (s *Store) Get(sessionID string) (*model.AnalysisReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].SessionID == sessionID {
			return s.buf[i], true
		}
	}
	return nil, false
}

func (s *Store) Since(ts time.Time) []*model.AnalysisReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AnalysisReport, 0)
	for _, r := range s.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
