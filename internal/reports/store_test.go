package reports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/model"
)

func report(i int, user string) *model.AnalysisReport {
	return &model.AnalysisReport{
		SessionID: fmt.Sprintf("s-%d", i),
		UserID:    user,
		Result:    model.CategoryNormal,
		Timestamp: time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC),
	}
}

func TestStoreRingEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.HandleReport(context.Background(), report(i, "u")))
	}
	s.Add(nil)
	assert.Equal(t, 3, s.Len())

	list := s.List(0)
	require.Len(t, list, 3)
	assert.Equal(t, "s-4", list[0].SessionID)
	assert.Equal(t, "s-2", list[2].SessionID)

	_, ok := s.Get("s-1")
	assert.False(t, ok)
	got, ok := s.Get("s-3")
	require.True(t, ok)
	assert.Equal(t, "s-3", got.SessionID)
}

func TestStoreFilters(t *testing.T) {
	s := NewStore(0)
	s.Add(report(1, "alice"))
	s.Add(report(2, "bob"))
	s.Add(report(3, "alice"))

	byAlice := s.ListByUser("alice", 10)
	require.Len(t, byAlice, 2)
	assert.Equal(t, "s-3", byAlice[0].SessionID)
	assert.Len(t, s.ListByUser("alice", 1), 1)
	assert.Empty(t, s.ListByUser("carol", 0))

	since := s.Since(time.Date(2026, 3, 1, 9, 2, 0, 0, time.UTC))
	assert.Len(t, since, 2)

	s.Clear()
	assert.Zero(t, s.Len())
}
