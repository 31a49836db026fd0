package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/model"
)

func TestStoreKeepsLatestPerSession(t *testing.T) {
	s := NewStore(2)
	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	for i := 0; i < 3; i++ {
		s.Update(&model.AnalysisReport{
			SessionID: fmt.Sprintf("s-%d", i),
			Metrics:   map[string]float64{"typing_speed_ratio": float64(i)},
		})
	}
	s.Update(nil)
	s.Update(&model.AnalysisReport{})

	all := s.GetAll()
	assert.Len(t, all, 2)
	_, ok := s.Get("s-0")
	assert.False(t, ok)

	require.NoError(t, s.HandleReport(context.Background(), &model.AnalysisReport{
		SessionID:      "s-2",
		SuspicionLevel: 4,
		Metrics:        map[string]float64{"typing_speed_ratio": 9},
	}))
	snap, ok := s.Get("s-2")
	require.True(t, ok)
	assert.Equal(t, 9.0, snap.Values["typing_speed_ratio"])
	assert.Equal(t, 4.0, snap.SuspicionLevel)

	s.Clear()
	assert.Empty(t, s.GetAll())
}

func TestRecorderCountsAnomalies(t *testing.T) {
	before := testutil.ToFloat64(AnomaliesDetected.WithLabelValues("copy_paste"))
	reportsBefore := testutil.ToFloat64(ReportsGenerated.WithLabelValues("high_suspicion"))
	err := Recorder{}.HandleReport(context.Background(), &model.AnalysisReport{
		Result:         model.CategoryHighSuspicion,
		SuspicionLevel: 8,
		Anomalies:      []model.AnomalyDetail{{Type: "copy_paste"}, {Type: "copy_paste"}},
	})
	require.NoError(t, err)
	assert.Equal(t, before+2, testutil.ToFloat64(AnomaliesDetected.WithLabelValues("copy_paste")))
	assert.Equal(t, reportsBefore+1, testutil.ToFloat64(ReportsGenerated.WithLabelValues("high_suspicion")))
	assert.NoError(t, Recorder{}.HandleReport(context.Background(), nil))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(Middleware)
	router.HandleFunc("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(RequestDuration, "proctorguard_request_duration_seconds"), 1)
}
