package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/ingest"
	"proctorguard/internal/model"
	"proctorguard/internal/reports"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

const letters = "thequickbrownfoxjumpsoverthelazydog"

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	sessions *session.Manager
	reports  *reports.Store
}

func newHarness(t *testing.T, history ReportHistory) *harness {
	t.Helper()
	cfg := config.NewStaticManager(nil)
	sessions := session.NewManager(session.DefaultConfig(), nil)
	ring := reports.NewStore(10)
	sessions.AddReportSink("reports", ring)
	proc, err := ingest.NewProcessor(cfg, sessions, nil)
	require.NoError(t, err)
	server := NewServer(cfg, sessions, Deps{
		Reports: ring,
		History: history,
		Events:  ingest.NewRESTHandler(proc, nil),
		Ingest:  proc,
	}, nil, "test")
	h := &harness{t: t, srv: httptest.NewServer(server.Router()), sessions: sessions, reports: ring}
	t.Cleanup(func() {
		h.srv.Close()
		sessions.Close()
	})
	return h
}

func (h *harness) do(method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, out
}

func keyEvents(sessionID string, n int, start, hold, flight float64) []map[string]any {
	out := make([]map[string]any, 0, 2*n)
	at := start
	for i := 0; i < n; i++ {
		k := string(letters[i%len(letters)])
		out = append(out,
			map[string]any{"session_id": sessionID, "kind": "key_press", "key": k, "timestamp": at},
			map[string]any{"session_id": sessionID, "kind": "key_release", "key": k, "timestamp": at + hold},
		)
		at += hold + flight
	}
	return out
}

func (h *harness) createSession(user string) string {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/sessions", map[string]any{"user_id": user})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(h.t, json.Unmarshal(body, &created))
	require.NotEmpty(h.t, created.SessionID)
	return created.SessionID
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createSession("alice")
	base := "/sessions/" + id

	resp, _ := h.do(http.MethodPost, base+"/baseline/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := h.do(http.MethodPost, base+"/events", keyEvents("", 120, 1772355600, 0.09, 0.14))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"accepted":240`)

	resp, body = h.do(http.MethodPost, base+"/baseline/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"keystroke_count":120`)

	resp, body = h.do(http.MethodGet, base+"/baseline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ready":true`)

	resp, _ = h.do(http.MethodPost, base+"/test/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/events", append(
		keyEvents(id, 80, 1772356000, 0.09, 0.14),
		map[string]any{"session_id": id, "kind": "paste", "timestamp": 1772356100},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for i := 0; i < 3; i++ {
		resp, _ = h.do(http.MethodPost, base+"/copy-paste", map[string]any{"type": "paste", "timestamp": 1772356101 + i})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, body = h.do(http.MethodGet, base+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"test_running"`)

	resp, body = h.do(http.MethodPost, base+"/test/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rep model.AnalysisReport
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, id, rep.SessionID)
	assert.Equal(t, "alice", rep.UserID)
	assert.Contains(t, rep.AnomalyTypes(), "copy_paste")

	resp, body = h.do(http.MethodGet, base+"/report?format=html", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	assert.Contains(t, string(body), "data:image/png;base64,")

	resp, body = h.do(http.MethodGet, "/reports?user_id=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":1`)
	assert.Contains(t, string(body), `"source":"memory"`)

	resp, _ = h.do(http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	// the ring store still serves the report after the session is gone
	resp, _ = h.do(http.MethodGet, base+"/report", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createSession("bob")
	base := "/sessions/" + id

	resp, _ := h.do(http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, base+"/test/end", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.do(http.MethodPut, base+"/sensitivity", map[string]any{"sensitivity": 11})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(http.MethodPut, base+"/sensitivity", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := h.do(http.MethodPut, base+"/sensitivity", map[string]any{"sensitivity": 9})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"sensitivity":9`)

	resp, _ = h.do(http.MethodPost, base+"/copy-paste", map[string]any{"type": "paste"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, base+"/copy-paste", map[string]any{"type": "cut"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, base+"/baseline/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, base+"/baseline/stop", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, base+"/report", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(http.MethodGet, "/reports?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/sessions", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

type fakeHistory struct {
	reports []*model.AnalysisReport
	err     error
}

func (f *fakeHistory) GetReport(_ context.Context, sessionID string) (*model.AnalysisReport, error) {
	for _, r := range f.reports {
		if r.SessionID == sessionID {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) ListReports(_ context.Context, _ string, _ int) ([]*model.AnalysisReport, error) {
	return f.reports, f.err
}

func TestReportsPreferHistory(t *testing.T) {
	hist := &fakeHistory{reports: []*model.AnalysisReport{{SessionID: "old", UserID: "carol", Result: model.CategoryNormal}}}
	h := newHarness(t, hist)

	resp, body := h.do(http.MethodGet, "/reports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"source":"storage"`)
	resp, _ = h.do(http.MethodGet, "/sessions/old/report", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hist.err = errors.New("db down")
	resp, body = h.do(http.MethodGet, "/reports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"source":"memory"`)
}

func TestStatusHealthAndAdmin(t *testing.T) {
	h := newHarness(t, nil)
	h.createSession("dana")
	h.reports.Add(&model.AnalysisReport{SessionID: "x"})

	resp, body := h.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 5, status.Detection.DefaultSensitivity)
	require.NotNil(t, status.Ingest.Stats)

	resp, _ = h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = h.do(http.MethodGet, "/prometheus", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "proctorguard_active_sessions")

	resp, body = h.do(http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":1`)

	resp, _ = h.do(http.MethodPost, "/admin/clear", map[string]any{"target": "everything"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/admin/clear", map[string]any{"target": "reports"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, h.reports.Len())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&model.InvalidStateError{Op: "start_test", State: "uninitialized"}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(errors.Join(errors.New("x"), model.ErrInsufficientData)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

type fakeCache map[string]*model.AnalysisReport

func (c fakeCache) GetReport(_ context.Context, id string) (*model.AnalysisReport, error) {
	if r, ok := c[id]; ok {
		return r, nil
	}
	return nil, errors.New("miss")
}

func TestFindReportFallsBackToCache(t *testing.T) {
	sessions := session.NewManager(session.DefaultConfig(), nil)
	s := NewServer(config.NewStaticManager(nil), sessions, Deps{
		Cache: fakeCache{"cached": {SessionID: "cached"}},
	}, nil, "test")

	rep, err := s.findReport(context.Background(), "cached")
	require.NoError(t, err)
	assert.Equal(t, "cached", rep.SessionID)
	_, err = s.findReport(context.Background(), "gone")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
