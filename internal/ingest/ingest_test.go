package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type recordingApplier struct {
	mu     sync.Mutex
	events []model.InputEvent
	reject map[string]bool
}

func (a *recordingApplier) Apply(ev model.InputEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reject[ev.SessionID] {
		return errors.New("session not found")
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingApplier) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func newTestProcessor(t *testing.T, validate bool) (*Processor, *recordingApplier) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ingest.ValidateSchema = validate
	cfg.Ingest.DedupeWindow = time.Minute
	applier := &recordingApplier{reject: map[string]bool{"gone": true}}
	proc, err := NewProcessor(config.NewStaticManager(cfg), applier, nil)
	require.NoError(t, err)
	return proc, applier
}

func TestValidatorEnvelope(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	ok := map[string]any{"session_id": "s", "kind": "key_press", "key": "a", "timestamp": 1772355600.5}
	assert.NoError(t, v.Validate(ok))

	bad := []map[string]any{
		{"kind": "key_press", "key": "a"},
		{"session_id": "s", "kind": "scroll"},
		{"session_id": "s", "kind": "key_release"},
		{"session_id": "s", "kind": "copy_paste"},
		{"session_id": "s", "kind": "mouse_move", "x": true},
	}
	for _, obj := range bad {
		assert.Error(t, v.Validate(obj), "%v", obj)
	}
	var nilValidator *Validator
	assert.NoError(t, nilValidator.Validate(bad[0]))
}

func TestFingerprintIgnoresSource(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := model.InputEvent{SessionID: "s", Kind: model.KindKeyPress, Key: "a", Timestamp: ts, Source: "rest"}
	b := a
	b.Source = "kafka"
	assert.Equal(t, FingerprintOf(a), FingerprintOf(b))
	b.Timestamp = ts.Add(time.Millisecond)
	assert.NotEqual(t, FingerprintOf(a), FingerprintOf(b))
	c := a
	c.Kind = model.KindKeyRelease
	assert.NotEqual(t, FingerprintOf(a), FingerprintOf(c))
}

func TestDedupeCacheWindow(t *testing.T) {
	d := NewDedupeCache()
	key := Fingerprint{Hi: 1, Lo: 2}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.False(t, d.Seen(key, now, time.Second))
	assert.True(t, d.Seen(key, now.Add(500*time.Millisecond), time.Second))
	assert.False(t, d.Seen(key, now.Add(3*time.Second), time.Second))
	assert.Equal(t, 1, d.Len())
}

func TestProcessorDedupesAndCounts(t *testing.T) {
	proc, applier := newTestProcessor(t, true)
	var outcomes []Outcome
	proc.OnOutcome(func(_ string, o Outcome) { outcomes = append(outcomes, o) })

	obj := func() map[string]any {
		return map[string]any{"session_id": "s-1", "kind": "key_press", "key": "a", "timestamp": "2026-03-01T09:00:00Z"}
	}
	ev, err := proc.DecodeMap(obj(), "", "rest")
	require.NoError(t, err)
	require.NoError(t, proc.Process(ev))
	ev, err = proc.DecodeMap(obj(), "", "kafka")
	require.NoError(t, err)
	assert.ErrorIs(t, proc.Process(ev), ErrDuplicate)

	_, err = proc.DecodeMap(map[string]any{"kind": "copy"}, "", "rest")
	assert.Error(t, err)
	ev, err = proc.DecodeMap(obj(), "gone", "rest")
	require.NoError(t, err)
	assert.Error(t, proc.Process(ev))

	assert.Equal(t, 1, applier.len())
	assert.Equal(t, Stats{Accepted: 1, Duplicate: 1, Invalid: 1, Rejected: 1}, proc.Stats())
	assert.Equal(t, []Outcome{OutcomeAccepted, OutcomeDuplicate, OutcomeInvalid, OutcomeRejected}, outcomes)
}

func TestRESTHandlerAppliesBatch(t *testing.T) {
	proc, applier := newTestProcessor(t, true)
	router := mux.NewRouter()
	NewRESTHandler(proc, nil).Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body := `[
		{"kind":"key_press","key":"a","timestamp":1772355600.0},
		{"kind":"key_release","key":"a","timestamp":1772355600.09},
		{"kind":"key_release","key":"a","timestamp":1772355600.09},
		{"kind":"wheel"}
	]`
	resp, err := http.Post(srv.URL+"/sessions/s-9/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out eventsResponse
	require.NoError(t, decodeBody(resp, &out))
	assert.Equal(t, 2, out.Accepted)
	assert.Equal(t, 1, out.Duplicate)
	assert.Equal(t, 1, out.Failed)
	require.Equal(t, 2, applier.len())
	assert.Equal(t, "s-9", applier.events[0].SessionID)
	assert.Equal(t, "rest", applier.events[0].Source)

	resp2, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"kind":"copy"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)

	resp3, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestTCPStreamFeedsChannel(t *testing.T) {
	proc, applier := newTestProcessor(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	events := make(chan model.InputEvent, 16)
	ServeTCPStream(ctx, ln, proc, events, nil)
	go proc.Run(ctx, events)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	w := bufio.NewWriter(conn)
	fmt.Fprintln(w, `{"session_id":"s-1","kind":"mouse_move","x":10,"y":20,"timestamp":1772355600}`)
	fmt.Fprintln(w, "timestamp,session_id,kind,key")
	fmt.Fprintln(w, "1772355601,s-1,key_press,q")
	fmt.Fprintln(w, "garbage line without fields")
	require.NoError(t, w.Flush())
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return applier.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.Equal(t, model.KindMouseMove, applier.events[0].Kind)
	assert.Equal(t, 10.0, applier.events[0].X)
	assert.Equal(t, "q", applier.events[1].Key)
	assert.Equal(t, "tcp_stream", applier.events[1].Source)
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	proc, _ := newTestProcessor(t, false)
	out := make(chan model.InputEvent, 1)
	ev := model.InputEvent{SessionID: "s", Kind: model.KindCopy, Source: "kafka"}
	assert.True(t, proc.SendNonBlocking(context.Background(), out, ev))
	assert.False(t, proc.SendNonBlocking(context.Background(), out, ev))
	assert.Equal(t, int64(1), proc.Stats().Dropped)
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
