package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proctorguard/internal/config"
	"proctorguard/internal/ingest"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/report"
	"proctorguard/internal/reports"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

// ReportHistory serves reports that have left the in-memory ring.
// storage.Store satisfies it.
type ReportHistory interface {
	GetReport(ctx context.Context, sessionID string) (*model.AnalysisReport, error)
	ListReports(ctx context.Context, userID string, limit int) ([]*model.AnalysisReport, error)
}

// ReportLookup is a best-effort report source such as the redis cache.
type ReportLookup interface {
	GetReport(ctx context.Context, sessionID string) (*model.AnalysisReport, error)
}

type Deps struct {
	Reports *reports.Store
	Cache   ReportLookup
	Metrics *metrics.Store
	History ReportHistory
	Events  *ingest.RESTHandler
	Ingest  *ingest.Processor
}

type Server struct {
	cfg      *config.Manager
	sessions *session.Manager
	reports  *reports.Store
	metrics  *metrics.Store
	history  ReportHistory
	cache    ReportLookup
	events   *ingest.RESTHandler
	ingest   *ingest.Processor
	logger   *slog.Logger
	version  string
	// base outlives requests; window pollers started by StartTest use it
	base context.Context
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Sessions   int             `json:"sessions"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Detection  detectionStatus `json:"detection"`
	Sinks      sinkStatus      `json:"sinks"`
}

type ingestStatus struct {
	REST      bool          `json:"rest"`
	TCPStream bool          `json:"tcp_stream"`
	Kafka     bool          `json:"kafka"`
	Stats     *ingest.Stats `json:"stats,omitempty"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	DefaultSensitivity int  `json:"default_sensitivity"`
	ForestTrees        int  `json:"forest_trees"`
	WindowPolling      bool `json:"window_polling"`
}

type sinkStatus struct {
	Storage string `json:"storage,omitempty"`
	Cache   bool   `json:"cache"`
	Archive bool   `json:"archive"`
	Forward bool   `json:"forward"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(cfg *config.Manager, sessions *session.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	if deps.Reports == nil {
		deps.Reports = reports.NewStore(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore(0)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		reports:  deps.Reports,
		metrics:  deps.Metrics,
		history:  deps.History,
		cache:    deps.Cache,
		events:   deps.Events,
		ingest:   deps.Ingest,
		logger:   logger,
		version:  version,
		base:     context.Background(),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	router.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/baseline/start", s.handleStartBaseline).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/baseline/stop", s.handleStopBaseline).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/baseline", s.handleBaselineStatus).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/test/start", s.handleStartTest).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/test/end", s.handleEndTest).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/sensitivity", s.handleSensitivity).Methods(http.MethodPut)
	router.HandleFunc("/sessions/{id}/metrics", s.handleSessionMetrics).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/report", s.handleSessionReport).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/copy-paste", s.handleCopyPaste).Methods(http.MethodPost)
	if s.events != nil {
		s.events.Register(router)
	}

	router.HandleFunc("/reports", s.handleReports).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/admin/clear", s.handleClear).Methods(http.MethodPost)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Handle("/prometheus", promhttp.Handler())
	return router
}

func Start(ctx context.Context, cfg *config.Manager, server *Server, logger *slog.Logger) *http.Server {
	if cfg == nil || server == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server.base = ctx

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type createSessionRequest struct {
	UserID      string `json:"user_id"`
	Sensitivity int    `json:"sensitivity"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Create(strings.TrimSpace(req.UserID), req.Sensitivity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	writeJSON(w, http.StatusCreated, sess.CurrentMetrics())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

type sessionView struct {
	session.Metrics
	BaselineReady bool `json:"baseline_ready"`
	HasReport     bool `json:"has_report"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		Metrics:       sess.CurrentMetrics(),
		BaselineReady: sess.Profile() != nil,
		HasReport:     sess.Report() != nil,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartBaseline(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.StartBaseline(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
}

func (s *Server) handleStopBaseline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.sessions.StopBaseline(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keystroke_count": n,
		"baseline":        sess.BaselineStatus(),
	})
}

func (s *Server) handleBaselineStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.BaselineStatus())
}

func (s *Server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.StartTest(s.base); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
}

func (s *Server) handleEndTest(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sessions.EndTest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type sensitivityRequest struct {
	Sensitivity *int `json:"sensitivity"`
}

func (s *Server) handleSensitivity(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req sensitivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sensitivity == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sensitivity is required"})
		return
	}
	if err := sess.SetSensitivity(*req.Sensitivity); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensitivity": sess.Sensitivity()})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"live": sess.CurrentMetrics()}
	if snap, ok := s.metrics.Get(sess.ID()); ok {
		resp["last_report"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rep, err := s.findReport(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "html") {
		var buf bytes.Buffer
		if err := report.RenderHTML(&buf, rep); err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// findReport prefers the live session, then the ring store, the cache and
// finally history.
func (s *Server) findReport(ctx context.Context, id string) (*model.AnalysisReport, error) {
	if sess, err := s.sessions.Get(id); err == nil {
		if rep := sess.Report(); rep != nil {
			return rep, nil
		}
	}
	if rep, ok := s.reports.Get(id); ok {
		return rep, nil
	}
	if s.cache != nil {
		if rep, err := s.cache.GetReport(ctx, id); err == nil {
			return rep, nil
		}
	}
	if s.history != nil {
		return s.history.GetReport(ctx, id)
	}
	return nil, storage.ErrNotFound
}

type copyPasteRequest struct {
	Type      string   `json:"type"`
	Timestamp *float64 `json:"timestamp"`
}

func (s *Server) handleCopyPaste(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req copyPasteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action, ok := model.ParseClipboardAction(req.Type)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "type must be copy or paste"})
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = model.Time(*req.Timestamp)
	}
	if !sess.RecordCopyPaste(action, ts) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session is not capturing"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": string(action)})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	var list []*model.AnalysisReport
	source := "memory"
	if s.history != nil {
		stored, err := s.history.ListReports(r.Context(), userID, limit)
		if err == nil {
			list = stored
			source = "storage"
		} else if s.logger != nil {
			s.logger.Warn("report history unavailable", "err", err)
		}
	}
	if source == "memory" {
		list = s.reports.ListByUser(userID, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": list,
		"count":   len(list),
		"source":  source,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.reports.Clear()
	case "reports":
		s.reports.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown target"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Sessions:   s.sessions.Len(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			DefaultSensitivity: cfg.Detection.DefaultSensitivity,
			ForestTrees:        cfg.Detection.ForestTrees,
			WindowPolling:      cfg.Window.Enabled,
		},
		Sinks: sinkStatus{
			Cache:   cfg.Cache.Enabled,
			Archive: cfg.Archive.Enabled,
			Forward: cfg.Forward.Enabled,
		},
	}
	if cfg.Storage.Enabled {
		resp.Sinks.Storage = cfg.Storage.Driver
	}
	if s.ingest != nil {
		stats := s.ingest.Stats()
		resp.Ingest.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func statusFor(err error) int {
	var stateErr *model.InvalidStateError
	switch {
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr), errors.Is(err, model.ErrModelUntrained):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidSensitivity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("api request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body too large"})
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
