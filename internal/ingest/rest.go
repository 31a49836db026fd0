package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"proctorguard/internal/config"
)

const restSource = "rest"

type RESTHandler struct {
	proc   *Processor
	logger *slog.Logger
}

func NewRESTHandler(proc *Processor, logger *slog.Logger) *RESTHandler {
	return &RESTHandler{proc: proc, logger: logger}
}

// Register mounts the event routes on r.
func (h *RESTHandler) Register(r *mux.Router) {
	r.HandleFunc("/events", h.HandleEvents).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/events", h.HandleEvents).Methods(http.MethodPost)
}

func StartREST(ctx context.Context, cfg *config.Manager, proc *Processor, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	router := mux.NewRouter()
	NewRESTHandler(proc, logger).Register(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	httpServer := &http.Server{Addr: current.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type eventsResponse struct {
	Accepted  int      `json:"accepted"`
	Failed    int      `json:"failed"`
	Duplicate int      `json:"duplicate"`
	Errors    []string `json:"errors,omitempty"`
}

// HandleEvents accepts a single event object or an array of them. Events are
// applied before the response is written.
func (h *RESTHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var list []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		obj, err := DecodeJSONObject(trim)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = append(list, obj)
	}

	sessionID := mux.Vars(r)["id"]
	var resp eventsResponse
	for _, obj := range list {
		ev, err := h.proc.DecodeMap(obj, sessionID, restSource)
		if err == nil {
			err = h.proc.Process(ev)
		}
		switch {
		case err == nil:
			resp.Accepted++
		case err == ErrDuplicate:
			resp.Duplicate++
		default:
			resp.Failed++
			if len(resp.Errors) < 10 {
				resp.Errors = append(resp.Errors, err.Error())
			}
		}
	}
	status := http.StatusOK
	if resp.Accepted == 0 && resp.Failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
