package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"proctorguard/internal/model"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctorguard_active_sessions",
			Help: "Number of registered proctoring sessions",
		},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctorguard_events_ingested_total",
			Help: "Input events seen by ingest, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ReportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctorguard_reports_total",
			Help: "Analysis reports generated, by result category",
		},
		[]string{"result"},
	)

	SuspicionLevel = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctorguard_suspicion_level",
			Help:    "Distribution of report suspicion levels",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctorguard_anomalies_detected_total",
			Help: "Anomalies reported, by anomaly type",
		},
		[]string{"type"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proctorguard_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route", "method", "status"},
	)
)

// Recorder exports every report it receives as Prometheus samples.
type Recorder struct{}

func (Recorder) HandleReport(_ context.Context, report *model.AnalysisReport) error {
	if report == nil {
		return nil
	}
	ReportsGenerated.WithLabelValues(string(report.Result)).Inc()
	if report.Result != model.CategoryInsufficientData {
		SuspicionLevel.Observe(report.SuspicionLevel)
	}
	for _, a := range report.Anomalies {
		AnomaliesDetected.WithLabelValues(a.Type).Inc()
	}
	return nil
}

// ObserveEvent counts one ingest outcome.
func ObserveEvent(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	EventsIngested.WithLabelValues(source, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware times requests by their mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		RequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
