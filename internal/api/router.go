// Package api exposes the optimizer service over HTTP/JSON.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/schedopt/internal/metrics"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
)

var log = slog.Default()

// NewRouter wires every route. /metrics is mounted only when gatherer is
// non-nil.
func NewRouter(svc *optimizer.Service, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer)).Methods("GET")
	}

	h := NewHandler(svc)
	api := r.PathPrefix("/api").Subrouter()

	// Optimization runs
	api.HandleFunc("/algorithms", h.ListAlgorithms).Methods("GET")
	api.HandleFunc("/optimize", h.SubmitJob).Methods("POST")
	api.HandleFunc("/optimize/{runId}", h.GetJobStatus).Methods("GET")
	api.HandleFunc("/optimize/{runId}", h.CancelJob).Methods("DELETE")
	api.HandleFunc("/optimize/{runId}/events", h.StreamProgress).Methods("GET")

	// Schedule versions
	api.HandleFunc("/schedules/{scheduleId}/versions", h.ImportSchedule).Methods("POST")
	api.HandleFunc("/schedules/{scheduleId}/versions", h.VersionHistory).Methods("GET")
	api.HandleFunc("/schedules/{scheduleId}/versions/latest", h.LatestVersion).Methods("GET")
	api.HandleFunc("/schedules/{scheduleId}/apply", h.ApplyResults).Methods("POST")
	api.HandleFunc("/schedules/{scheduleId}/rollback", h.RollbackToVersion).Methods("POST")
	api.HandleFunc("/schedules/{scheduleId}/rollbacks", h.RollbackHistory).Methods("GET")
	api.HandleFunc("/schedules/{scheduleId}/concurrency", h.CheckConcurrency).Methods("GET")
	api.HandleFunc("/versions/compare", h.CompareVersions).Methods("GET")
	api.HandleFunc("/versions/{versionId}", h.GetVersion).Methods("GET")


	// Schedule locks
	api.HandleFunc("/schedules/{scheduleId}/locks", h.AcquireLock).Methods("POST")
	api.HandleFunc("/schedules/{scheduleId}/locks", h.ActiveLocks).Methods("GET")
	api.HandleFunc("/locks/{lockId}", h.ReleaseLock).Methods("DELETE")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
