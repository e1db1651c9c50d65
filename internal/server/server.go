// Package server exposes the job pipeline over HTTP: submit an artifact,
// poll its status, cancel it, and pull the job ledger.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/coordinator"
	"github.com/contentforge/extractd/internal/export"
	"github.com/contentforge/extractd/internal/storage"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	coord          *coordinator.Coordinator
	index          *storage.JobIndex
	results        *storage.ResultStore
	exporter       *export.Service
	logger         *slog.Logger
	maxUploadBytes int64
}

func NewServer(
	coord *coordinator.Coordinator,
	index *storage.JobIndex,
	results *storage.ResultStore,
	exporter *export.Service,
	maxUploadBytes int64,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:          coord,
		index:          index,
		results:        results,
		exporter:       exporter,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// Router configures all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", s.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/export", s.ExportJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.CancelJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/insights", s.GetInsights).Methods("GET")
	r.HandleFunc("/healthz", s.Healthz).Methods("GET")
	return r
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := common.KindOf(err)
	s.writeJSON(w, statusFor(kind), map[string]errorBody{
		"error": {Kind: string(kind), Message: common.ClientMessage(err)},
	})
}

func statusFor(kind common.Kind) int {
	switch kind {
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindQueueFull:
		return http.StatusTooManyRequests
	case common.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case common.KindStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
