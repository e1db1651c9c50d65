package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/storage"
)

// SubmitJobResponse is returned after a job is accepted.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitJob handles POST /jobs. The artifact arrives as the multipart form
// field "file"; acceptance means the bytes are durably on disk and a QUEUED
// row exists, not that extraction has started.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]errorBody{
				"error": {Kind: string(common.KindInternal), Message: fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes)},
			})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, map[string]errorBody{
			"error": {Kind: string(common.KindInternal), Message: "multipart field \"file\" is required"},
		})
		return
	}
	defer file.Close()

	jobID, err := s.coord.Submit(r.Context(), header.Filename, file)
	if err != nil {
		s.logger.Warn("submit rejected", "filename", header.Filename, "error", err)
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:  jobID.String(),
		Status: string(constants.JobStatusQueued),
	})
}

// jobView is the wire shape for a single job.
type jobView struct {
	JobID      string          `json:"job_id"`
	Filename   string          `json:"filename"`
	Status     string          `json:"status"`
	Format     string          `json:"format,omitempty"`
	EnqueuedAt string          `json:"enqueued_at"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Error      *errorBody      `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (s *Server) viewOf(rec *storage.JobRecord, includeResult bool) jobView {
	v := jobView{
		JobID:      rec.ID.String(),
		Filename:   rec.Filename,
		Status:     string(rec.Status),
		Format:     string(rec.Format),
		EnqueuedAt: rec.EnqueuedAt.UTC().Format(time.RFC3339),
	}
	if rec.StartedAt != nil {
		v.StartedAt = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if rec.FinishedAt != nil {
		v.FinishedAt = rec.FinishedAt.UTC().Format(time.RFC3339)
	}
	if rec.Status == constants.JobStatusFailed {
		v.Error = &errorBody{Kind: rec.ErrorKind, Message: rec.ErrorMessage}
	}
	if includeResult && rec.Status == constants.JobStatusSucceeded {
		if data, err := s.results.Get(rec.ID); err == nil {
			v.Result = json.RawMessage(data)
		} else {
			s.logger.Warn("result missing for succeeded job", "job_id", rec.ID, "error", err)
		}
	}
	return v
}

// GetJob handles GET /jobs/{id}. Succeeded jobs embed the persisted result.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	rec, err := s.coord.Status(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.viewOf(rec, true))
}

// ListJobs handles GET /jobs. Most recent first; ?limit= caps the page.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]errorBody{
				"error": {Kind: string(common.KindInternal), Message: "limit must be a positive integer"},
			})
			return
		}
		limit = n
	}

	recs, err := s.index.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]jobView, len(recs))
	for i, rec := range recs {
		items[i] = s.viewOf(rec, false)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CancelJob handles DELETE /jobs/{id}. Cancelling a terminal job is a no-op
// reported as cancelled=false.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	cancelled, err := s.coord.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID.String(),
		"cancelled": cancelled,
	})
}

// GetInsights handles GET /jobs/{id}/insights. Insights are best-effort, so
// absence is a 404 even for succeeded jobs.
func (s *Server) GetInsights(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	data, err := s.results.GetInsights(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ExportJobs handles GET /jobs/export, returning the ledger as an XLSX
// workbook.
func (s *Server) ExportJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	data, err := s.exporter.ExportJobsXLSX(r.Context(), limit)
	if err != nil {
		s.logger.Warn("export failed", "error", err)
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"queue_depth":    s.coord.QueueDepth(),
		"queue_capacity": s.coord.QueueCapacity(),
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	jobID, err := uuid.Parse(raw)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]errorBody{
			"error": {Kind: string(common.KindNotFound), Message: "job not found"},
		})
		return uuid.Nil, false
	}
	return jobID, true
}
