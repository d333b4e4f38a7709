package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fixturesync/internal/config"
	"fixturesync/internal/database"
	"fixturesync/internal/domain"
	"fixturesync/internal/export"
	"fixturesync/internal/models"
	"fixturesync/internal/queue"

	"github.com/rs/zerolog"
)

const (
	jobsPath = "/api/v1/sync-jobs"

	defaultCreator = "api"
	maxBodyBytes   = 1 << 20
)

// HTTPServer exposes the sync job API.
type HTTPServer struct {
	cfg    config.APIConfig
	jobs   domain.JobService
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, jobs domain.JobService, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:    cfg,
		jobs:   jobs,
		auth:   NewHTTPAuth(cfg),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	srv.route(mux, "POST "+jobsPath, srv.handleCreateJob)
	srv.route(mux, "GET "+jobsPath, srv.handleListJobs)
	srv.route(mux, "GET "+jobsPath+"/export", srv.handleExportJobs)
	srv.route(mux, "POST "+jobsPath+"/cleanup", srv.handleCleanup)
	srv.route(mux, "GET "+jobsPath+"/{id}", srv.handleGetJob)
	srv.route(mux, "GET /healthz", srv.handleHealthz)

	handler := loggingMiddleware(logger, recoverMiddleware(logger, srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, h))
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type createJobRequest struct {
	SourceKey string            `json:"source_key"`
	StartDate string            `json:"start_date"`
	EndDate   string            `json:"end_date"`
	CreatedBy string            `json:"created_by"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	start, err := time.Parse(models.DateLayout, strings.TrimSpace(body.StartDate))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date; expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse(models.DateLayout, strings.TrimSpace(body.EndDate))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date; expected YYYY-MM-DD")
		return
	}

	res, err := s.jobs.CreateJob(r.Context(), models.CreateJobRequest{
		SourceKey: body.SourceKey,
		Start:     start,
		End:       end,
		CreatedBy: s.creator(r, body.CreatedBy),
		Metadata:  body.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// creator picks the requester: the body field, then the API client name.
func (s *HTTPServer) creator(r *http.Request, fromBody string) string {
	if c := strings.TrimSpace(fromBody); c != "" {
		return c
	}
	if client, ok := clientFromContext(r.Context()); ok && client.Name != "" {
		return client.Name
	}
	return defaultCreator
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}
	job, err := s.jobs.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobSummary struct {
	JobID       string           `json:"job_id"`
	SourceKey   string           `json:"source_key"`
	Status      models.JobStatus `json:"status"`
	Percentage  int              `json:"percentage"`
	ErrorCount  int              `json:"error_count"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func summarize(job *models.SyncJob) jobSummary {
	return jobSummary{
		JobID:       job.ID,
		SourceKey:   job.SourceKey,
		Status:      job.Status,
		Percentage:  job.Progress.Percentage,
		ErrorCount:  job.Results.ErrorCount,
		CreatedBy:   job.CreatedBy,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, ok := s.listJobs(w, r)
	if !ok {
		return
	}
	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, summarize(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *HTTPServer) handleExportJobs(w http.ResponseWriter, r *http.Request) {
	jobs, ok := s.listJobs(w, r)
	if !ok {
		return
	}
	now := s.now()
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, export.FileName(now)))
	if err := export.Write(w, jobs, now); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write jobs export")
	}
}

func (s *HTTPServer) listJobs(w http.ResponseWriter, r *http.Request) ([]*models.SyncJob, bool) {
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return nil, false
		}
		limit = n
	}
	jobs, err := s.jobs.ListRecentJobs(r.Context(), strings.TrimSpace(query.Get("created_by")), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return jobs, true
}

func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := models.DefaultRetentionDays
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than_days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than_days")
			return
		}
		days = n
	}
	deleted, err := s.jobs.Cleanup(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidRange), errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error().Err(err).Msg("sync job request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
