package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"crawlcore/internal/job"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	historyTimeout  = 3 * time.Second
)

// HistoryHandler exposes read-only endpoints over the durable job store. The
// orchestrator's registry only covers jobs known to the running process; these
// endpoints read the persistent record, which survives restarts.
type HistoryHandler struct {
	store   job.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the job store and logger.
func NewHistoryHandler(store job.Store, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:   store,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /v1/history/jobs?limit=&offset=. It returns a JSON
// object {"jobs": [...]} on success, 400 for invalid paging parameters, 503
// when the store is unavailable, or 500 if the store call fails.
func (h *HistoryHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(h.logger, w, http.StatusServiceUnavailable, map[string]string{"error": "job store unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeJSON(h.logger, w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	jobs, err := h.store.ListJobs(ctx)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeJSON(h.logger, w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"jobs": toJobDTOs(pageJobs(jobs, limit, offset)),
	})
}

// GetJob handles GET /v1/history/jobs/{job_id}. It returns {"job": {...}} on
// success, 404 when the store reports job.ErrNotFound, 503 if the store is
// not configured, or 500 otherwise.
func (h *HistoryHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(h.logger, w, http.StatusServiceUnavailable, map[string]string{"error": "job store unavailable"})
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeJSON(h.logger, w, http.StatusBadRequest, map[string]string{"error": "job_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	j, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeJSON(h.logger, w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		h.logger.Error("get job failed", zap.Error(err))
		writeJSON(h.logger, w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{"job": toJobDTO(j)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func pageJobs(jobs []job.Job, limit, offset int) []job.Job {
	if offset >= len(jobs) {
		return nil
	}
	jobs = jobs[offset:]
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

type jobDTO struct {
	ID          string    `json:"id"`
	Targets     []string  `json:"targets"`
	ParentJobID string    `json:"parent_job_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	MaxPages    int       `json:"max_pages,omitempty"`
}

func toJobDTOs(in []job.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, j := range in {
		out = append(out, toJobDTO(j))
	}
	return out
}

func toJobDTO(j job.Job) jobDTO {
	return jobDTO{
		ID:          j.ID,
		Targets:     j.Targets,
		ParentJobID: j.ParentJobID,
		SubmittedAt: j.Submitted,
		MaxPages:    j.Config.MaxPages,
	}
}
