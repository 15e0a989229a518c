package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crawlcore/internal/checkpoint"
	"crawlcore/internal/config"
	"crawlcore/internal/events"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
	"crawlcore/internal/metrics"
	"crawlcore/internal/middleware"
	"crawlcore/internal/orchestrator"
	"crawlcore/internal/telemetry"
)

// Server wires HTTP handlers to the orchestrator and its observers.
type Server struct {
	router      chi.Router
	orch        *orchestrator.Orchestrator
	bus         *events.Bus
	metrics     *metrics.Aggregator
	checkpoints *checkpoint.Manager
	iterations  *iteration.Manager
	cfg         config.Config
	logger      *zap.Logger
}

// Deps are the collaborators the server exposes over HTTP. Registry powers
// the /metrics endpoint; pass nil to use the default gatherer.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *events.Bus
	Metrics      *metrics.Aggregator
	Checkpoints  *checkpoint.Manager
	Iterations   *iteration.Manager
	History      job.Store
	Telemetry    *telemetry.Telemetry
	Registry     *prometheus.Registry
	Logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		orch:        deps.Orchestrator,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		checkpoints: deps.Checkpoints,
		iterations:  deps.Iterations,
		cfg:         cfg,
		logger:      deps.Logger,
	}

	promHandler := promhttp.Handler()
	if deps.Registry != nil {
		promHandler = promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(deps.Logger))
	if deps.Telemetry != nil {
		r.Use(middleware.Metrics(deps.Telemetry))
	}
	r.Use(recoverMiddleware(deps.Logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Delete("/", s.deleteJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/continue", s.continueJob)
				r.Post("/iterations", s.startIteration)
				r.Get("/iterations", s.listIterations)
				r.Get("/iterations/compare", s.compareIterations)
				r.Post("/checkpoints", s.createCheckpoint)
				r.Get("/checkpoints", s.listCheckpoints)
				r.Get("/events", s.getEvents)
				r.Get("/metrics", s.getJobMetrics)
				r.Get("/metrics/{metric}/series", s.getMetricSeries)
			})
		})
		if deps.History != nil {
			history := NewHistoryHandler(deps.History, deps.Logger)
			r.Route("/history/jobs", func(r chi.Router) {
				r.Get("/", history.ListJobs)
				r.Get("/{job_id}", history.GetJob)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Targets            []string            `json:"targets"`
	MaxPages           int                 `json:"max_pages"`
	MaxDurationSeconds int                 `json:"max_duration_seconds"`
	FailureThreshold   float64             `json:"failure_threshold"`
	OnMaxPages         job.ThresholdAction `json:"on_max_pages"`
	OnMaxDuration      job.ThresholdAction `json:"on_max_duration"`
	Tags               map[string]string   `json:"tags"`
	Raw                map[string]any      `json:"raw"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	j := job.Job{
		Targets: req.Targets,
		Config: job.Config{
			MaxPages:         req.MaxPages,
			MaxDuration:      time.Duration(req.MaxDurationSeconds) * time.Second,
			FailureThreshold: req.FailureThreshold,
			OnMaxPages:       req.OnMaxPages,
			OnMaxDuration:    req.OnMaxDuration,
			Tags:             req.Tags,
			Raw:              req.Raw,
		},
	}
	jobID, err := s.orch.Submit(r.Context(), j)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"jobs": s.orch.List()})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	st, err := s.orch.Status(jobID)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	j, err := s.orch.Job(jobID)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": j, "state": st})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.orch.DeleteJob(r.Context(), jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.orch.Pause(r.Context(), jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pausing"})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.orch.Resume(r.Context(), jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "resuming"})
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req cancelJobRequest
	// Body is optional for cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	if err := s.orch.Cancel(r.Context(), jobID, req.Reason); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

type continueJobRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) continueJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req continueJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.orch.ContinueFromCheckpoint(r.Context(), jobID, req.CheckpointID); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "continuing"})
}

type startIterationRequest struct {
	Mode job.IterationMode `json:"mode"`
}

func (s *Server) startIteration(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req startIterationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Mode == "" {
		req.Mode = job.IterationIncremental
	}
	if err := s.orch.StartNextIteration(r.Context(), jobID, req.Mode); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "mode": string(req.Mode)})
}

func (s *Server) listIterations(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.orch.Job(jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"iterations": s.iterations.Chain(jobID)})
}

func (s *Server) compareIterations(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	older, err := strconv.Atoi(r.URL.Query().Get("older"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "older must be an iteration number")
		return
	}
	newer, err := strconv.Atoi(r.URL.Query().Get("newer"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "newer must be an iteration number")
		return
	}
	cmp, err := s.iterations.Compare(r.Context(), jobID, older, newer)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, cmp)
}

func (s *Server) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	cp, err := s.orch.CreateCheckpoint(r.Context(), jobID)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]any{
		"checkpoint_id": cp.ID,
		"type":          cp.Type,
		"created_at":    cp.CreatedAt,
	})
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.orch.Job(jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	metas, err := s.checkpoints.List(r.Context(), jobID)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"checkpoints": metas})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.orch.Job(jobID); err != nil {
		s.writeControlError(w, err)
		return
	}
	q := r.URL.Query()

	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		writeJSON(s.logger, w, http.StatusOK, map[string]any{"events": s.bus.HistorySince(jobID, ts)})
		return
	}
	if kind := q.Get("kind"); kind != "" {
		writeJSON(s.logger, w, http.StatusOK, map[string]any{"events": s.bus.HistoryByKind(jobID, events.Kind(kind))})
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"events": s.bus.History(jobID, limit)})
}

func (s *Server) getJobMetrics(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, err := s.metrics.Snapshot(jobID)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	resp := map[string]any{"metrics": snap}
	if j, jerr := s.orch.Job(jobID); jerr == nil && j.Config.MaxPages > 0 {
		if eta, ok := s.metrics.EstimateCompletion(jobID, j.Config.MaxPages); ok {
			resp["estimated_completion_seconds"] = eta.Seconds()
		}
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

func (s *Server) getMetricSeries(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	metricName := chi.URLParam(r, "metric")
	window := r.URL.Query().Get("window")
	if window == "" {
		window = metrics.Window1h
	}

	stats, err := s.metrics.WindowStats(jobID, metricName, window)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	buckets, err := s.metrics.SeriesBuckets(jobID, metricName, window)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"metric":  metricName,
		"window":  window,
		"stats":   stats,
		"buckets": buckets,
	})
}

// writeControlError maps domain errors onto HTTP status codes.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, iteration.ErrNoIteration):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNoTargets),
		errors.Is(err, metrics.ErrUnknownMetric),
		errors.Is(err, metrics.ErrUnknownWindow),
		errors.Is(err, iteration.ErrNoBaseline),
		errors.Is(err, iteration.ErrBaselineExists):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrJobRunning),
		errors.Is(err, orchestrator.ErrJobNotPaused),
		errors.Is(err, orchestrator.ErrJobNotActive),
		errors.Is(err, orchestrator.ErrJobNotDone),
		errors.Is(err, iteration.ErrIterationRunning),
		errors.Is(err, job.ErrTerminal),
		errors.Is(err, job.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeJSON(logger, w, http.StatusInternalServerError,
						map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}
