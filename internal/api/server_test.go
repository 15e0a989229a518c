package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawlcore/internal/checkpoint"
	"crawlcore/internal/config"
	"crawlcore/internal/events"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
	"crawlcore/internal/metrics"
	"crawlcore/internal/orchestrator"
	"crawlcore/internal/storage/memory"
)

type apiClock struct{}

func (apiClock) Now() time.Time { return time.Now().UTC() }

type apiIDs struct {
	mu sync.Mutex
	n  int
}

func (g *apiIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type apiWorker struct {
	mu      sync.Mutex
	results map[string]job.FetchResult
}

func newAPIWorker() *apiWorker {
	return &apiWorker{results: make(map[string]job.FetchResult)}
}

func (w *apiWorker) page(uri, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[uri] = job.FetchResult{
		Status:      job.FetchSuccess,
		URI:         uri,
		ContentHash: hash,
		Bytes:       1024,
		Duration:    5 * time.Millisecond,
	}
}

func (w *apiWorker) Probe(_ context.Context, _ job.FetchRequest) (job.FetchProbe, error) {
	return job.FetchProbe{}, nil
}

func (w *apiWorker) Fetch(_ context.Context, req job.FetchRequest) (job.FetchResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, ok := w.results[req.URI]
	if !ok {
		return job.FetchResult{}, fmt.Errorf("unscripted uri %s", req.URI)
	}
	return res, nil
}

type testEnv struct {
	server *Server
	worker *apiWorker
	orch   *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 60
	}

	logger := zap.NewNop()
	clock := apiClock{}
	ids := &apiIDs{}

	bus := events.NewBus(events.BusConfig{}, logger)
	t.Cleanup(bus.Close)

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)
	bus.SubscribeAll(sink.Handle)

	agg := metrics.NewAggregator(clock, logger)
	bus.SubscribeAll(agg.Handle)

	fps := fingerprint.NewMemoryStore()
	iters := iteration.NewManager(fps, clock, logger)
	ckpts := checkpoint.NewManager(checkpoint.NewMemoryStore(), clock, ids, bus, logger)
	jobs := memory.NewJobStore()

	worker := newAPIWorker()
	orch := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Store:       jobs,
		Bus:         bus,
		Metrics:     agg,
		Checkpoints: ckpts,
		Iterations:  iters,
		Worker:      worker,
		Clock:       clock,
		IDs:         ids,
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	server := NewServer(cfg, Deps{
		Orchestrator: orch,
		Bus:          bus,
		Metrics:      agg,
		Checkpoints:  ckpts,
		Iterations:   iters,
		Registry:     reg,
		Logger:       logger,
	})
	return &testEnv{server: server, worker: worker, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submitAndFinish(t *testing.T, uris ...string) string {
	t.Helper()
	for _, u := range uris {
		e.worker.page(u, "hash-"+u)
	}
	payload, err := json.Marshal(map[string]any{"targets": uris})
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/v1/jobs", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		st, err := e.orch.Status(jobID)
		return err == nil && st.CurrentState == job.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)
	return jobID
}

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"current_state":"completed"`)
	require.Contains(t, rec.Body.String(), `"urls_crawled":1`)
}

func TestServer_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/jobs", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitJob_MissingTargets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/jobs", []byte(`{"targets":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no target")
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/v1/jobs/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs"`)
	require.Contains(t, rec.Body.String(), `"completed"`)
}

func TestServer_PauseConflictsWhenNotRunning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CancelTerminalConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", []byte(`{"reason":"operator"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StartIterationAndCompare(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	uri := "https://example.com/a"
	jobID := env.submitAndFinish(t, uri)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/iterations", []byte(`{"mode":"full"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		st, err := env.orch.Status(jobID)
		return err == nil && st.CurrentState == job.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/iterations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"baseline"`)
	require.Contains(t, rec.Body.String(), `"full"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/iterations/compare?older=0&newer=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cmp iteration.Comparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmp))
	require.Len(t, cmp.Unchanged, 1)
}

func TestServer_CheckpointEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/checkpoints", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"checkpoint_id"`)
	require.Contains(t, rec.Body.String(), `"manual"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"manual"`)
}

func TestServer_EventsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"crawl_complete"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?kind=page_crawled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"page_crawled"`)
	require.NotContains(t, rec.Body.String(), `"crawl_complete"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?limit=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_JobMetricsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a", "https://example.com/b")

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"urls_crawled":2`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/metrics/urls_crawled/series?window=5m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stats"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/metrics/bogus/series", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/metrics/urls_crawled/series?window=2h", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PrometheusEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawlcore_pages_crawled_total")
}

func TestServer_DeleteJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	jobID := env.submitAndFinish(t, "https://example.com/a")

	rec := env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	rec := env.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
