// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/{id}/pause|resume|cancel|continue for job control.
//   - GET /v1/jobs/{id}/status, /events, /metrics, /checkpoints, /iterations
//     for per-job observation.
//   - GET /v1/history/jobs for the durable job catalog via the job.Store
//     interface.
package api
