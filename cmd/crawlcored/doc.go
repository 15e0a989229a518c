// Package main hosts the crawl coordination service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job control endpoints. Submissions are validated,
//     normalized into job.Job records, persisted via the JobStore, and handed to the orchestrator, which drives each
//     job through its lifecycle states in a dedicated goroutine.
//   - Events: every lifecycle transition, crawled page, and checkpoint publishes onto the in-process event bus.
//     Per-job ring buffers retain recent history for the events API; subscribers (metrics aggregator, Prometheus
//     sink, optional Pub/Sub forwarder) receive events asynchronously with overflow counted rather than blocking.
//   - Metrics: the aggregator folds events into per-job time series with 5m/1h/24h windows and powers the per-job
//     metrics endpoints, including completion estimates. The Prometheus sink mirrors the same stream onto the
//     registry scraped at /metrics.
//   - Checkpoints & iterations: the checkpoint manager snapshots crawl progress (automatic page cadence, manual,
//     pause, and error triggers) to the memory or compressed filesystem store and prunes old automatic snapshots.
//     The iteration manager keeps per-URI fingerprints (memory or Redis) and classifies pages as new, modified,
//     unchanged, or deleted across baseline, incremental, and full recrawls.
//   - Persistence: the durable job catalog lives in Postgres via pgx when a DSN is configured, otherwise in memory.
//     The /v1/history/jobs routes read from the same store.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; OpenTelemetry
//     traces orchestrator spans and bridges runtime metrics into the Prometheus registry.
//
// Operational notes:
//   - Concurrency model: one goroutine per active job, coordinated through the orchestrator's run registry. Pause is
//     cooperative (checked between pages); cancel propagates through context. Shutdown drains active jobs by
//     checkpointing and pausing them before the process exits.
//   - Fetching: the bundled HTTP worker performs probe (HEAD) and fetch (GET) requests. Production deployments can
//     swap in an external fetch fleet behind the same interface.
//   - Resumability: jobs resume from their latest (or a pinned) checkpoint, and incremental iterations skip pages
//     whose validators and content hashes are unchanged.
//
// Quick checklist:
//   - Configure env vars with the CRAWLCORE_ prefix: CRAWLCORE_SERVER_PORT, CRAWLCORE_DB_DSN,
//     CRAWLCORE_CHECKPOINTS_BACKEND=fs with CRAWLCORE_CHECKPOINTS_DIR, CRAWLCORE_FINGERPRINTS_BACKEND=redis with
//     CRAWLCORE_FINGERPRINTS_REDIS_ADDR, and CRAWLCORE_PUBSUB_* when event egress is required.
//   - Run locally: go run ./cmd/crawlcored -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM with a graceful drain: HTTP stops accepting work, then active jobs are
//     checkpointed and paused so a restarted instance can resume them.
package main
