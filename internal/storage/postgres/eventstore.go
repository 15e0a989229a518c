package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/events"
)

const archiveTimeout = 3 * time.Second

// EventStore archives crawl events to Postgres so event history survives
// restarts and outlives the in-memory ring buffers. It shares the connection
// pool of the JobStore it is built from.
//
// Schema:
//
//	CREATE TABLE crawl_events (
//	    id       TEXT PRIMARY KEY,
//	    job_id   TEXT NOT NULL,
//	    kind     TEXT NOT NULL,
//	    severity TEXT NOT NULL,
//	    ts       TIMESTAMPTZ NOT NULL,
//	    payload  JSONB
//	);
//	CREATE INDEX crawl_events_job_ts ON crawl_events (job_id, ts);
type EventStore struct {
	pool   pgxPool
	logger *zap.Logger
}

// NewEventStore builds an EventStore on the JobStore's pool.
func NewEventStore(js *JobStore, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{pool: js.pool, logger: logger}
}

// Insert archives one event.
func (s *EventStore) Insert(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO crawl_events (id, job_id, kind, severity, ts, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.JobID, string(evt.Kind), string(evt.Severity), evt.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ArchivedEvent is one row of the durable event log. The payload is kept as
// raw JSON since the concrete shape depends on the kind.
type ArchivedEvent struct {
	ID        string
	JobID     string
	Kind      events.Kind
	Severity  events.Severity
	Timestamp time.Time
	Payload   json.RawMessage
}

// ListByJob returns a job's archived events in chronological order.
func (s *EventStore) ListByJob(ctx context.Context, jobID string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, kind, severity, ts, payload
		 FROM crawl_events
		 WHERE job_id = $1
		 ORDER BY ts ASC
		 LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ArchivedEvent
	for rows.Next() {
		var evt ArchivedEvent
		var kind, severity string
		if err := rows.Scan(&evt.ID, &evt.JobID, &kind, &severity, &evt.Timestamp, &evt.Payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Kind = events.Kind(kind)
		evt.Severity = events.Severity(severity)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// DeleteByJob drops a job's archived events, used when the job itself is
// deleted.
func (s *EventStore) DeleteByJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_events WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// Handle is a bus subscriber that archives each event with a short
// per-insert deadline. Failures are logged and dropped so archiving never
// stalls crawling.
func (s *EventStore) Handle(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.Insert(ctx, evt); err != nil {
		s.logger.Warn("archiving event failed",
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err))
	}
}
