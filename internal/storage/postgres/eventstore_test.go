package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawlcore/internal/events"
)

func newTestEventStore(t *testing.T) (*EventStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	js, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)
	return NewEventStore(js, zap.NewNop()), mock
}

func TestEventStoreInsert(t *testing.T) {
	t.Parallel()

	store, mock := newTestEventStore(t)
	ts := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO crawl_events").
		WithArgs("evt-1", "job-1", "page_crawled", "info", ts, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Insert(context.Background(), events.Event{
		ID:        "evt-1",
		JobID:     "job-1",
		Kind:      events.KindPageCrawled,
		Severity:  events.SeverityInfo,
		Timestamp: ts,
		Payload:   events.PageCrawled{URI: "https://example.com", Bytes: 42},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreListByJob(t *testing.T) {
	t.Parallel()

	store, mock := newTestEventStore(t)
	ts := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{"id", "job_id", "kind", "severity", "ts", "payload"}).
		AddRow("evt-1", "job-1", "crawl_start", "info", ts, []byte(`{"targets":["https://example.com"]}`)).
		AddRow("evt-2", "job-1", "page_crawled", "info", ts.Add(time.Second), []byte(`{"url":"https://example.com"}`))

	mock.ExpectQuery("SELECT id, job_id, kind, severity, ts, payload").
		WithArgs("job-1", 100).
		WillReturnRows(rows)

	got, err := store.ListByJob(context.Background(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, events.KindCrawlStart, got[0].Kind)
	require.Equal(t, "evt-2", got[1].ID)
	require.JSONEq(t, `{"url":"https://example.com"}`, string(got[1].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreDeleteByJob(t *testing.T) {
	t.Parallel()

	store, mock := newTestEventStore(t)

	mock.ExpectExec("DELETE FROM crawl_events").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.DeleteByJob(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreHandleDropsOnError(t *testing.T) {
	t.Parallel()

	store, mock := newTestEventStore(t)

	mock.ExpectExec("INSERT INTO crawl_events").
		WithArgs("evt-1", "job-1", "info", "info", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	// Handle must swallow the error.
	store.Handle(events.Event{
		ID:        "evt-1",
		JobID:     "job-1",
		Kind:      events.KindInfo,
		Severity:  events.SeverityInfo,
		Timestamp: time.Now(),
	})
	require.NoError(t, mock.ExpectationsWereMet())
}
