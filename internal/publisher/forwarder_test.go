package publisher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawlcore/internal/events"
	"crawlcore/internal/publisher/memory"
)

func sampleEvent(id string) events.Event {
	return events.Event{
		ID:        id,
		JobID:     "job-1",
		Kind:      events.KindPageCrawled,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Severity:  events.SeverityInfo,
		Payload:   events.PageCrawled{URI: "https://example.com", Bytes: 1024},
	}
}

func TestForwarderPublishesEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	fwd := NewForwarder(pub, "crawl-events", zap.NewNop())

	fwd.Handle(sampleEvent("evt-1"))
	fwd.Handle(sampleEvent("evt-2"))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl-events", msgs[0].Topic)
	evt, ok := msgs[0].Payload.(events.Event)
	require.True(t, ok)
	require.Equal(t, "evt-1", evt.ID)
}

func TestForwarderDropsOnPublishFailure(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("broker down"))
	fwd := NewForwarder(pub, "crawl-events", zap.NewNop())

	fwd.Handle(sampleEvent("evt-1"))
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	fwd.Handle(sampleEvent("evt-2"))
	require.Len(t, pub.Messages(), 1)
}

func TestForwarderEndToEndThroughBus(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop()
	bus := events.NewBus(events.BusConfig{}, logger)
	defer bus.Close()

	pub := memory.New()
	fwd := NewForwarder(pub, "crawl-events", logger)
	bus.SubscribeAll(fwd.Handle)

	require.NoError(t, bus.Publish(sampleEvent("evt-1")))

	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
