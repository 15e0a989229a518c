// Package publisher forwards crawl events to external publish-subscribe
// systems for downstream consumers outside the process.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/events"
)

const publishTimeout = 5 * time.Second

// Publisher sends one payload to a named topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Forwarder adapts a Publisher into an event bus handler. Each forwarded
// event becomes one JSON message; publish failures are logged and dropped so
// egress trouble never stalls the crawl.
type Forwarder struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewForwarder builds a Forwarder targeting one topic.
func NewForwarder(pub Publisher, topic string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{pub: pub, topic: topic, logger: logger}
}

// Handle publishes one event. It satisfies events.Handler and is meant to be
// registered via bus.SubscribeAll.
func (f *Forwarder) Handle(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := f.pub.Publish(ctx, f.topic, evt); err != nil {
		f.logger.Warn("forwarding event failed",
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err),
		)
	}
}
