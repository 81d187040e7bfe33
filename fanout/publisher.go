package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/GetStream/realtime-fanout/event"
	"github.com/GetStream/realtime-fanout/metrics"
)

const defaultPublishTimeout = 250 * time.Millisecond

// Publisher publishes events to the broker on behalf of every event class.
// Publishing is best effort: a failure is logged and counted but never
// reported to the caller, so a persisted write is never rolled back because
// the broadcast failed.
type Publisher struct {
	broker  Broker
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// A PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds every broker call. The default is 250ms.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = d
	}
}

// WithPublisherMetrics sets the counters the publisher records to.
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher returns a publisher on broker.
func NewPublisher(broker Broker, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:  broker,
		logger:  logger.With("component", "publisher"),
		metrics: metrics.New(nil),
		timeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends the event on the channel of its class and scope.
func (p *Publisher) Publish(ctx context.Context, payload event.Payload) {
	class := payload.Kind().Class()
	b, err := event.Encode(payload)
	if err != nil {
		p.logger.Error("Could not encode event", "kind", payload.Kind(), "error", err.Error())
		p.metrics.PublishFailures.WithLabelValues(string(class), reasonEncode).Inc()
		return
	}
	channel := event.Channel(class, payload.Scope())

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.broker.Publish(ctx, channel, b); err != nil {
		reason := failureReason(err)
		p.logger.Error("Could not publish event", "channel", channel, "reason", reason, "error", err.Error())
		p.metrics.PublishFailures.WithLabelValues(string(class), reason).Inc()
		return
	}
	p.metrics.Published.WithLabelValues(string(class)).Inc()
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reasonTimeout
	}
	return reasonError
}
