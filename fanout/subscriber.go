package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GetStream/realtime-fanout/event"
	"github.com/GetStream/realtime-fanout/metrics"
)

// Subscriber re-broadcasts broker messages to the connections of this
// process. Messages of one class are handled sequentially, in the order the
// broker delivers them; classes are independent of each other.
type Subscriber struct {
	broker   Broker
	members  Membership
	pusher   Pusher
	presence Presence
	logger   *slog.Logger
	metrics  *metrics.Metrics

	topicDelivery bool
	lookupTimeout time.Duration
}

const defaultLookupTimeout = 2 * time.Second

// A SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberMetrics sets the counters the subscriber records to.
func WithSubscriberMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// WithLookupTimeout bounds each membership lookup. The default is 2s.
func WithLookupTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.lookupTimeout = d
	}
}

// WithTopicDelivery pushes message.created once to the conversation topic
// instead of to each member. Only connections that subscribed to the
// conversation receive it.
func WithTopicDelivery() SubscriberOption {
	return func(s *Subscriber) {
		s.topicDelivery = true
	}
}

// NewSubscriber returns a subscriber that pushes through pusher to the users
// presence reports as connected.
func NewSubscriber(broker Broker, members Membership, pusher Pusher, presence Presence, logger *slog.Logger, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		broker:   broker,
		members:  members,
		pusher:   pusher,
		presence: presence,
		logger:   logger.With("component", "subscriber"),
		metrics:  metrics.New(nil),

		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run subscribes to the wildcard pattern of every event class and handles
// messages until ctx is done or every subscription has ended. It returns an
// error only when a subscription cannot be established.
func (s *Subscriber) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range event.Classes {
		msgs, err := s.broker.Subscribe(ctx, event.Pattern(c))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("subscribe %s: %w", c, err)
		}
		s.logger.Info("Subscribed", "class", c, "pattern", event.Pattern(c))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					s.Handle(ctx, c, msg)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Handle delivers one broker message received on a channel of class c.
func (s *Subscriber) Handle(ctx context.Context, c event.Class, msg event.Message) {
	class := string(c)
	s.metrics.Received.WithLabelValues(class).Inc()

	scope, ok := event.ScopeID(c, msg.Channel)
	if !ok {
		s.logger.Debug("Dropping message on unexpected channel", "class", class, "channel", msg.Channel)
		s.metrics.Dropped.WithLabelValues(class, reasonChannel).Inc()
		return
	}
	env, p, err := event.Decode(msg.Payload)
	if err != nil {
		s.logger.Warn("Could not decode event", "channel", msg.Channel, "error", err.Error())
		s.metrics.Dropped.WithLabelValues(class, reasonPayload).Inc()
		return
	}
	if env.Kind.Class() != c || p.Scope() != scope {
		s.logger.Warn("Dropping event not matching its channel", "channel", msg.Channel, "kind", env.Kind, "scope", p.Scope())
		s.metrics.Dropped.WithLabelValues(class, reasonKind).Inc()
		return
	}

	if c == event.ClassMessage && s.topicDelivery {
		s.deliver(c, scope, func() error {
			return s.pusher.PushToTopic(scope, env)
		})
		return
	}

	audience, err := s.audience(ctx, c, scope)
	if err != nil {
		s.logger.Error("Could not resolve audience", "channel", msg.Channel, "error", err.Error())
		s.metrics.Dropped.WithLabelValues(class, reasonMembership).Inc()
		return
	}

	// The actor is skipped for every class except new messages, which also go
	// to the sender's other sessions.
	actor := p.Actor()
	excludeActor := c != event.ClassMessage && actor != ""
	tag := string(env.Kind)
	for _, userID := range audience {
		if excludeActor && userID == actor {
			continue
		}
		if !s.presence.IsOnline(userID) {
			continue
		}
		s.deliver(c, userID, func() error {
			return s.pusher.PushToUser(userID, tag, env)
		})
	}
}

// audience returns the distinct users an event on the scope is addressed to.
// Conversation membership is looked up for every event.
func (s *Subscriber) audience(ctx context.Context, c event.Class, scope string) ([]string, error) {
	if c.UserScoped() {
		return []string{scope}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	members, err := s.members.MembersOf(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", scope, err)
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// deliver runs one push. A failing or panicking push only affects its own
// recipient.
func (s *Subscriber) deliver(c event.Class, target string, push func() error) {
	class := string(c)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Push panicked", "class", class, "target", target, "panic", fmt.Sprint(r))
			s.metrics.DeliveryFailures.WithLabelValues(class, reasonPanic).Inc()
		}
	}()
	if err := push(); err != nil {
		s.logger.Warn("Could not push event", "class", class, "target", target, "error", err.Error())
		s.metrics.DeliveryFailures.WithLabelValues(class, reasonError).Inc()
		return
	}
	s.metrics.Deliveries.WithLabelValues(class).Inc()
}
