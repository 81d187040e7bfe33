package redis

import (
	"context"
	"fmt"

	"github.com/GetStream/realtime-fanout/event"
)

// Publish sends payload to every subscriber of channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.cli.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to a wildcard channel pattern. Messages are delivered
// on the returned channel, in publish order per channel, until ctx is done.
// The subscription is confirmed before Subscribe returns.
func (r *Redis) Subscribe(ctx context.Context, pattern string) (<-chan event.Message, error) {
	ps := r.cli.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	in := ps.Channel()
	out := make(chan event.Message)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- event.Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
