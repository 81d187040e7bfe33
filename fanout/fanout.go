// Package fanout turns domain events into pushes to every interested live
// connection across a fleet of gateway processes.
//
// A Publisher serializes an event and publishes it on the broker channel of
// its class and scope. Every process runs a Subscriber holding one wildcard
// subscription per class; it resolves the audience of each event fresh and
// pushes it to the users that have a session in the local gateway.
package fanout

import (
	"context"

	"github.com/GetStream/realtime-fanout/event"
)

// A Broker is the shared broadcast medium. It is implemented by the redis
// package.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan event.Message, error)
}

// Membership resolves the members of a conversation.
type Membership interface {
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
}

// A Pusher delivers envelopes to connections held by this process.
type Pusher interface {
	// PushToUser delivers env to every live local session of userID. tag is
	// the destination the client sees the event under.
	PushToUser(userID, tag string, env event.Envelope) error
	// PushToTopic delivers env to every local connection subscribed to the
	// conversation.
	PushToTopic(conversationID string, env event.Envelope) error
}

// Presence reports whether a user has a live session in this process.
type Presence interface {
	IsOnline(userID string) bool
}

// Failure reasons used as metric labels.
const (
	reasonTimeout    = "timeout"
	reasonError      = "error"
	reasonEncode     = "encode"
	reasonChannel    = "channel"
	reasonPayload    = "payload"
	reasonKind       = "kind"
	reasonMembership = "membership"
	reasonPanic      = "panic"
)
