package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// A Kind is the discriminant of an Envelope.
type Kind string

const (
	KindMessageCreated  Kind = "message.created"
	KindMessageUpdated  Kind = "message.updated"
	KindReactionToggled Kind = "reaction.toggled"
	KindTyping          Kind = "typing"
	KindSeenUpdated     Kind = "seen.updated"
	KindUnreadUpdated   Kind = "unread.updated"
	KindGroupEvent      Kind = "group.event"
)

var kindClasses = map[Kind]Class{
	KindMessageCreated:  ClassMessage,
	KindMessageUpdated:  ClassMessageUpdate,
	KindReactionToggled: ClassReaction,
	KindTyping:          ClassTyping,
	KindSeenUpdated:     ClassSeen,
	KindUnreadUpdated:   ClassUnread,
	KindGroupEvent:      ClassGroupEvent,
}

// Class returns the channel class events of this kind are published on.
func (k Kind) Class() Class {
	return kindClasses[k]
}

// ErrUnknownKind is returned when decoding an envelope with an unrecognised
// discriminant.
var ErrUnknownKind = errors.New("unknown event kind")

// A Payload is one variant of the event union.
type Payload interface {
	// Kind returns the discriminant of the variant.
	Kind() Kind
	// Scope returns the conversation id, or the user id for user-scoped kinds.
	Scope() string
	// Actor returns the user whose action produced the event. It is empty when
	// the event has no actor.
	Actor() string
}

// An Envelope is the wire form of an event: the discriminant plus the raw
// payload of the matching variant.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Wrap encodes a payload into an envelope.
func Wrap(p Payload) (Envelope, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", p.Kind(), err)
	}
	return Envelope{Kind: p.Kind(), Data: b}, nil
}

// Encode wraps a payload and serializes the envelope.
func Encode(p Payload) ([]byte, error) {
	env, err := Wrap(p)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses a serialized envelope and its payload into the matching
// variant.
func Decode(b []byte) (Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	p, err := env.Payload()
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, p, nil
}

// Payload decodes the envelope data into the variant named by Kind.
func (e Envelope) Payload() (Payload, error) {
	var p Payload
	switch e.Kind {
	case KindMessageCreated:
		p = &MessageCreated{}
	case KindMessageUpdated:
		p = &MessageUpdated{}
	case KindReactionToggled:
		p = &ReactionToggled{}
	case KindTyping:
		p = &Typing{}
	case KindSeenUpdated:
		p = &SeenUpdated{}
	case KindUnreadUpdated:
		p = &UnreadUpdated{}
	case KindGroupEvent:
		p = &GroupEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", e.Kind, err)
	}
	return p, nil
}

// MessageCreated is published when a message is posted to a conversation.
type MessageCreated struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (MessageCreated) Kind() Kind { return KindMessageCreated }
func (m MessageCreated) Scope() string { return m.ConversationID }
func (m MessageCreated) Actor() string { return m.SenderID }

// MessageUpdated is published when a message is edited or deleted.
type MessageUpdated struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	Text           string    `json:"text,omitempty"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (MessageUpdated) Kind() Kind { return KindMessageUpdated }
func (m MessageUpdated) Scope() string { return m.ConversationID }
func (m MessageUpdated) Actor() string { return m.UserID }

// ReactionToggled is published when a user adds or removes a reaction.
type ReactionToggled struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Type           string `json:"type"`
	Added          bool   `json:"added"`
}

func (ReactionToggled) Kind() Kind { return KindReactionToggled }
func (r ReactionToggled) Scope() string { return r.ConversationID }
func (r ReactionToggled) Actor() string { return r.UserID }

// Typing is published when a user starts or stops typing.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (Typing) Kind() Kind { return KindTyping }
func (t Typing) Scope() string { return t.ConversationID }
func (t Typing) Actor() string { return t.UserID }

// SeenUpdated is published when a user reads a conversation up to a message.
type SeenUpdated struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId"`
	SeenAt         time.Time `json:"seenAt"`
}

func (SeenUpdated) Kind() Kind { return KindSeenUpdated }
func (s SeenUpdated) Scope() string { return s.ConversationID }
func (s SeenUpdated) Actor() string { return s.UserID }

// UnreadUpdated carries a user's new unread count for one conversation. It is
// scoped to the user it is addressed to and has no actor.
type UnreadUpdated struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

func (UnreadUpdated) Kind() Kind { return KindUnreadUpdated }
func (u UnreadUpdated) Scope() string { return u.UserID }
func (UnreadUpdated) Actor() string { return "" }

// Group event types.
const (
	GroupCreated       = "created"
	GroupMemberAdded   = "member_added"
	GroupMemberRemoved = "member_removed"
	GroupRenamed       = "renamed"
)

// GroupEvent is published when the membership or metadata of a conversation
// changes.
type GroupEvent struct {
	ConversationID string   `json:"conversationId"`
	ActorID        string   `json:"actorId"`
	Type           string   `json:"type"`
	UserIDs        []string `json:"userIds,omitempty"`
	Name           string   `json:"name,omitempty"`
}

func (GroupEvent) Kind() Kind { return KindGroupEvent }
func (g GroupEvent) Scope() string { return g.ConversationID }
func (g GroupEvent) Actor() string { return g.ActorID }
