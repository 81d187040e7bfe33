// Package chat holds the conversation domain: it checks what a user may do,
// persists the change through a Store and announces it to live clients.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/GetStream/realtime-fanout/event"
)

var (
	ErrNotMember = errors.New("not a member of the conversation")
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// A Conversation is a direct or group conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"createdBy"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// A Message is a persisted message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// A Store persists conversations, messages, reactions and read markers.
// Lookups of a missing conversation or message return ErrNotFound.
type Store interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	RenameConversation(ctx context.Context, conversationID, name string) error
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	AddMembers(ctx context.Context, conversationID string, userIDs []string) error
	RemoveMember(ctx context.Context, conversationID, userID string) error

	Message(ctx context.Context, conversationID, messageID string) (Message, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessage(ctx context.Context, messageID, text string) (Message, error)
	DeleteMessage(ctx context.Context, messageID string) (Message, error)

	// ToggleReaction adds the reaction when absent and removes it otherwise.
	ToggleReaction(ctx context.Context, messageID, userID, reactionType string) (added bool, err error)
	MarkSeen(ctx context.Context, conversationID, userID, messageID string) (time.Time, error)
	// UnreadCount counts live messages from other users newer than the
	// user's read marker.
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// A Publisher announces events. Publishing never fails from the caller's
// point of view.
type Publisher interface {
	Publish(ctx context.Context, p event.Payload)
}
