package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/GetStream/realtime-fanout/chat"
)

type conversation struct {
	bun.BaseModel `bun:"table:conversations"`

	ID        string               `bun:",pk,type:uuid,default:gen_random_uuid()"`
	Name      string               `bun:",nullzero"`
	CreatedBy string               `bun:",notnull"`
	CreatedAt time.Time            `bun:",nullzero,notnull,default:now()"`
	Members   []conversationMember `bun:"rel:has-many,join:id=conversation_id"`
}

type conversationMember struct {
	bun.BaseModel `bun:"table:conversation_members"`

	ConversationID string    `bun:",pk,type:uuid"`
	UserID         string    `bun:",pk"`
	JoinedAt       time.Time `bun:",nullzero,notnull,default:now()"`
}

// A message represents a message in the database. Deleted messages keep
// their row with the text cleared.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID             string    `bun:",pk,type:uuid,default:gen_random_uuid()"`
	ConversationID string    `bun:",notnull,type:uuid"`
	SenderID       string    `bun:",notnull"`
	MessageText    string    `bun:"message_text,notnull"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
	UpdatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
	DeletedAt      time.Time `bun:",nullzero"`
}

type reaction struct {
	bun.BaseModel `bun:"table:reactions"`

	MessageID string    `bun:",pk,type:uuid"`
	UserID    string    `bun:",pk"`
	Type      string    `bun:",pk"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

type messageRead struct {
	bun.BaseModel `bun:"table:message_reads"`

	ConversationID string    `bun:",pk,type:uuid"`
	UserID         string    `bun:",pk"`
	MessageID      string    `bun:",notnull,type:uuid"`
	SeenAt         time.Time `bun:",nullzero,notnull,default:now()"`
}

func (c conversation) ChatConversation() chat.Conversation {
	members := make([]string, len(c.Members))
	for i, m := range c.Members {
		members[i] = m.UserID
	}
	return chat.Conversation{
		ID:        c.ID,
		Name:      c.Name,
		CreatedBy: c.CreatedBy,
		Members:   members,
		CreatedAt: c.CreatedAt,
	}
}

func (m message) ChatMessage() chat.Message {
	return chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.MessageText,
		Deleted:        !m.DeletedAt.IsZero(),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
