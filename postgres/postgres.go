package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/GetStream/realtime-fanout/chat"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Ping checks the connection.
func (pg *Postgres) Ping(ctx context.Context) error {
	return pg.bun.PingContext(ctx)
}

// Close closes the connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// CreateSchema creates the tables when they do not exist yet.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	models := []any{
		(*conversation)(nil),
		(*conversationMember)(nil),
		(*message)(nil),
		(*reaction)(nil),
		(*messageRead)(nil),
	}
	for _, m := range models {
		if _, err := pg.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, err := pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_conversation_created_idx").
		IfNotExists().
		Column("conversation_id", "created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation and its members. The returned
// conversation holds the generated id.
func (pg *Postgres) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	conv := &conversation{
		Name:      c.Name,
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
	}
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(conv).Returning("*").Exec(ctx); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		conv.Members = make([]conversationMember, len(c.Members))
		for i, userID := range c.Members {
			conv.Members[i] = conversationMember{ConversationID: conv.ID, UserID: userID}
		}
		if len(conv.Members) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&conv.Members).Returning("*").Exec(ctx); err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return conv.ChatConversation(), nil
}

// RenameConversation sets the name of a conversation.
func (pg *Postgres) RenameConversation(ctx context.Context, conversationID, name string) error {
	res, err := pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set("name = ?", name).
		Where("id = ?", conversationID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return checkAffected(res)
}

// MembersOf returns the user ids of the conversation members.
func (pg *Postgres) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := pg.bun.NewSelect().
		Model((*conversationMember)(nil)).
		Column("user_id").
		Where("conversation_id = ?", conversationID).
		Order("user_id").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return ids, nil
}

// IsMember reports whether userID is a member of the conversation.
func (pg *Postgres) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model((*conversationMember)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("user_id = ?", userID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return ok, nil
}

// AddMembers adds users to a conversation. Existing members are left alone.
func (pg *Postgres) AddMembers(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]conversationMember, len(userIDs))
	for i, id := range userIDs {
		rows[i] = conversationMember{ConversationID: conversationID, UserID: id}
	}
	if _, err := pg.bun.NewInsert().Model(&rows).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a conversation.
func (pg *Postgres) RemoveMember(ctx context.Context, conversationID, userID string) error {
	res, err := pg.bun.NewDelete().
		Model((*conversationMember)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return checkAffected(res)
}

// Message returns a message of the conversation.
func (pg *Postgres) Message(ctx context.Context, conversationID, messageID string) (chat.Message, error) {
	var m message
	err := pg.bun.NewSelect().
		Model(&m).
		Where("id = ?", messageID).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan: %w", err)
	}
	return m.ChatMessage(), nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	m := &message{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		MessageText:    msg.Text,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", err)
	}
	return m.ChatMessage(), nil
}

// UpdateMessage replaces the text of a message.
func (pg *Postgres) UpdateMessage(ctx context.Context, messageID, text string) (chat.Message, error) {
	var m message
	res, err := pg.bun.NewUpdate().
		Model(&m).
		Set("message_text = ?", text).
		Set("updated_at = now()").
		Where("id = ?", messageID).
		Where("deleted_at IS NULL").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("update: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return chat.Message{}, err
	}
	return m.ChatMessage(), nil
}

// DeleteMessage marks a message deleted and clears its text.
func (pg *Postgres) DeleteMessage(ctx context.Context, messageID string) (chat.Message, error) {
	var m message
	res, err := pg.bun.NewUpdate().
		Model(&m).
		Set("message_text = ''").
		Set("deleted_at = now()").
		Set("updated_at = now()").
		Where("id = ?", messageID).
		Where("deleted_at IS NULL").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("update: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return chat.Message{}, err
	}
	return m.ChatMessage(), nil
}

// ToggleReaction removes the reaction when present and inserts it otherwise.
func (pg *Postgres) ToggleReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error) {
	var added bool
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*reaction)(nil)).
			Where("message_id = ?", messageID).
			Where("user_id = ?", userID).
			Where("type = ?", reactionType).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		r := &reaction{MessageID: messageID, UserID: userID, Type: reactionType}
		if _, err := tx.NewInsert().Model(r).Exec(ctx); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// MarkSeen moves the read marker of a user in a conversation.
func (pg *Postgres) MarkSeen(ctx context.Context, conversationID, userID, messageID string) (time.Time, error) {
	r := &messageRead{ConversationID: conversationID, UserID: userID, MessageID: messageID}
	_, err := pg.bun.NewInsert().
		Model(r).
		On("CONFLICT (conversation_id, user_id) DO UPDATE").
		Set("message_id = EXCLUDED.message_id").
		Set("seen_at = now()").
		Returning("seen_at").
		Exec(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("upsert: %w", err)
	}
	return r.SeenAt, nil
}

// UnreadCount counts live messages of other users created after the message
// the user last read.
func (pg *Postgres) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	lastRead := pg.bun.NewSelect().
		TableExpr("message_reads AS r").
		Join("JOIN messages AS rm ON rm.id = r.message_id").
		ColumnExpr("rm.created_at").
		Where("r.conversation_id = ?", conversationID).
		Where("r.user_id = ?", userID)

	n, err := pg.bun.NewSelect().
		Model((*message)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("sender_id <> ?", userID).
		Where("deleted_at IS NULL").
		Where("created_at > COALESCE((?), '-infinity'::timestamptz)", lastRead).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
