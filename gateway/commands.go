package gateway

import (
	"context"
	"errors"

	"github.com/GetStream/realtime-fanout/api/validator"
	"github.com/GetStream/realtime-fanout/chat"
)

// Chat is the part of the conversation service reachable over websockets.
type Chat interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	SendMessage(ctx context.Context, actor, conversationID, text string) (chat.Message, error)
	ToggleReaction(ctx context.Context, actor, conversationID, messageID, reactionType string) (bool, error)
	Typing(ctx context.Context, actor, conversationID string, isTyping bool) error
}

type commands struct {
	chat Chat
	gw   *Gateway
	val  *validator.Validator
}

func (g *Gateway) registerCommands(c Chat) {
	cmd := &commands{chat: c, gw: g, val: validator.New()}
	g.On(TypeTyping, cmd.typing)
	g.On(TypeReaction, cmd.reaction)
	g.On(TypeMessageSend, cmd.messageSend)
	g.On(TypeSubscribe, cmd.subscribe)
	g.On(TypeUnsubscribe, cmd.unsubscribe)
}

// decode reads the frame body into v and validates it.
func (cmd *commands) decode(f Frame, v any) error {
	if err := decodeBody(f, v); err != nil {
		return err
	}
	if errs := cmd.val.ValidateStruct(v); len(errs) > 0 {
		return badRequest("%s: %s", f.Type, errs[0].Error())
	}
	return nil
}

func (cmd *commands) typing(ctx context.Context, c *Conn, f Frame) (any, error) {
	var body struct {
		ConversationID string `json:"conversationId" validate:"required"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := cmd.decode(f, &body); err != nil {
		return nil, err
	}
	return nil, cmd.chat.Typing(ctx, c.userID, body.ConversationID, body.IsTyping)
}

func (cmd *commands) reaction(ctx context.Context, c *Conn, f Frame) (any, error) {
	var body struct {
		ConversationID string `json:"conversationId" validate:"required"`
		MessageID      string `json:"messageId" validate:"required"`
		Type           string `json:"type" validate:"required,max=32"`
	}
	if err := cmd.decode(f, &body); err != nil {
		return nil, err
	}
	added, err := cmd.chat.ToggleReaction(ctx, c.userID, body.ConversationID, body.MessageID, body.Type)
	if err != nil {
		return nil, err
	}
	return struct {
		Added bool `json:"added"`
	}{added}, nil
}

func (cmd *commands) messageSend(ctx context.Context, c *Conn, f Frame) (any, error) {
	var body struct {
		ConversationID string `json:"conversationId" validate:"required"`
		Text           string `json:"text" validate:"required,max=4000"`
	}
	if err := cmd.decode(f, &body); err != nil {
		return nil, err
	}
	msg, err := cmd.chat.SendMessage(ctx, c.userID, body.ConversationID, body.Text)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type topicBody struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

func (cmd *commands) subscribe(ctx context.Context, c *Conn, f Frame) (any, error) {
	var body topicBody
	if err := cmd.decode(f, &body); err != nil {
		return nil, err
	}
	ok, err := cmd.chat.IsMember(ctx, body.ConversationID, c.userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chat.ErrNotMember
	}
	cmd.gw.subscribe(c, body.ConversationID)
	return body, nil
}

func (cmd *commands) unsubscribe(_ context.Context, c *Conn, f Frame) (any, error) {
	var body topicBody
	if err := cmd.decode(f, &body); err != nil {
		return nil, err
	}
	cmd.gw.unsubscribe(c, body.ConversationID)
	return body, nil
}

// clientError maps errors caused by the client to an error frame code and
// message.
func clientError(err error) (code, msg string, ok bool) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest, err.Error(), true
	case errorIs(err, chat.ErrNotMember, chat.ErrForbidden, chat.ErrNotFound):
		return CodeBadRequest, err.Error(), true
	}
	return "", "", false
}
