package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/GetStream/realtime-fanout/event"
)

// Service applies user actions to conversations. Every action is persisted
// before it is published, and a publish failure never fails the action.
type Service struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a service persisting to store and publishing to pub.
func NewService(store Store, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "chat"),
		now:    time.Now,
	}
}

// IsMember reports whether userID belongs to the conversation.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := s.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return ok, nil
}

func (s *Service) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// CreateConversation creates a conversation of actor and members.
func (s *Service) CreateConversation(ctx context.Context, actor, name string, members []string) (Conversation, error) {
	all := append([]string{actor}, members...)
	slices.Sort(all)
	all = slices.Compact(all)

	c, err := s.store.CreateConversation(ctx, Conversation{
		Name:      name,
		CreatedBy: actor,
		Members:   all,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.pub.Publish(ctx, event.GroupEvent{
		ConversationID: c.ID,
		ActorID:        actor,
		Type:           event.GroupCreated,
		UserIDs:        c.Members,
		Name:           c.Name,
	})
	return c, nil
}

// RenameConversation changes the display name of a conversation.
func (s *Service) RenameConversation(ctx context.Context, actor, conversationID, name string) error {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return err
	}
	if err := s.store.RenameConversation(ctx, conversationID, name); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	s.pub.Publish(ctx, event.GroupEvent{
		ConversationID: conversationID,
		ActorID:        actor,
		Type:           event.GroupRenamed,
		Name:           name,
	})
	return nil
}

// AddMembers adds users to a conversation actor belongs to.
func (s *Service) AddMembers(ctx context.Context, actor, conversationID string, userIDs []string) error {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return err
	}
	if err := s.store.AddMembers(ctx, conversationID, userIDs); err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	s.pub.Publish(ctx, event.GroupEvent{
		ConversationID: conversationID,
		ActorID:        actor,
		Type:           event.GroupMemberAdded,
		UserIDs:        userIDs,
	})
	return nil
}

// RemoveMember removes a user from a conversation actor belongs to. The
// removed user is no longer a member when the event is delivered, so only
// the remaining members see it.
func (s *Service) RemoveMember(ctx context.Context, actor, conversationID, userID string) error {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.pub.Publish(ctx, event.GroupEvent{
		ConversationID: conversationID,
		ActorID:        actor,
		Type:           event.GroupMemberRemoved,
		UserIDs:        []string{userID},
	})
	return nil
}

// SendMessage posts a message and updates the unread count of every other
// member.
func (s *Service) SendMessage(ctx context.Context, actor, conversationID, text string) (Message, error) {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return Message{}, err
	}
	now := s.now()
	msg, err := s.store.InsertMessage(ctx, Message{
		ConversationID: conversationID,
		SenderID:       actor,
		Text:           text,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.pub.Publish(ctx, event.MessageCreated{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       actor,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	})
	s.publishUnread(ctx, conversationID, actor)
	return msg, nil
}

func (s *Service) publishUnread(ctx context.Context, conversationID, actor string) {
	members, err := s.store.MembersOf(ctx, conversationID)
	if err != nil {
		s.logger.Error("Could not list members for unread counts", "conversation", conversationID, "error", err.Error())
		return
	}
	for _, m := range members {
		if m == actor {
			continue
		}
		n, err := s.store.UnreadCount(ctx, conversationID, m)
		if err != nil {
			s.logger.Error("Could not count unread messages", "conversation", conversationID, "user", m, "error", err.Error())
			continue
		}
		s.pub.Publish(ctx, event.UnreadUpdated{UserID: m, ConversationID: conversationID, Count: n})
	}
}

// ownMessage returns the message if actor sent it.
func (s *Service) ownMessage(ctx context.Context, actor, conversationID, messageID string) (Message, error) {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return Message{}, err
	}
	msg, err := s.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if msg.SenderID != actor {
		return Message{}, ErrForbidden
	}
	if msg.Deleted {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

// EditMessage replaces the text of a message actor sent.
func (s *Service) EditMessage(ctx context.Context, actor, conversationID, messageID, text string) (Message, error) {
	if _, err := s.ownMessage(ctx, actor, conversationID, messageID); err != nil {
		return Message{}, err
	}
	msg, err := s.store.UpdateMessage(ctx, messageID, text)
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	s.pub.Publish(ctx, event.MessageUpdated{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         actor,
		Text:           msg.Text,
		UpdatedAt:      msg.UpdatedAt,
	})
	return msg, nil
}

// DeleteMessage deletes a message actor sent.
func (s *Service) DeleteMessage(ctx context.Context, actor, conversationID, messageID string) (Message, error) {
	if _, err := s.ownMessage(ctx, actor, conversationID, messageID); err != nil {
		return Message{}, err
	}
	msg, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	s.pub.Publish(ctx, event.MessageUpdated{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         actor,
		Deleted:        true,
		UpdatedAt:      msg.UpdatedAt,
	})
	return msg, nil
}

// ToggleReaction adds or removes actor's reaction of reactionType.
func (s *Service) ToggleReaction(ctx context.Context, actor, conversationID, messageID, reactionType string) (bool, error) {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return false, err
	}
	if _, err := s.store.Message(ctx, conversationID, messageID); err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}
	added, err := s.store.ToggleReaction(ctx, messageID, actor, reactionType)
	if err != nil {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}
	s.pub.Publish(ctx, event.ReactionToggled{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         actor,
		Type:           reactionType,
		Added:          added,
	})
	return added, nil
}

// Typing announces that actor started or stopped typing. Nothing is stored.
func (s *Service) Typing(ctx context.Context, actor, conversationID string, isTyping bool) error {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return err
	}
	s.pub.Publish(ctx, event.Typing{ConversationID: conversationID, UserID: actor, IsTyping: isTyping})
	return nil
}

// MarkSeen moves actor's read marker to messageID. The other members see the
// receipt; actor's own sessions get the unread count left after the marker.
func (s *Service) MarkSeen(ctx context.Context, actor, conversationID, messageID string) (time.Time, error) {
	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return time.Time{}, err
	}
	if _, err := s.store.Message(ctx, conversationID, messageID); err != nil {
		return time.Time{}, fmt.Errorf("get message: %w", err)
	}
	seenAt, err := s.store.MarkSeen(ctx, conversationID, actor, messageID)
	if err != nil {
		return time.Time{}, fmt.Errorf("mark seen: %w", err)
	}
	s.pub.Publish(ctx, event.SeenUpdated{
		ConversationID: conversationID,
		UserID:         actor,
		MessageID:      messageID,
		SeenAt:         seenAt,
	})
	n, err := s.store.UnreadCount(ctx, conversationID, actor)
	if err != nil {
		s.logger.Error("Could not count unread messages", "conversation", conversationID, "user", actor, "error", err.Error())
		return seenAt, nil
	}
	s.pub.Publish(ctx, event.UnreadUpdated{UserID: actor, ConversationID: conversationID, Count: n})
	return seenAt, nil
}
