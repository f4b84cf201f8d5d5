package services

import (
	"chat-dm/contract"
	"chat-dm/domain"
	"chat-dm/domain/event"
	"chat-dm/errors"
	"chat-dm/repositories"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"
)

type IChatService interface {
	SendMessage(ctx context.Context, senderID, receiverID domain.UserID, body string) (domain.Message, error)
	StartConversation(ctx context.Context, userID, otherID domain.UserID) (domain.ConversationSummary, error)
	NotifyTyping(ctx context.Context, userID domain.UserID, conversationID domain.ConversationID, isTyping bool) error
	GetConversations(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error)
	GetMessages(ctx context.Context, userID domain.UserID, conversationID domain.ConversationID) ([]domain.Message, error)
	Join(ctx context.Context, userID domain.UserID, connID string, channel domain.ChannelID, sink contract.EventSink) error
	Leave(connID string, channel domain.ChannelID)
	Disconnect(connID string)
	GetUser(ctx context.Context, userID, otherID domain.UserID) (domain.User, error)
	ListUsers(ctx context.Context, userID domain.UserID) ([]domain.User, error)
	Profile(ctx context.Context, userID domain.UserID) (domain.User, error)
}

// ChatService orchestrates the stores and the dispatcher.
// It keeps no state between calls: the authenticated user id is always an
// explicit argument.
type ChatService struct {
	log           *slog.Logger
	users         repositories.IUserRepository
	conversations repositories.IConversationRepository
	messages      repositories.IMessageRepository
	dispatcher    contract.IDispatcher
	clock         func() time.Time
}

func NewChatService(log *slog.Logger,
	users repositories.IUserRepository,
	conversations repositories.IConversationRepository,
	messages repositories.IMessageRepository,
	dispatcher contract.IDispatcher) *ChatService {
	return &ChatService{
		log:           log,
		users:         users,
		conversations: conversations,
		messages:      messages,
		dispatcher:    dispatcher,
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// SendMessage persists then publishes.
// Nothing is written when validation fails, and nothing is published when
// persistence fails. Broadcast failures never fail the call.
func (s *ChatService) SendMessage(ctx context.Context, senderID, receiverID domain.UserID, body string) (domain.Message, error) {
	if _, _, err := domain.CanonicalPair(senderID, receiverID); err != nil {
		return domain.Message{}, err
	}
	if err := domain.ValidateBody(body); err != nil {
		return domain.Message{}, err
	}
	if err := s.requireUser(receiverID); err != nil {
		return domain.Message{}, err
	}

	conversation, _, err := s.conversations.FindOrCreate(senderID, receiverID)
	if err != nil {
		return domain.Message{}, err
	}
	message, err := s.messages.Append(conversation.ID, senderID, body)
	if err != nil {
		return domain.Message{}, err
	}

	s.dispatcher.Publish(ctx, event.NewMessageSent(message))
	return message, nil
}

// StartConversation resolves the pair without writing a message or
// publishing anything.
func (s *ChatService) StartConversation(ctx context.Context, userID, otherID domain.UserID) (domain.ConversationSummary, error) {
	if _, _, err := domain.CanonicalPair(userID, otherID); err != nil {
		return domain.ConversationSummary{}, err
	}
	if err := s.requireUser(otherID); err != nil {
		return domain.ConversationSummary{}, err
	}
	conversation, created, err := s.conversations.FindOrCreate(userID, otherID)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	if created {
		s.log.Info("Conversation started", "conversation_id", conversation.ID, "user_id", userID)
	}
	return s.conversations.Summary(conversation, userID)
}

// NotifyTyping broadcasts a transient typing signal to the conversation.
func (s *ChatService) NotifyTyping(ctx context.Context, userID domain.UserID, conversationID domain.ConversationID, isTyping bool) error {
	if _, err := s.participant(conversationID, userID); err != nil {
		return err
	}
	user, err := s.users.GetUser(userID)
	if err != nil && !goerrors.Is(err, errors.ErrUserNotFound) {
		return err
	}
	state := domain.TypingState{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		IssuedAt:       s.clock(),
	}
	s.dispatcher.Publish(ctx, event.NewUserTyping(state, user.Name))
	return nil
}

func (s *ChatService) GetConversations(_ context.Context, userID domain.UserID) ([]domain.ConversationSummary, error) {
	return s.conversations.ListForUser(userID)
}

// GetMessages lists the conversation then marks what the viewer received
// as read. Viewing is acknowledging: this read path is not read-only.
func (s *ChatService) GetMessages(_ context.Context, userID domain.UserID, conversationID domain.ConversationID) ([]domain.Message, error) {
	if _, err := s.participant(conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := s.messages.ListForConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}
	// Only what was listed is acknowledged. A message appended after the
	// listing stays unread for the next call.
	if _, err := s.messages.MarkReadThrough(conversationID, userID, messages[len(messages)-1]); err != nil {
		return nil, err
	}
	return messages, nil
}

// Join registers a live connection on a conversation channel.
func (s *ChatService) Join(ctx context.Context, userID domain.UserID, connID string, channel domain.ChannelID, sink contract.EventSink) error {
	return s.dispatcher.Subscribe(ctx, channel, contract.Subscriber{ConnID: connID, UserID: userID, Sink: sink})
}

func (s *ChatService) Leave(connID string, channel domain.ChannelID) {
	s.dispatcher.Unsubscribe(connID, channel)
}

func (s *ChatService) Disconnect(connID string) {
	s.dispatcher.Disconnect(connID)
}

// GetUser looks up another user's public profile.
func (s *ChatService) GetUser(_ context.Context, userID, otherID domain.UserID) (domain.User, error) {
	if userID == otherID {
		return domain.User{}, errors.ErrSelfMessage
	}
	return s.users.GetUser(otherID)
}

func (s *ChatService) ListUsers(_ context.Context, userID domain.UserID) ([]domain.User, error) {
	return s.users.ListUsers(userID)
}

// Profile returns the authenticated user.
func (s *ChatService) Profile(_ context.Context, userID domain.UserID) (domain.User, error) {
	return s.users.GetUser(userID)
}

// participant turns a missing membership into ErrForbidden.
func (s *ChatService) participant(conversationID domain.ConversationID, userID domain.UserID) (domain.Conversation, error) {
	conversation, err := s.conversations.Get(conversationID, userID)
	if goerrors.Is(err, errors.ErrNotFound) {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %d", errors.ErrForbidden, conversationID)
	}
	return conversation, err
}

func (s *ChatService) requireUser(id domain.UserID) error {
	_, err := s.users.GetUser(id)
	return err
}
