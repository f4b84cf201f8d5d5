package services

import (
	"chat-dm/domain"
	"chat-dm/domain/event"
	"chat-dm/errors"
	"chat-dm/mocks"
	"chat-dm/repositories"
	"chat-dm/runtime"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	users         *repositories.UserRepository
	conversations *repositories.ConversationRepository
	messages      *repositories.MessageRepository
	alice, bob    domain.User
	eve           domain.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	locks := repositories.NewConversationLocks()
	users, err := repositories.NewUserRepository(db, log)
	req.NoError(err)
	conversations, err := repositories.NewConversationRepository(db, log, locks, 3)
	req.NoError(err)
	messages, err := repositories.NewMessageRepository(db, log, locks)
	req.NoError(err)
	t.Cleanup(func() {
		_ = users.Close()
		_ = conversations.Close()
		_ = messages.Close()
		_ = db.Close()
	})

	alice, err := users.CreateUser("Alice", "alice@example.com")
	req.NoError(err)
	bob, err := users.CreateUser("Bob", "bob@example.com")
	req.NoError(err)
	eve, err := users.CreateUser("Eve", "eve@example.com")
	req.NoError(err)
	return fixture{users: users, conversations: conversations, messages: messages, alice: alice, bob: bob, eve: eve}
}

func (f fixture) service(dispatcher *mocks.MockIDispatcher) *ChatService {
	return NewChatService(slog.Default(), f.users, f.conversations, f.messages, dispatcher)
}

// recorder captures every event delivered to one connection.
type recorder struct {
	mu     sync.Mutex
	events []event.DomainEvent
}

func (r *recorder) Consume(_ context.Context, e event.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) received() []event.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.DomainEvent(nil), r.events...)
}

func TestChatService_Scenario_Two_Users(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dispatcher := runtime.NewDispatcher(log, runtime.NewRegistry(), f.conversations, time.Second, 16)
	run(t, dispatcher)
	service := NewChatService(log, f.users, f.conversations, f.messages, dispatcher)

	// Given alice and bob have no conversation
	conversations, err := service.GetConversations(ctx, f.alice.ID)
	req.NoError(err)
	req.Empty(conversations)

	// When alice says hi
	m1, err := service.SendMessage(ctx, f.alice.ID, f.bob.ID, "hi")
	req.NoError(err)

	// Then a conversation exists and its activity is the message time
	conversations, err = service.GetConversations(ctx, f.alice.ID)
	req.NoError(err)
	req.Len(conversations, 1)
	channel := domain.ChannelFor(m1.ConversationID)
	req.True(m1.CreatedAt.Equal(conversations[0].LastActivity))
	req.Equal(f.alice.Ref(), m1.Sender)

	// Given bob is connected to the conversation channel
	bobLive := &recorder{}
	req.NoError(service.Join(ctx, f.bob.ID, "bob-tab", channel, bobLive))

	// When bob answers
	m2, err := service.SendMessage(ctx, f.bob.ID, f.alice.ID, "hey")
	req.NoError(err)

	// Then the same conversation is reused and bob's connection got the event
	req.Equal(m1.ConversationID, m2.ConversationID)
	conversations, err = service.GetConversations(ctx, f.bob.ID)
	req.NoError(err)
	req.Len(conversations, 1)
	req.Eventually(func() bool { return len(bobLive.received()) == 1 }, time.Second, 10*time.Millisecond)
	events := bobLive.received()
	sent, ok := events[0].(event.MessageSent)
	req.True(ok)
	req.Equal(m2.ID, sent.ID)
	req.Equal(f.bob.ID, sent.Sender.ID)
	req.Equal("Bob", sent.Sender.Name)

	// When bob views the conversation
	messages, err := service.GetMessages(ctx, f.bob.ID, m1.ConversationID)
	req.NoError(err)

	// Then bob gets [m1, m2] and m1 is now read
	req.Len(messages, 2)
	req.Equal(m1.ID, messages[0].ID)
	req.Equal(m2.ID, messages[1].ID)
	unread, err := f.messages.UnreadCount(m1.ConversationID, f.bob.ID)
	req.NoError(err)
	req.Zero(unread)

	// And alice still has m2 unread
	unread, err = f.messages.UnreadCount(m1.ConversationID, f.alice.ID)
	req.NoError(err)
	req.Equal(1, unread)
	stored, err := f.messages.ListForConversation(m1.ConversationID)
	req.NoError(err)
	req.True(stored[0].Read)
	req.False(stored[1].Read)
}

// run drains the dispatcher until the end of the test.
func run(t *testing.T, dispatcher *runtime.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// stalled never drains: it holds every event until the sink timeout.
type stalled struct{}

func (stalled) Consume(ctx context.Context, _ event.DomainEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestChatService_SendMessage_Does_Not_Wait_For_Slow_Connections(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dispatcher := runtime.NewDispatcher(log, runtime.NewRegistry(), f.conversations, 2*time.Second, 16)
	run(t, dispatcher)
	service := NewChatService(log, f.users, f.conversations, f.messages, dispatcher)

	// Given bob's connection never drains its events
	m1, err := service.SendMessage(ctx, f.alice.ID, f.bob.ID, "hi")
	req.NoError(err)
	req.NoError(service.Join(ctx, f.bob.ID, "bob-tab", domain.ChannelFor(m1.ConversationID), stalled{}))

	// When alice sends and types
	began := time.Now()
	_, err = service.SendMessage(ctx, f.alice.ID, f.bob.ID, "are you there?")
	req.NoError(err)
	req.NoError(service.NotifyTyping(ctx, f.alice.ID, m1.ConversationID, true))

	// Then neither call waited for the sink timeout
	req.Less(time.Since(began), 500*time.Millisecond)
}

// appendAfterList lets the other participant write right after a listing,
// before the viewer's messages are marked read.
type appendAfterList struct {
	*repositories.MessageRepository
	sender domain.UserID
	body   string
}

func (r appendAfterList) ListForConversation(id domain.ConversationID) ([]domain.Message, error) {
	messages, err := r.MessageRepository.ListForConversation(id)
	if err != nil {
		return nil, err
	}
	if _, err := r.MessageRepository.Append(id, r.sender, r.body); err != nil {
		return nil, err
	}
	return messages, nil
}

func TestChatService_GetMessages_Keeps_Unseen_Messages_Unread(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	dispatcher := mocks.NewMockIDispatcher(gomock.NewController(t))
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(1)

	m1, err := f.service(dispatcher).SendMessage(ctx, f.alice.ID, f.bob.ID, "first")
	req.NoError(err)

	// Given alice writes again between bob's listing and the read marking
	messages := appendAfterList{MessageRepository: f.messages, sender: f.alice.ID, body: "second"}
	service := NewChatService(slog.Default(), f.users, f.conversations, messages, dispatcher)

	// When bob views the conversation
	seen, err := service.GetMessages(ctx, f.bob.ID, m1.ConversationID)
	req.NoError(err)

	// Then only what bob was shown is marked read
	req.Len(seen, 1)
	req.Equal(m1.ID, seen[0].ID)
	unread, err := f.messages.UnreadCount(m1.ConversationID, f.bob.ID)
	req.NoError(err)
	req.Equal(1, unread)
	stored, err := f.messages.ListForConversation(m1.ConversationID)
	req.NoError(err)
	req.Len(stored, 2)
	req.True(stored[0].Read)
	req.False(stored[1].Read)

	// And the next view acknowledges the rest
	seen, err = f.service(dispatcher).GetMessages(ctx, f.bob.ID, m1.ConversationID)
	req.NoError(err)
	req.Len(seen, 2)
	unread, err = f.messages.UnreadCount(m1.ConversationID, f.bob.ID)
	req.NoError(err)
	req.Zero(unread)
}

func TestChatService_SendMessage_To_Self(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.service(dispatcher).SendMessage(context.Background(), f.alice.ID, f.alice.ID, "me")
	req.ErrorIs(err, errors.ErrSelfMessage)

	// No conversation was created
	conversations, err := f.conversations.ListForUser(f.alice.ID)
	req.NoError(err)
	req.Empty(conversations)
}

func TestChatService_SendMessage_Invalid_Body(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)
	service := f.service(dispatcher)

	for _, body := range []string{"", strings.Repeat("x", domain.MaxBodyLength+1)} {
		_, err := service.SendMessage(context.Background(), f.alice.ID, f.bob.ID, body)
		req.ErrorIs(err, errors.ErrValidationFailed)
	}

	// Validation happens before any mutation
	conversations, err := f.conversations.ListForUser(f.alice.ID)
	req.NoError(err)
	req.Empty(conversations)
}

func TestChatService_SendMessage_Unknown_Receiver(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.service(dispatcher).SendMessage(context.Background(), f.alice.ID, 404, "anyone?")
	req.ErrorIs(err, errors.ErrUserNotFound)
}

func TestChatService_SendMessage_Publishes_After_Persisting(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)

	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, evt event.DomainEvent) {
			sent, ok := evt.(event.MessageSent)
			req.True(ok)
			// The message is already readable when the event goes out
			messages, err := f.messages.ListForConversation(sent.ConversationID)
			req.NoError(err)
			req.Len(messages, 1)
			req.Equal(sent.ID, messages[0].ID)
			req.Equal(domain.ChannelFor(sent.ConversationID), evt.Channel())
			req.Equal(event.MessageSentName, evt.Name())
		}).Times(1)

	_, err := f.service(dispatcher).SendMessage(context.Background(), f.alice.ID, f.bob.ID, "hi")
	req.NoError(err)
}

func TestChatService_StartConversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)
	service := f.service(dispatcher)
	ctx := context.Background()

	first, err := service.StartConversation(ctx, f.alice.ID, f.bob.ID)
	req.NoError(err)
	second, err := service.StartConversation(ctx, f.bob.ID, f.alice.ID)
	req.NoError(err)

	req.Equal(first.ID, second.ID)
	req.Equal(f.bob.Ref(), first.OtherUser.Ref())
	req.Equal(f.alice.Ref(), second.OtherUser.Ref())
	req.Equal("bob@example.com", first.OtherUser.Email)
	req.Zero(first.UnreadCount)
	req.Nil(first.LatestMessage)

	messages, err := f.messages.ListForConversation(first.ID)
	req.NoError(err)
	req.Empty(messages)

	_, err = service.StartConversation(ctx, f.alice.ID, f.alice.ID)
	req.ErrorIs(err, errors.ErrSelfMessage)
}

func TestChatService_NotifyTyping(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	service := f.service(dispatcher)
	ctx := context.Background()

	conversation, _, err := f.conversations.FindOrCreate(f.alice.ID, f.bob.ID)
	req.NoError(err)

	// A participant's signal is published with the user's name
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, evt event.DomainEvent) {
			typing, ok := evt.(event.UserTyping)
			req.True(ok)
			req.Equal(f.alice.ID, typing.UserID)
			req.Equal("Alice", typing.UserName)
			req.True(typing.IsTyping)
			req.Equal(conversation.ID, typing.ConversationID)
		}).Times(1)
	req.NoError(service.NotifyTyping(ctx, f.alice.ID, conversation.ID, true))

	// An outsider is forbidden and nothing is published
	err = service.NotifyTyping(ctx, f.eve.ID, conversation.ID, true)
	req.ErrorIs(err, errors.ErrForbidden)
	err = service.NotifyTyping(ctx, f.alice.ID, conversation.ID+50, false)
	req.ErrorIs(err, errors.ErrForbidden)
}

func TestChatService_GetMessages_Forbidden_For_Outsider(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	dispatcher.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(1)
	service := f.service(dispatcher)
	ctx := context.Background()

	m, err := service.SendMessage(ctx, f.alice.ID, f.bob.ID, "secret")
	req.NoError(err)

	_, err = service.GetMessages(ctx, f.eve.ID, m.ConversationID)
	req.ErrorIs(err, errors.ErrForbidden)

	// The outsider's attempt did not mark anything as read
	unread, err := f.messages.UnreadCount(m.ConversationID, f.bob.ID)
	req.NoError(err)
	req.Equal(1, unread)
}

func TestChatService_Join_Delegates_Authorization(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockIDispatcher(ctrl)
	service := f.service(dispatcher)

	channel := domain.ChannelFor(1)
	dispatcher.EXPECT().Subscribe(gomock.Any(), channel, gomock.Any()).Return(errors.ErrForbidden).Times(1)
	dispatcher.EXPECT().Disconnect("conn").Times(1)

	err := service.Join(context.Background(), f.eve.ID, "conn", channel, &recorder{})
	req.ErrorIs(err, errors.ErrForbidden)
	service.Disconnect("conn")
}

func TestChatService_Users(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	service := f.service(mocks.NewMockIDispatcher(gomock.NewController(t)))
	ctx := context.Background()

	users, err := service.ListUsers(ctx, f.alice.ID)
	req.NoError(err)
	req.Len(users, 2)
	req.Equal("Bob", users[0].Name)

	user, err := service.GetUser(ctx, f.alice.ID, f.eve.ID)
	req.NoError(err)
	req.Equal("Eve", user.Name)

	_, err = service.GetUser(ctx, f.alice.ID, f.alice.ID)
	req.ErrorIs(err, errors.ErrSelfMessage)
}

func TestChatService_Profile(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	service := f.service(mocks.NewMockIDispatcher(gomock.NewController(t)))

	user, err := service.Profile(context.Background(), f.alice.ID)
	req.NoError(err)
	req.Equal(f.alice.ID, user.ID)
	req.Equal("alice@example.com", user.Email)

	_, err = service.Profile(context.Background(), 999)
	req.ErrorIs(err, errors.ErrUserNotFound)
}
