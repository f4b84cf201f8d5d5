package server

import (
	"bytes"
	"chat-dm/auth"
	"chat-dm/domain"
	"chat-dm/domain/event"
	"chat-dm/repositories"
	"chat-dm/runtime"
	"chat-dm/services"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url    string
	tokens *auth.Tokens
	alice  domain.User
	bob    domain.User
	eve    domain.User
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	req := require.New(t)
	gin.SetMode(gin.TestMode)

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

	dispatcher := runtime.NewDispatcher(log, runtime.NewRegistry(), conversations, time.Second, 64)
	ctx, cancel := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		_ = dispatcher.Run(ctx)
	}()
	chatService := services.NewChatService(log, users, conversations, messages, dispatcher)
	tokens := auth.NewTokens("test-secret", time.Hour)
	server := NewServer(log, Config{Connection: ConnectionConfig{
		BufferSize:   16,
		WriteTimeout: time.Second,
		PongTimeout:  5 * time.Second,
	}}, chatService, tokens)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		cancel()
		<-dispatched
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
	return testServer{url: httpServer.URL, tokens: tokens, alice: alice, bob: bob, eve: eve}
}

func (s testServer) do(t *testing.T, user domain.User, method, path string, body any) (int, []byte) {
	t.Helper()
	req := require.New(t)
	var payload bytes.Buffer
	if body != nil {
		req.NoError(json.NewEncoder(&payload).Encode(body))
	}
	r, err := http.NewRequest(method, s.url+path, &payload)
	req.NoError(err)
	if user.ID != 0 {
		token, err := s.tokens.GenerateToken(user.ID)
		req.NoError(err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	r.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(r)
	req.NoError(err)
	defer res.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(res.Body)
	req.NoError(err)
	return res.StatusCode, out.Bytes()
}

func (s testServer) dial(t *testing.T, user domain.User) *websocket.Conn {
	t.Helper()
	req := require.New(t)
	token, err := s.tokens.GenerateToken(user.ID)
	req.NoError(err)
	url := "ws" + strings.TrimPrefix(s.url, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	req := require.New(t)
	req.NoError(ws.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var frame map[string]any
	req.NoError(ws.ReadJSON(&frame))
	return frame
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(body, &res))
	return res.Error
}

func TestServer_Messages(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	// Given no token
	status, _ := s.do(t, domain.User{}, http.MethodGet, "/api/conversations", nil)
	req.Equal(http.StatusUnauthorized, status)

	// When alice writes to bob
	status, body := s.do(t, s.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: s.bob.ID, Message: "hi"})
	req.Equal(http.StatusCreated, status)
	var message MessageResponse
	req.NoError(json.Unmarshal(body, &message))
	req.Equal("hi", message.Message)
	req.Equal("Alice", message.Sender.Name)
	req.False(message.IsRead)

	// Then bob sees the conversation with one unread message
	status, body = s.do(t, s.bob, http.MethodGet, "/api/conversations", nil)
	req.Equal(http.StatusOK, status)
	var conversations []ConversationResponse
	req.NoError(json.Unmarshal(body, &conversations))
	req.Len(conversations, 1)
	req.Equal(1, conversations[0].UnreadCount)
	req.Equal(s.alice.ID, conversations[0].OtherUser.ID)
	req.Equal("alice@example.com", conversations[0].OtherUser.Email)
	req.NotNil(conversations[0].LatestMessage)
	req.Equal("hi", conversations[0].LatestMessage.Message)

	// When bob opens it, the message is marked read
	path := fmt.Sprintf("/api/conversations/%d/messages", message.ConversationID)
	status, body = s.do(t, s.bob, http.MethodGet, path, nil)
	req.Equal(http.StatusOK, status)
	var messages []MessageResponse
	req.NoError(json.Unmarshal(body, &messages))
	req.Len(messages, 1)
	_, body = s.do(t, s.bob, http.MethodGet, "/api/conversations", nil)
	req.NoError(json.Unmarshal(body, &conversations))
	req.Zero(conversations[0].UnreadCount)

	// An outsider cannot tell the conversation exists
	status, body = s.do(t, s.eve, http.MethodGet, path, nil)
	req.Equal(http.StatusNotFound, status)
	req.Equal("conversation_not_found", errorCode(t, body))
	status, body = s.do(t, s.eve, http.MethodGet, "/api/conversations/999/messages", nil)
	req.Equal(http.StatusNotFound, status)
	req.Equal("conversation_not_found", errorCode(t, body))
}

func TestServer_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"Self message", "/api/messages", SendMessageRequest{ReceiverID: s.alice.ID, Message: "me"}, http.StatusBadRequest, "self_message"},
		{"Empty message", "/api/messages", SendMessageRequest{ReceiverID: s.bob.ID, Message: "  "}, http.StatusUnprocessableEntity, "validation_failed"},
		{"Too long", "/api/messages", SendMessageRequest{ReceiverID: s.bob.ID, Message: strings.Repeat("x", 1001)}, http.StatusUnprocessableEntity, "validation_failed"},
		{"Missing receiver", "/api/messages", map[string]string{"message": "hi"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"Unknown receiver", "/api/messages", SendMessageRequest{ReceiverID: 999, Message: "hi"}, http.StatusNotFound, "user_not_found"},
		{"Start with self", "/api/conversations", StartConversationRequest{UserID: s.alice.ID}, http.StatusBadRequest, "self_message"},
		{"Typing outsider", "/api/typing", map[string]any{"conversation_id": 12, "is_typing": true}, http.StatusNotFound, "conversation_not_found"},
		{"Typing without flag", "/api/typing", map[string]any{"conversation_id": 12}, http.StatusUnprocessableEntity, "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			status, body := s.do(t, s.alice, http.MethodPost, tt.path, tt.body)
			req.Equal(tt.status, status)
			req.Equal(tt.code, errorCode(t, body))
		})
	}
}

func TestServer_StartConversation_And_Typing(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	status, body := s.do(t, s.alice, http.MethodPost, "/api/conversations", StartConversationRequest{UserID: s.bob.ID})
	req.Equal(http.StatusOK, status)
	var conversation ConversationResponse
	req.NoError(json.Unmarshal(body, &conversation))
	req.Nil(conversation.LatestMessage)
	req.Equal(s.bob.ID, conversation.OtherUser.ID)
	req.Equal("bob@example.com", conversation.OtherUser.Email)

	status, body = s.do(t, s.bob, http.MethodPost, "/api/typing",
		map[string]any{"conversation_id": conversation.ID, "is_typing": false})
	req.Equal(http.StatusOK, status)
	req.JSONEq(`{"status":"success"}`, string(body))
}

func TestServer_Users(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	status, body := s.do(t, s.alice, http.MethodGet, "/api/users", nil)
	req.Equal(http.StatusOK, status)
	var users []UserResponse
	req.NoError(json.Unmarshal(body, &users))
	req.Len(users, 2)
	req.Empty(users[0].Email)

	status, body = s.do(t, s.alice, http.MethodGet, fmt.Sprintf("/api/users/%d", s.alice.ID), nil)
	req.Equal(http.StatusBadRequest, status)
	req.Equal("self_message", errorCode(t, body))

	status, body = s.do(t, s.alice, http.MethodGet, "/api/me", nil)
	req.Equal(http.StatusOK, status)
	var me UserResponse
	req.NoError(json.Unmarshal(body, &me))
	req.Equal("alice@example.com", me.Email)
}

func TestServer_Websocket(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	// Given a conversation between alice and bob
	status, body := s.do(t, s.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: s.bob.ID, Message: "hi"})
	req.Equal(http.StatusCreated, status)
	var first MessageResponse
	req.NoError(json.Unmarshal(body, &first))
	channel := domain.ChannelFor(first.ConversationID)

	// When bob subscribes he is acknowledged
	bob := s.dial(t, s.bob)
	req.NoError(bob.WriteJSON(ClientFrame{Type: FrameSubscribe, Channel: channel}))
	frame := readFrame(t, bob)
	req.Equal(FrameSubscribed, frame["type"])

	// When eve tries the same channel she is refused
	eve := s.dial(t, s.eve)
	req.NoError(eve.WriteJSON(ClientFrame{Type: FrameSubscribe, Channel: channel}))
	frame = readFrame(t, eve)
	req.Equal(FrameError, frame["type"])
	req.Equal("forbidden", frame["code"])

	// When alice writes again bob receives the event
	status, _ = s.do(t, s.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: s.bob.ID, Message: "still there?"})
	req.Equal(http.StatusCreated, status)

	req.NoError(bob.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, raw, err := bob.ReadMessage()
	req.NoError(err)
	evt, _, err := event.Decode(raw)
	req.NoError(err)
	sent, ok := evt.(event.MessageSent)
	req.True(ok)
	req.Equal("still there?", sent.Body)
	req.Equal("Alice", sent.Sender.Name)

	// When bob types over the socket he gets his own signal back
	req.NoError(bob.WriteJSON(ClientFrame{Type: FrameTyping, ConversationID: first.ConversationID, IsTyping: true}))
	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame = readFrame(t, bob)
		if name, ok := frame["event"].(string); ok {
			names[name] = true
		} else {
			names[frame["type"].(string)] = true
		}
	}
	req.True(names[event.UserTypingName])
	req.True(names[FrameTyping])

	// Unknown frames are answered with an error
	req.NoError(bob.WriteMessage(websocket.TextMessage, []byte("{")))
	frame = readFrame(t, bob)
	req.Equal("invalid_frame", frame["code"])
}
