package server

import (
	"chat-dm/domain"
	"chat-dm/domain/event"
	"chat-dm/errors"
	"chat-dm/services"
	"chat-dm/sink"
	"context"
	"encoding/json"
	goerrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameTyping       = "typing"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"

	maxFrameSize = 4096
)

// ClientFrame is what a live connection may send.
type ClientFrame struct {
	Type           string                `json:"type"`
	Channel        domain.ChannelID      `json:"channel,omitempty"`
	ConversationID domain.ConversationID `json:"conversation_id,omitempty"`
	IsTyping       bool                  `json:"is_typing,omitempty"`
}

// AckFrame answers a client frame. Events are sent as event.Envelope.
type AckFrame struct {
	Type    string           `json:"type"`
	Channel domain.ChannelID `json:"channel,omitempty"`
	Code    string           `json:"code,omitempty"`
}

type ConnectionConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

// Connection is one authenticated websocket.
//
// The read pump handles client frames and the write pump owns every write
// to the socket: events from the sink, acks from the reader and pings.
type Connection struct {
	ID     string
	UserID domain.UserID

	log         *slog.Logger
	ws          *websocket.Conn
	sink        *sink.ConnectionSink
	acks        chan AckFrame
	chatService services.IChatService
	config      ConnectionConfig
}

func NewConnection(log *slog.Logger, ws *websocket.Conn, userID domain.UserID,
	chatService services.IChatService, config ConnectionConfig) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:          id,
		UserID:      userID,
		log:         log.With("conn_id", id, "user_id", userID),
		ws:          ws,
		sink:        sink.NewConnectionSink(config.BufferSize),
		acks:        make(chan AckFrame, config.BufferSize),
		chatService: chatService,
		config:      config,
	}
}

// Serve blocks until the client goes away, then releases every subscription.
func (c *Connection) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.sink.Close()
		c.chatService.Disconnect(c.ID)
		_ = c.ws.Close()
		c.log.Debug("Connection closed")
	}()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Connection read failed", "error", err)
			}
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if !c.ack(AckFrame{Type: FrameError, Code: "invalid_frame"}) {
				return
			}
			continue
		}
		if !c.ack(c.handle(ctx, frame)) {
			return
		}
	}
}

func (c *Connection) handle(ctx context.Context, frame ClientFrame) AckFrame {
	switch frame.Type {
	case FrameSubscribe:
		if err := c.chatService.Join(ctx, c.UserID, c.ID, frame.Channel, c.sink); err != nil {
			return AckFrame{Type: FrameError, Channel: frame.Channel, Code: frameCode(err)}
		}
		return AckFrame{Type: FrameSubscribed, Channel: frame.Channel}
	case FrameUnsubscribe:
		c.chatService.Leave(c.ID, frame.Channel)
		return AckFrame{Type: FrameUnsubscribed, Channel: frame.Channel}
	case FrameTyping:
		channel := domain.ChannelFor(frame.ConversationID)
		if err := c.chatService.NotifyTyping(ctx, c.UserID, frame.ConversationID, frame.IsTyping); err != nil {
			return AckFrame{Type: FrameError, Channel: channel, Code: frameCode(err)}
		}
		return AckFrame{Type: FrameTyping, Channel: channel}
	default:
		return AckFrame{Type: FrameError, Code: "unknown_frame"}
	}
}

// ack queues a reply for the write pump. A client that does not drain its
// replies is disconnected.
func (c *Connection) ack(frame AckFrame) bool {
	select {
	case c.acks <- frame:
		return true
	case <-c.sink.Done():
		return false
	default:
		c.log.Warn("Connection ack buffer full, closing")
		return false
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.config.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		// Unblocks the read pump.
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.config.WriteTimeout))
			return
		case <-c.sink.Done():
			// Closed by backpressure: the client missed events and must re-poll.
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backpressure"),
				time.Now().Add(c.config.WriteTimeout))
			return
		case evt := <-c.sink.Events:
			data, err := event.Encode(evt, "")
			if err != nil {
				c.log.Error("Failed to encode event", "event", evt.Name(), "error", err)
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("Failed to push event", "event", evt.Name(), "error", err)
				return
			}
		case frame := <-c.acks:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// frameCode names errors on the socket. Unlike HTTP, a refused subscription
// is reported as forbidden since the channel name is already known to the client.
func frameCode(err error) string {
	if goerrors.Is(err, errors.ErrForbidden) {
		return "forbidden"
	}
	_, code := errors.MapToHTTPStatus(err)
	return code
}
