// Package event defines the events broadcast on conversation channels.
// Event names are opaque discriminators the consuming side switches on.
package event

import (
	"chat-dm/domain"
	"encoding/json"
	"fmt"
	"time"
)

const (
	MessageSentName = "message.sent"
	UserTypingName  = "user.typing"
)

type DomainEvent interface {
	Channel() domain.ChannelID
	Name() string
}

type Sender struct {
	ID   domain.UserID `json:"id"`
	Name string        `json:"name"`
}

type MessageSent struct {
	ID             domain.MessageID      `json:"id"`
	Body           string                `json:"message"`
	SenderID       domain.UserID         `json:"sender_id"`
	ConversationID domain.ConversationID `json:"conversation_id"`
	CreatedAt      time.Time             `json:"created_at"`
	Sender         Sender                `json:"sender"`
}

func NewMessageSent(m domain.Message) MessageSent {
	return MessageSent{
		ID:             m.ID,
		Body:           m.Body,
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		Sender:         Sender{ID: m.Sender.ID, Name: m.Sender.Name},
	}
}

func (m MessageSent) Channel() domain.ChannelID { return domain.ChannelFor(m.ConversationID) }
func (m MessageSent) Name() string              { return MessageSentName }

type UserTyping struct {
	UserID         domain.UserID         `json:"user_id"`
	UserName       string                `json:"user_name"`
	IsTyping       bool                  `json:"is_typing"`
	ConversationID domain.ConversationID `json:"conversation_id"`
	IssuedAt       time.Time             `json:"issued_at"`
}

func NewUserTyping(state domain.TypingState, userName string) UserTyping {
	return UserTyping{
		UserID:         state.UserID,
		UserName:       userName,
		IsTyping:       state.IsTyping,
		ConversationID: state.ConversationID,
		IssuedAt:       state.IssuedAt,
	}
}

func (u UserTyping) Channel() domain.ChannelID { return domain.ChannelFor(u.ConversationID) }
func (u UserTyping) Name() string              { return UserTypingName }

// Envelope is the wire form shared by live connections and the relay.
type Envelope struct {
	Event   string           `json:"event"`
	Channel domain.ChannelID `json:"channel"`
	Origin  string           `json:"origin,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

func Encode(evt DomainEvent, origin string) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Event:   evt.Name(),
		Channel: evt.Channel(),
		Origin:  origin,
		Payload: payload,
	})
}

// Decode returns the typed event carried by an envelope and its origin.
func Decode(data []byte) (DomainEvent, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", err
	}
	switch env.Event {
	case MessageSentName:
		var m MessageSent
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, "", err
		}
		return m, env.Origin, nil
	case UserTypingName:
		var u UserTyping
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return nil, "", err
		}
		return u, env.Origin, nil
	default:
		return nil, "", fmt.Errorf("unknown event %q", env.Event)
	}
}
