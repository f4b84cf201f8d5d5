// Package domain contains core concepts of the chat system.
// This file defines Message records and the body rules they must follow.
package domain

import (
	"chat-dm/errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxBodyLength is counted in unicode code points, not bytes.
const MaxBodyLength = 1000

var validate = validator.New()

type MessageID int64

// Message belongs to exactly one conversation.
// Its ordering key is (ConversationID, CreatedAt, ID).
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	Body           string
	CreatedAt      time.Time
	Read           bool
	Sender         UserRef
}

type body struct {
	Text string `validate:"required,max=1000"`
}

// ValidateBody rejects empty (or whitespace only) and over-length bodies.
func ValidateBody(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message body is empty", errors.ErrValidationFailed)
	}
	if err := validate.Struct(body{Text: text}); err != nil {
		return fmt.Errorf("%w: message body exceeds %d characters", errors.ErrValidationFailed, MaxBodyLength)
	}
	return nil
}

// MessagePreview is the latest message shown next to a conversation.
type MessagePreview struct {
	Body      string
	CreatedAt time.Time
	SenderID  UserID
}

func (m Message) Preview() MessagePreview {
	return MessagePreview{Body: m.Body, CreatedAt: m.CreatedAt, SenderID: m.SenderID}
}
