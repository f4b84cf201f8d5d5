package domain

import "time"

// TypingState is a transient last-write-wins signal. It is broadcast and
// never stored; clients expire it on their own.
type TypingState struct {
	ConversationID ConversationID
	UserID         UserID
	IsTyping       bool
	IssuedAt       time.Time
}
