package domain

import (
	"chat-dm/errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ConversationID int64

// Conversation is the canonical pairing of two distinct users.
// ParticipantA always holds the lower id.
type Conversation struct {
	ID           ConversationID
	ParticipantA UserID
	ParticipantB UserID
	LastActivity time.Time
}

// CanonicalPair orders a user pair so that lookups do not depend on call order.
func CanonicalPair(u, v UserID) (UserID, UserID, error) {
	if u <= 0 || v <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid user id", errors.ErrValidationFailed)
	}
	if u == v {
		return 0, 0, errors.ErrSelfMessage
	}
	if u < v {
		return u, v, nil
	}
	return v, u, nil
}

func (c Conversation) HasParticipant(userID UserID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

func (c Conversation) OtherParticipant(userID UserID) UserID {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c Conversation) Channel() ChannelID {
	return ChannelFor(c.ID)
}

// ConversationSummary is a conversation seen from one participant.
type ConversationSummary struct {
	ID            ConversationID
	OtherUser     User
	LatestMessage *MessagePreview
	UnreadCount   int
	LastActivity  time.Time
}

// ChannelID addresses the broadcast channel of one conversation.
type ChannelID string

const channelPrefix = "conversation."

func ChannelFor(id ConversationID) ChannelID {
	return ChannelID(channelPrefix + strconv.FormatInt(int64(id), 10))
}

// ParseChannel extracts the conversation id from a channel name.
func ParseChannel(channel string) (ConversationID, error) {
	raw, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: unknown channel %q", errors.ErrValidationFailed, channel)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: unknown channel %q", errors.ErrValidationFailed, channel)
	}
	return ConversationID(id), nil
}
