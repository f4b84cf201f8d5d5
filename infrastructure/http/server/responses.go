package server

import (
	"chat-dm/domain"
	"time"

	"github.com/samber/lo"
)

type UserResponse struct {
	ID    domain.UserID `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email,omitempty"`
}

type SenderResponse struct {
	ID   domain.UserID `json:"id"`
	Name string        `json:"name"`
}

type MessageResponse struct {
	ID             domain.MessageID      `json:"id"`
	ConversationID domain.ConversationID `json:"conversation_id"`
	SenderID       domain.UserID         `json:"sender_id"`
	Message        string                `json:"message"`
	IsRead         bool                  `json:"is_read"`
	CreatedAt      time.Time             `json:"created_at"`
	Sender         SenderResponse        `json:"sender"`
}

type PreviewResponse struct {
	Message   string        `json:"message"`
	SenderID  domain.UserID `json:"sender_id"`
	CreatedAt time.Time     `json:"created_at"`
}

type ConversationResponse struct {
	ID            domain.ConversationID `json:"id"`
	OtherUser     UserResponse          `json:"other_user"`
	LatestMessage *PreviewResponse      `json:"latest_message"`
	UnreadCount   int                   `json:"unread_count"`
	LastMessageAt time.Time             `json:"last_message_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toUserResponse(user domain.User) UserResponse {
	return UserResponse{ID: user.ID, Name: user.Name, Email: user.Email}
}

func toUserResponses(users []domain.User) []UserResponse {
	return lo.Map(users, func(item domain.User, _ int) UserResponse {
		// Other users' emails stay private.
		return UserResponse{ID: item.ID, Name: item.Name}
	})
}

func toMessageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Message:        m.Body,
		IsRead:         m.Read,
		CreatedAt:      m.CreatedAt,
		Sender:         SenderResponse{ID: m.Sender.ID, Name: m.Sender.Name},
	}
}

func toMessageResponses(messages []domain.Message) []MessageResponse {
	return lo.Map(messages, func(item domain.Message, _ int) MessageResponse {
		return toMessageResponse(item)
	})
}

func toConversationResponse(s domain.ConversationSummary) ConversationResponse {
	res := ConversationResponse{
		ID:            s.ID,
		OtherUser:     toUserResponse(s.OtherUser),
		UnreadCount:   s.UnreadCount,
		LastMessageAt: s.LastActivity,
	}
	if s.LatestMessage != nil {
		res.LatestMessage = &PreviewResponse{
			Message:   s.LatestMessage.Body,
			SenderID:  s.LatestMessage.SenderID,
			CreatedAt: s.LatestMessage.CreatedAt,
		}
	}
	return res
}

func toConversationResponses(summaries []domain.ConversationSummary) []ConversationResponse {
	return lo.Map(summaries, func(item domain.ConversationSummary, _ int) ConversationResponse {
		return toConversationResponse(item)
	})
}
