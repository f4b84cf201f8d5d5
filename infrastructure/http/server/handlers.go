package server

import (
	"chat-dm/auth"
	"chat-dm/domain"
	"chat-dm/errors"
	"chat-dm/services"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type SendMessageRequest struct {
	ReceiverID domain.UserID `json:"receiver_id" binding:"required,gt=0"`
	Message    string        `json:"message"`
}

type StartConversationRequest struct {
	UserID domain.UserID `json:"user_id" binding:"required,gt=0"`
}

type TypingRequest struct {
	ConversationID domain.ConversationID `json:"conversation_id" binding:"required,gt=0"`
	IsTyping       *bool                 `json:"is_typing" binding:"required"`
}

// ChatHandler exposes the chat service over HTTP.
// Every route sits behind auth.Middleware: the user id always comes from
// the bearer token, never from the payload.
type ChatHandler struct {
	log         *slog.Logger
	chatService services.IChatService
}

func NewChatHandler(log *slog.Logger, chatService services.IChatService) *ChatHandler {
	return &ChatHandler{log: log, chatService: chatService}
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errors.ErrValidationFailed, err))
		return
	}
	message, err := h.chatService.SendMessage(c.Request.Context(), userID, req.ReceiverID, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessageResponse(message))
}

func (h *ChatHandler) StartConversation(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errors.ErrValidationFailed, err))
		return
	}
	summary, err := h.chatService.StartConversation(c.Request.Context(), userID, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationResponse(summary))
}

func (h *ChatHandler) GetConversations(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	summaries, err := h.chatService.GetConversations(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationResponses(summaries))
}

// GetMessages also marks the returned messages as read for the caller.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.fail(c, errors.ErrNotFound)
		return
	}
	messages, err := h.chatService.GetMessages(c.Request.Context(), userID, domain.ConversationID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toMessageResponses(messages))
}

func (h *ChatHandler) Typing(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errors.ErrValidationFailed, err))
		return
	}
	if err := h.chatService.NotifyTyping(c.Request.Context(), userID, req.ConversationID, *req.IsTyping); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *ChatHandler) ListUsers(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	users, err := h.chatService.ListUsers(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponses(users))
}

func (h *ChatHandler) GetUser(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.fail(c, errors.ErrUserNotFound)
		return
	}
	user, err := h.chatService.GetUser(c.Request.Context(), userID, domain.UserID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponses([]domain.User{user})[0])
}

func (h *ChatHandler) Me(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	user, err := h.chatService.Profile(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (h *ChatHandler) user(c *gin.Context) (domain.UserID, bool) {
	userID, ok := auth.UserID(c)
	if !ok {
		h.fail(c, errors.ErrUnauthenticated)
	}
	return userID, ok
}

func (h *ChatHandler) fail(c *gin.Context, err error) {
	status, code := errors.MapToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "path", c.FullPath(), "error", err)
	} else {
		h.log.Debug("Request rejected", "path", c.FullPath(), "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: publicMessage(status, code)})
}

// publicMessage never echoes err: wrapped errors may name conversations the
// caller is not allowed to see.
func publicMessage(status int, code string) string {
	switch code {
	case "self_message":
		return "You cannot target yourself"
	case "validation_failed":
		return "The request is invalid"
	default:
		return http.StatusText(status)
	}
}
