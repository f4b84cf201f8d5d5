package auth

import (
	"chat-dm/domain"
	"chat-dm/errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// Middleware rejects requests without a valid bearer token and stores the
// user id in the gin context.
// Browsers cannot set headers on a websocket upgrade, so the token is also
// accepted from the "token" query parameter.
func Middleware(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			abort(c)
			return
		}
		userID, err := tokens.ValidateToken(raw)
		if err != nil {
			abort(c)
			return
		}
		c.Set(string(UserIDKey), userID)
		c.Next()
	}
}

// UserID returns the id injected by Middleware.
func UserID(c *gin.Context) (domain.UserID, bool) {
	value, ok := c.Get(string(UserIDKey))
	if !ok {
		return 0, false
	}
	id, ok := value.(domain.UserID)
	return id, ok
}

func abort(c *gin.Context) {
	status, code := errors.MapToHTTPStatus(errors.ErrUnauthenticated)
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": http.StatusText(status)})
}
