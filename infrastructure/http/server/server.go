package server

import (
	"chat-dm/auth"
	"chat-dm/services"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Host       string
	Port       int
	Connection ConnectionConfig
}

// Server is the HTTP and websocket edge of the chat service.
// It runs as a supervised worker.
type Server struct {
	log         *slog.Logger
	config      Config
	chatService services.IChatService
	tokens      *auth.Tokens
	upgrader    websocket.Upgrader
	router      *gin.Engine
}

func NewServer(log *slog.Logger, config Config, chatService services.IChatService, tokens *auth.Tokens) *Server {
	s := &Server{
		log:         log,
		config:      config,
		chatService: chatService,
		tokens:      tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication is carried by the token, not by cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := NewChatHandler(s.log, s.chatService)
	api := router.Group("/api", auth.Middleware(s.tokens))
	api.POST("/messages", handler.SendMessage)
	api.POST("/conversations", handler.StartConversation)
	api.GET("/conversations", handler.GetConversations)
	api.GET("/conversations/:id/messages", handler.GetMessages)
	api.POST("/typing", handler.Typing)
	api.GET("/users", handler.ListUsers)
	api.GET("/users/:id", handler.GetUser)
	api.GET("/me", handler.Me)

	router.GET("/ws", auth.Middleware(s.tokens), s.serveWebsocket)
	return router
}

func (s *Server) serveWebsocket(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	conn := NewConnection(s.log, ws, userID, s.chatService, s.config.Connection)
	s.log.Debug("Connection opened", "conn_id", conn.ID, "user_id", userID)
	conn.Serve(c.Request.Context())
}

// Run serves until ctx is cancelled, then drains in-flight requests.
// Live connections see ctx cancelled through their request context.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if goerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown incomplete", "error", err)
		}
		return nil
	}
}
