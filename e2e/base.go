package e2e

import (
	"bytes"
	"chat-dm/auth"
	"chat-dm/domain"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

// BaseSuite talks to a live node over HTTP and websocket.
type BaseSuite struct {
	suite.Suite
	Config Config
	tokens *auth.Tokens
	client *http.Client
}

// SetupSuite loads the environment configuration before running tests.
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.ChatAddr == "" || s.Config.JWTSecret == "" {
		s.T().Skip("CHAT_ADDR and JWT_SECRET are required for end-to-end scenarios")
	}
	s.tokens = auth.NewTokens(s.Config.JWTSecret, time.Hour)
	s.client = &http.Client{Timeout: 10 * time.Second}
}

func (s *BaseSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

func (s *BaseSuite) token(userID domain.UserID) string {
	token, err := s.tokens.GenerateToken(userID)
	s.Require().NoError(err)
	return token
}

// Call sends a JSON request as userID and decodes the response into out.
func (s *BaseSuite) Call(userID domain.UserID, method, path string, body, out any) int {
	var payload bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, s.Config.ChatAddr+path, &payload)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+s.token(userID))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := s.client.Do(req)
	s.Require().NoError(err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	s.Require().NoError(err)

	s.T().Logf("HTTP %s %s [%d] in %v", method, path, res.StatusCode, time.Since(start))
	if s.Config.DebugJSON {
		s.T().Logf("REQUEST:\n%s\nRESPONSE:\n%s", payload.String(), raw)
	}
	if out != nil && res.StatusCode < 300 {
		s.Require().NoError(json.Unmarshal(raw, out))
	}
	return res.StatusCode
}

// Dial opens a websocket as userID.
func (s *BaseSuite) Dial(userID domain.UserID) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.Config.ChatAddr, "http") + "/ws?token=" + s.token(userID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err, "Failed to open websocket at "+url)
	return ws
}

// Next reads one frame, failing after timeout.
func (s *BaseSuite) Next(ws *websocket.Conn, timeout time.Duration) map[string]any {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(timeout)))
	var frame map[string]any
	s.Require().NoError(ws.ReadJSON(&frame))
	if s.Config.DebugJSON {
		s.T().Logf("FRAME: %v", frame)
	}
	return frame
}
