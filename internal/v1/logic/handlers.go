package logic

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// apiError is the JSON error body with a stable id.
type apiError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type createAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendMessage struct {
	Content string `json:"content"`
}

// sendRequest carries client-supplied identity fields for compatibility, but
// the session user is authoritative; userId and userName are ignored.
type sendRequest struct {
	RoomID   string        `json:"roomId"`
	UserID   string        `json:"userId"`
	UserName string        `json:"userName"`
	Messages []sendMessage `json:"messages"`
}

func (s *Server) welcome(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("Welcome to ChatRoom"))
}

// loginProbe is kept for clients that poll the legacy endpoint.
func (s *Server) loginProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "logged in"})
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{ID: "BAD_REQUEST", Message: "invalid request body"})
		return
	}

	token, err := s.auth.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.writeAuthError(c, err)
		return
	}

	s.setSessionCookie(c, token)
	// The cookie is HttpOnly, so the token also travels in the body for
	// clients that hand it to the WebSocket handshake as ?uid=.
	c.JSON(http.StatusOK, gin.H{"status": "success", "token": token})
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{ID: "BAD_REQUEST", Message: "invalid request body"})
		return
	}

	token, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAuthError(c, err)
		return
	}

	s.setSessionCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"status": "success", "token": token})
}

// send accepts a message on behalf of the session user: assign the id and
// server timestamp, write the store tiers, publish to the log. Fan-out to
// edges is job's business; Origin stays empty because nothing was delivered
// locally here.
func (s *Server) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, apiError{ID: "BAD_REQUEST", Message: "roomId and messages are required"})
		return
	}
	if !protocol.ValidRoom(req.RoomID) {
		c.JSON(http.StatusBadRequest, apiError{ID: "BAD_REQUEST", Message: "unknown room"})
		return
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			c.JSON(http.StatusBadRequest, apiError{ID: "BAD_REQUEST", Message: "message content must not be empty"})
			return
		}
	}

	user := c.MustGet("user").(*store.User)
	sender := protocol.UserInfo{
		ID:       userIDString(user.ID),
		Username: user.Username,
		Avatar:   user.Avatar,
	}

	// Ids carry millisecond precision plus a sequence so a multi-message
	// request stays ordered; the public timestamp is seconds.
	now := time.Now()
	views := make([]protocol.MessageView, 0, len(req.Messages))
	for i, m := range req.Messages {
		views = append(views, protocol.MessageView{
			ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), i),
			Content:   m.Content,
			Timestamp: now.Unix(),
			RoomID:    req.RoomID,
			User:      sender,
		})
	}

	ctx := c.Request.Context()
	for i := range views {
		// The cache stream is the id authority; it reassigns on collision.
		stored, err := s.history.Store(ctx, views[i])
		if err != nil {
			logging.Error(ctx, "message store failed",
				zap.String("room_id", req.RoomID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, apiError{ID: "INTERNAL", Message: "message not stored"})
			return
		}
		views[i] = stored
	}

	body, err := protocol.Encode(protocol.TypeServerMessages, protocol.ServerMessages{
		RoomID:   req.RoomID,
		Messages: views,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiError{ID: "INTERNAL", Message: "encode failed"})
		return
	}

	push := &protocol.PushMsg{
		Type:      protocol.PushTypeRoom,
		Operation: protocol.OpSendMsg,
		Room:      req.RoomID,
		Msg:       string(body),
	}
	if err := s.producer.Publish(ctx, push); err != nil {
		logging.Error(ctx, "log publish failed",
			zap.String("room_id", req.RoomID),
			zap.String("msg_id", views[0].ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, apiError{ID: "INTERNAL", Message: "message not published"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// writeAuthError surfaces the closed set of public error ids. Every auth
// failure, duplicates included, answers 400 with {id, message}; anything
// outside the set is an internal error.
func (s *Server) writeAuthError(c *gin.Context, err error) {
	var apiErr *auth.APIError
	if !errors.As(err, &apiErr) {
		logging.Error(c.Request.Context(), "auth failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, apiError{ID: "INTERNAL", Message: "internal error"})
		return
	}
	c.JSON(http.StatusBadRequest, apiError{ID: apiErr.ID, Message: apiErr.Message})
}

func (s *Server) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, token, sessionMaxAge, "/", "", false, true)
}

func userIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
