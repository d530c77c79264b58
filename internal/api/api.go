// Package api exposes the chat operations over REST for clients that cannot
// hold a WebSocket open. It shares the chat service with the gateway, so
// every gate (mute, rate limit, filter, authorization) applies identically
// on both surfaces.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/chat"
	"github.com/classcast/livechat/internal/errs"
	"github.com/classcast/livechat/internal/message"
)

const identityKey = "identity"

// Server hosts the REST fallback routes.
type Server struct {
	svc      *chat.Service
	verifier auth.TokenVerifier
}

// NewServer creates the REST layer over the shared chat service.
func NewServer(svc *chat.Service, verifier auth.TokenVerifier) *Server {
	return &Server{svc: svc, verifier: verifier}
}

// Router builds the gin engine with all chat routes mounted under
// /api/v1/sessions/:id/chat.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1", s.authMiddleware())
	sessions := v1.Group("/sessions/:id/chat")
	{
		sessions.POST("", s.sendMessage)
		sessions.GET("", s.listMessages)
		sessions.POST("/reaction", s.addReaction)

		sessions.POST("/mute", s.muteUser)
		sessions.GET("/mute", s.listMutes)

		sessions.POST("/raise-hand", s.raiseHand)
		sessions.GET("/raise-hand", s.listHands)
		sessions.POST("/raise-hand/:userId/acknowledge", s.acknowledgeHand)

		sessions.GET("/typing", s.listTyping)
		sessions.PUT("/typing", s.setTyping)

		sessions.GET("/export", s.exportTranscript)

		// All DELETE targets share one route: a {messageId} parameter cannot
		// coexist with the static mute/raise-hand segments in the router tree.
		sessions.DELETE("/*target", s.deleteDispatch)
	}
	return r
}

// deleteDispatch fans DELETE /sessions/{id}/chat/... out by target:
// mute/{userId} unmutes, raise-hand (optionally raise-hand/{userId}) lowers a
// hand, anything else is a message id.
func (s *Server) deleteDispatch(c *gin.Context) {
	target := strings.Trim(c.Param("target"), "/")
	switch {
	case strings.HasPrefix(target, "mute/"):
		s.unmuteUser(c, strings.TrimPrefix(target, "mute/"))
	case target == "raise-hand":
		s.lowerHand(c, "")
	case strings.HasPrefix(target, "raise-hand/"):
		s.lowerHand(c, strings.TrimPrefix(target, "raise-hand/"))
	case target == "" || strings.Contains(target, "/"):
		writeError(c, errs.NotFound("no such resource"))
	default:
		s.deleteMessage(c, target)
	}
}

// authMiddleware verifies the bearer token and stores the identity in the
// request context. Requests without a valid token never reach a handler.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		identity, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func actor(c *gin.Context) auth.Identity {
	return c.MustGet(identityKey).(auth.Identity)
}

// writeError maps a typed application error onto an HTTP status and a JSON
// body carrying the stable code.
func writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	msg := err.Error()
	retryAfter := 0
	var ae *errs.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
		retryAfter = ae.RetryAfterSeconds
	}

	status := http.StatusInternalServerError
	switch code {
	case errs.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case errs.CodeForbidden, errs.CodeMuted:
		status = http.StatusForbidden
	case errs.CodeRateLimited:
		status = http.StatusTooManyRequests
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeNotMuted, errs.CodeNotRaised:
		status = http.StatusConflict
	}

	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	body := gin.H{"code": code, "message": msg}
	if retryAfter > 0 {
		body["retry_after"] = retryAfter
	}
	c.JSON(status, body)
}

type sendMessageRequest struct {
	Message     string `json:"message"`
	IsPrivate   bool   `json:"is_private"`
	RecipientID string `json:"recipient_id"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}

	rec, err := s.svc.SendMessage(c.Request.Context(), actor(c), c.Param("id"),
		req.Message, req.IsPrivate, req.RecipientID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listMessages(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, errs.Validation("since must be RFC3339"))
			return
		}
		since = parsed
	}

	msgs, err := s.svc.ListMessages(c.Request.Context(), actor(c), c.Param("id"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) deleteMessage(c *gin.Context, messageID string) {
	err := s.svc.DeleteMessage(c.Request.Context(), actor(c), c.Param("id"), messageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reactionRequest struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

func (s *Server) addReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}
	if req.MessageID == "" {
		writeError(c, errs.Validation("message_id is required"))
		return
	}

	counts, err := s.svc.AddReaction(c.Request.Context(), actor(c), c.Param("id"),
		req.MessageID, req.Reaction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reaction_counts": counts})
}

type muteRequest struct {
	UserID          string `json:"user_id"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

func (s *Server) muteUser(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}

	var duration *time.Duration
	if req.DurationMinutes > 0 {
		d := time.Duration(req.DurationMinutes) * time.Minute
		duration = &d
	}

	m, err := s.svc.MuteUser(c.Request.Context(), actor(c), c.Param("id"),
		req.UserID, duration, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listMutes(c *gin.Context) {
	mutes, err := s.svc.ListActiveMutes(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutes": mutes})
}

func (s *Server) unmuteUser(c *gin.Context, userID string) {
	err := s.svc.UnmuteUser(c.Request.Context(), actor(c), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) raiseHand(c *gin.Context) {
	h, err := s.svc.RaiseHand(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

func (s *Server) listHands(c *gin.Context) {
	hands, err := s.svc.ListRaisedHands(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hands": hands})
}

func (s *Server) lowerHand(c *gin.Context, userID string) {
	if userID == "me" {
		userID = ""
	}
	err := s.svc.LowerHand(c.Request.Context(), actor(c), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) acknowledgeHand(c *gin.Context) {
	h, err := s.svc.AcknowledgeHand(c.Request.Context(), actor(c), c.Param("id"), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) listTyping(c *gin.Context) {
	users := s.svc.ListTyping(c.Param("id"))
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"typing": users})
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (s *Server) setTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}
	s.svc.SetTyping(c.Request.Context(), actor(c), c.Param("id"), req.Typing)
	c.Status(http.StatusNoContent)
}

func (s *Server) exportTranscript(c *gin.Context) {
	format := c.DefaultQuery("format", message.FormatJSON)
	includePrivate := c.DefaultQuery("include_private", "true") == "true"

	out, contentType, err := s.svc.ExportTranscript(c.Request.Context(), actor(c),
		c.Param("id"), format, includePrivate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, out)
}
