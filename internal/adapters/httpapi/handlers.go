package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":      "lead-router",
		"frontend_url": s.cfg.FrontendURL,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Health())
}

// OAuth

func (s *Server) login(c *gin.Context) {
	state := uuid.NewString()
	s.mu.Lock()
	now := s.now()
	for st, exp := range s.states {
		if now.After(exp) {
			delete(s.states, st)
		}
	}
	s.states[state] = now.Add(stateTTL)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": s.auth.AuthCodeURL(state),
		"state":             state,
	})
}

func (s *Server) consumeState(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[state]
	delete(s.states, state)
	return ok && s.now().Before(exp)
}

func (s *Server) callback(c *gin.Context) {
	fail := func(reason string, err error) {
		s.logger.Warn("OAuth callback failed", zap.String("reason", reason), zap.Error(err))
		c.Redirect(http.StatusFound, s.cfg.FrontendURL+"/?error=auth_failed")
	}

	code := c.Query("code")
	if code == "" || !s.consumeState(c.Query("state")) {
		fail("invalid state or missing code", nil)
		return
	}

	ctx := c.Request.Context()
	creds, err := s.auth.Exchange(ctx, code)
	if err != nil {
		fail("code exchange", err)
		return
	}
	user, err := s.auth.UserInfo(ctx, creds)
	if err != nil {
		fail("userinfo", err)
		return
	}

	sess := s.svc.CreateSession(ctx, user, creds)
	q := url.Values{}
	q.Set("session_id", sess.ID)
	q.Set("user_name", user.Name)
	q.Set("user_email", user.Email)
	c.Redirect(http.StatusFound, s.cfg.FrontendURL+"/?"+q.Encode())
}

func (s *Server) logout(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		id = c.GetHeader("X-Session-ID")
	}
	if id != "" {
		s.svc.Logout(c.Request.Context(), id)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

func (s *Server) userInfo(c *gin.Context) {
	user, err := s.svc.UserInfo(sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_info": user})
}

// Mailbox

func (s *Server) sync(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("max_results", "10"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_results must be a positive integer"})
		return
	}
	emails, err := s.svc.SyncUnread(c.Request.Context(), sessionID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	user, _ := s.svc.UserInfo(sessionID(c))
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message_count": len(emails),
		"messages":      emails,
		"user_email":    user.Email,
	})
}

func (s *Server) unreadCount(c *gin.Context) {
	n, err := s.svc.UnreadCount(c.Request.Context(), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": n, "unread_count": n})
}

type sendReplyRequest struct {
	To        string `json:"to" binding:"required"`
	Subject   string `json:"subject"`
	Message   string `json:"message" binding:"required"`
	ThreadID  string `json:"thread_id"`
	InReplyTo string `json:"in_reply_to_message_id"`
}

func (s *Server) sendReply(c *gin.Context) {
	var req sendReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.svc.SendReply(c.Request.Context(), sessionID(c), core.ReplyRequest{
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Message,
		ThreadID:  req.ThreadID,
		InReplyTo: req.InReplyTo,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message_id": id, "thread_id": req.ThreadID})
}

func (s *Server) refreshToken(c *gin.Context) {
	creds, err := s.svc.RefreshToken(c.Request.Context(), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "access_token": creds.AccessToken, "expiry": creds.Expiry})
}

type watchRequest struct {
	TopicName string `json:"topic_name"`
}

func (s *Server) watch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic := req.TopicName
	if topic == "" {
		topic = s.watchTopic
	}
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic_name is required"})
		return
	}

	state, err := s.svc.Watch(c.Request.Context(), sessionID(c), topic)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"historyId":  strconv.FormatUint(state.HistoryID, 10),
		"expiration": state.Expiration,
		"message":    "Gmail watch set up successfully",
	})
}

type markReadRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

func (s *Server) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.MarkRead(c.Request.Context(), sessionID(c), req.MessageID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message marked as read"})
}

// Notifications

// pushEnvelope is the body of a Pub/Sub push delivery
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// webhook always answers 2xx for unusable bodies so that the push
// subscription does not redeliver them
func (s *Server) webhook(c *gin.Context) {
	var env pushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	if env.Message.Data == "" && len(env.Message.Attributes) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Empty notification"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data = []byte(env.Message.Data)
	}
	raw := core.RawEvent{
		ID:          env.Message.MessageID,
		AckID:       env.Message.MessageID,
		Attributes:  env.Message.Attributes,
		Data:        data,
		PublishTime: env.Message.PublishTime,
	}
	if _, err := s.svc.Notify(c.Request.Context(), raw); err != nil {
		if errors.Is(err, core.ErrMalformedEvent) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification received"})
}

func (s *Server) notifyNewEmail(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt, err := s.svc.Notify(c.Request.Context(), core.RawEvent{ID: uuid.NewString(), Data: body})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "event": evt})
}

func (s *Server) testNotification(c *gin.Context) {
	n := s.svc.TestNotification()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test notification sent", "clients_notified": n})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	if s.deadLetters == nil {
		c.JSON(http.StatusOK, gin.H{"total": 0, "items": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": s.deadLetters.Total(), "items": s.deadLetters.List()})
}

// Leads

func (s *Server) listLeads(c *gin.Context) {
	leads, err := s.svc.Leads(sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads, "count": len(leads)})
}

func (s *Server) getLead(c *gin.Context) {
	lead, err := s.svc.Lead(c.Param("id"), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

type draftRequest struct {
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

func (s *Server) updateDraft(c *gin.Context) {
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Subject == nil && req.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject or body is required"})
		return
	}
	lead, err := s.svc.UpdateDraft(c.Request.Context(), c.Param("id"), sessionID(c), req.Subject, req.Body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

func (s *Server) sendLead(c *gin.Context) {
	lead, err := s.svc.Send(c.Request.Context(), c.Param("id"), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

func (s *Server) dismissLead(c *gin.Context) {
	lead, err := s.svc.Dismiss(c.Request.Context(), c.Param("id"), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// Live events

// events streams the session's events as SSE messages, with a ping
// comment every keepalive interval. Disconnecting unsubscribes.
func (s *Server) events(c *gin.Context) {
	sub, err := s.svc.Subscribe(sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer s.svc.Unsubscribe(sub)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	_, _ = io.WriteString(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.KeepaliveInterval)
		evt, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			c.SSEvent("message", evt)
			return true
		case ctx.Err() != nil, errors.Is(err, core.ErrSubscriptionClosed):
			return false
		case errors.Is(err, context.DeadlineExceeded):
			_, wErr := io.WriteString(w, ": ping\n\n")
			return wErr == nil
		default:
			s.logger.Warn("Event stream failed", zap.Error(err))
			return false
		}
	})
}
