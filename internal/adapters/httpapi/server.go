// Package httpapi exposes the lead service over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikey/lead-router/internal/adapters/deadletter"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// Authenticator runs the OAuth login flow
type Authenticator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (core.Credentials, error)
	UserInfo(ctx context.Context, creds core.Credentials) (core.UserInfo, error)
}

// DeadLetters lists recent dead-lettered notifications
type DeadLetters interface {
	List() []deadletter.Entry
	Total() int
}

const stateTTL = 10 * time.Minute

// Server is the HTTP front of the lead service
type Server struct {
	svc         *core.LeadService
	auth        Authenticator
	deadLetters DeadLetters
	cfg         config.ServerConfig
	watchTopic  string
	logger      *zap.Logger

	engine *gin.Engine
	http   *http.Server

	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

// NewServer builds the router. watchTopic is the default topic of
// POST /gmail/watch.
func NewServer(
	svc *core.LeadService,
	auth Authenticator,
	deadLetters DeadLetters,
	cfg config.ServerConfig,
	watchTopic string,
	logger *zap.Logger,
) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}

	s := &Server{
		svc:         svc,
		auth:        auth,
		deadLetters: deadLetters,
		cfg:         cfg,
		watchTopic:  watchTopic,
		logger:      logger,
		states:      make(map[string]time.Time),
		now:         time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.cors())
	s.routes(r)
	s.engine = r
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.cfg.ListenAddress))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/", s.root)
	r.GET("/health", s.health)

	r.GET("/auth/login", s.login)
	r.GET("/auth/callback", s.callback)
	r.POST("/auth/logout", s.logout)

	r.POST("/gmail/webhook", s.webhook)
	r.POST("/notify-new-email", s.notifyNewEmail)
	r.POST("/test-notification", s.testNotification)
	r.GET("/admin/dead-letters", s.listDeadLetters)

	authed := r.Group("/")
	authed.Use(s.requireSession())
	authed.GET("/user/info", s.userInfo)
	authed.GET("/gmail/sync", s.sync)
	authed.GET("/gmail/unread-count", s.unreadCount)
	authed.POST("/gmail/send-reply", s.sendReply)
	authed.POST("/gmail/refresh-token", s.refreshToken)
	authed.POST("/gmail/watch", s.watch)
	authed.POST("/gmail/mark-read", s.markRead)
	authed.GET("/events", s.events)
	authed.GET("/leads", s.listLeads)
	authed.GET("/leads/:id", s.getLead)
	authed.PATCH("/leads/:id/draft", s.updateDraft)
	authed.POST("/leads/:id/send", s.sendLead)
	authed.POST("/leads/:id/dismiss", s.dismissLead)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := s.cfg.FrontendURL
		if origin == "" {
			origin = "*"
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Session-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireSession resolves the session id from the session_id query
// parameter or the X-Session-ID header
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("session_id")
		if id == "" {
			id = c.GetHeader("X-Session-ID")
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session id"})
			return
		}
		c.Set("session_id", id)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString("session_id")
}

// respondError maps service errors onto status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTransientUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
