// Package logic is the HTTP write path: account endpoints, session cookies,
// and message publication onto the partitioned log.
package logic

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/health"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/middleware"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/ratelimit"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// SessionCookie is the session cookie name.
const SessionCookie = "sid"

const sessionMaxAge = int(auth.SessionTTL / time.Second)

// Producer publishes accepted messages onto the partitioned log.
type Producer interface {
	Publish(ctx context.Context, msg *protocol.PushMsg) error
}

// Server is the HTTP write-path service.
type Server struct {
	auth     *auth.Service
	history  *history.Service
	producer Producer
	limiter  *ratelimit.RateLimiter
	origins  []string
}

// NewServer wires the write path.
func NewServer(authSvc *auth.Service, historySvc *history.Service, producer Producer, limiter *ratelimit.RateLimiter, origins []string) *Server {
	return &Server{
		auth:     authSvc,
		history:  historySvc,
		producer: producer,
		limiter:  limiter,
		origins:  origins,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router(redis *store.Redis, db *store.DB) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("logic"))
	r.Use(middleware.CorrelationID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderXCorrelationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.MountAccounts(r)

	logic := r.Group("/logic")
	logic.GET("/login", s.loginProbe)
	send := logic.Group("")
	send.Use(s.requireSession())
	if s.limiter != nil {
		send.Use(s.limiter.SendMiddleware())
	}
	send.POST("/send", s.send)

	health.NewHandler(map[string]health.Pinger{
		"redis":    redis,
		"database": db,
	}).Register(r)

	return r
}

// MountAccounts registers the welcome page and the account endpoints on r.
// The edge mounts the same routes so clients registering and upgrading
// against a single host talk to one port.
func (s *Server) MountAccounts(r gin.IRouter) {
	r.GET("/", s.welcome)

	api := r.Group("/api")
	if s.limiter != nil {
		api.Use(s.limiter.APIMiddleware())
	}
	api.POST("/create-account", s.createAccount)
	api.POST("/login", s.login)
}

// requireSession resolves the sid cookie to a user and stashes it in the
// request context.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookie)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{ID: "UNAUTHORIZED", Message: "session cookie missing"})
			return
		}
		user, err := s.auth.ResolveToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{ID: "UNAUTHORIZED", Message: "session expired"})
			return
		}
		c.Set("user", user)
		c.Set("user_id", userIDString(user.ID))
		c.Next()
	}
}
