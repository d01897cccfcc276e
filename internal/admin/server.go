// Package admin serves the HTTP health and metrics surface of an echo peer.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/imaged/internal/auth"
	"github.com/danmuck/imaged/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Sessions reports live peer state to the admin routes.
type Sessions interface {
	ActiveSessions() int
}

type Server struct {
	component string
	sessions  Sessions
	guard     auth.Validator
	started   time.Time
	router    *gin.Engine
}

// New builds the admin router. When guard is non-nil every route except
// /health requires a bearer token it accepts.
func New(component string, sessions Sessions, guard auth.Validator) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		component: component,
		sessions:  sessions,
		guard:     guard,
		started:   time.Now(),
		router:    r,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": s.component,
		})
	})

	api := s.router.Group("/")
	if s.guard != nil {
		api.Use(s.requireToken)
	}

	api.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     s.sessions != nil,
			"component": s.component,
		})
	})

	api.GET("/sessions", func(c *gin.Context) {
		active := 0
		if s.sessions != nil {
			active = s.sessions.ActiveSessions()
		}
		c.JSON(http.StatusOK, gin.H{"active": active})
	})

	api.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) requireToken(c *gin.Context) {
	if err := auth.Check(s.guard, c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

// Serve runs the admin listener until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
