// Package server exposes previews over HTTP: a JSON API for pushing
// bundles and reading logs, the sandboxed document route, the host shell
// page and the bridge WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brighthub/bncode/internal/bridge"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/metrics"
	"github.com/brighthub/bncode/internal/preview"
	"github.com/brighthub/bncode/internal/sandbox"
)

// Config contains server configuration.
type Config struct {
	Listen string
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Listen:    "127.0.0.1:7420",
		RateLimit: 20,
		RateBurst: 40,
	}
}

// Server wraps the HTTP router and the preview manager it serves.
type Server struct {
	cfg      Config
	manager  *preview.Manager
	store    sandbox.DocumentStore
	listener *bridge.Listener
	router   *gin.Engine
	http     *http.Server
}

// New creates a server for the previews held by manager.
func New(cfg Config, manager *preview.Manager) *Server {
	opts := manager.Options()
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		store:    opts.Store,
		listener: opts.Listener,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(corsMiddleware(s.cfg.AllowedOrigins))
	router.SetHTMLTemplate(shellTemplate)

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/sandbox/:handle", s.serveDocument)
	router.GET("/preview/:id", s.shell)
	router.GET("/ws/previews/:id", s.bridgeSocket)

	api := router.Group("/api/previews")
	{
		api.POST("", s.createPreview)
		api.GET("", s.listPreviews)
		api.GET("/:id", s.getPreview)
		api.DELETE("/:id", s.closePreview)

		// Bundle pushes arrive on every keystroke and are the only
		// expensive route, so only they are rate limited.
		api.PUT("/:id/bundle", rateLimit(s.cfg.RateLimit, s.cfg.RateBurst), s.putBundle)
		api.POST("/:id/reload", s.reload)
		api.PUT("/:id/viewport", s.setViewport)

		api.GET("/:id/logs", s.logs)
		api.GET("/:id/logs/counts", s.logCounts)
		api.GET("/:id/logs.html", s.logsHTML)
		api.DELETE("/:id/logs", s.clearLogs)
	}

	return router
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	debug.Info("server", "listening on http://%s", s.cfg.Listen)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"previews": s.manager.ActiveCount(),
		"handles":  s.store.Live(),
	})
}

// serveDocument serves a composed document by handle. Revoked handles 404
// and nothing is cached, so a stale frame can never be revived.
func (s *Server) serveDocument(c *gin.Context) {
	doc, err := s.store.Open(c.Param("handle"))
	if err != nil {
		c.Header("Cache-Control", "no-store")
		c.String(http.StatusNotFound, "document not found")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(doc))
}
