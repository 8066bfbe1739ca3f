package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/admin"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/proxy"
	"github.com/ubuygold/ocgateway/internal/ratelimit"
	"github.com/ubuygold/ocgateway/internal/scheduler"
	"github.com/ubuygold/ocgateway/internal/tokens"
	"github.com/ubuygold/ocgateway/internal/tunnel"
	"github.com/ubuygold/ocgateway/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component of the gateway.
type Server struct {
	cfg       *config.Config
	store     db.Service
	limiter   *ratelimit.Limiter
	gate      *auth.Gate
	relay     *proxy.Relay
	scheduler *scheduler.Scheduler
	router    *gin.Engine
	logger    *slog.Logger
}

// New opens the configured store and builds the gateway around it.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	store, err := db.NewService(cfg.Database, db.WithDefaultLimits(cfg.Quota.DailyLimit, cfg.Quota.MonthlyLimit))
	if err != nil {
		return nil, err
	}
	log.Info("Database initialized", "type", cfg.Database.Type)
	return NewWithStore(cfg, store, log), nil
}

// NewWithStore builds the gateway around an already opened store. The server takes
// ownership of the store and closes it in Close.
func NewWithStore(cfg *config.Config, store db.Service, log *slog.Logger) *Server {
	limiter := ratelimit.New(cfg.Quota.RPMLimit)
	gate := auth.NewGate(store, limiter, log)
	s := &Server{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		gate:      gate,
		relay:     proxy.NewRelay(store, cfg, log),
		scheduler: scheduler.NewScheduler(store, cfg.RetentionDays(), log),
		logger:    log,
	}
	s.router = s.setupRouter()
	return s
}

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// protocolVersion stamps the version header before any handler writes, so streamed
// responses carry it too.
func protocolVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(version.Header, version.ProtocolVersion)
		c.Next()
	}
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(customRecovery(s.logger))
	if s.cfg.Debug {
		router.Use(gin.Logger())
	}
	router.Use(protocolVersion())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "protocol_version": version.ProtocolVersion})
	})

	publicBase := s.cfg.PublicBase()
	tokens.SetupRoutes(router, tokens.NewHandler(s.store, s.cfg.Platforms, publicBase, s.logger), s.cfg.Secrets.Build)
	tunnel.SetupRoutes(router, tunnel.NewHandler(s.store, s.gate, publicBase, s.logger))
	admin.SetupRoutes(router, s.store, s.gate, s.cfg, s.logger)

	v1 := router.Group("/v1")
	v1.Use(s.gate.AuthMiddleware())
	{
		v1.POST("/chat/completions", s.relay.ChatCompletions)
		v1.GET("/models", s.relay.ListModels)
	}

	return router
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	// No write timeout: streamed completions may run for minutes.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", addr, "public_base_url", s.cfg.PublicBase())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server exiting")
	return nil
}

// Close stops background work and releases the store.
func (s *Server) Close() error {
	s.scheduler.Stop()
	s.limiter.Reset()
	return s.store.Close()
}
