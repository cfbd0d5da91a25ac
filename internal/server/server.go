// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/admin"
	"github.com/velvetrooms/escrowd/internal/audit"
	"github.com/velvetrooms/escrowd/internal/auth"
	"github.com/velvetrooms/escrowd/internal/config"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/health"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/logging"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/metrics"
	"github.com/velvetrooms/escrowd/internal/ratelimit"
	"github.com/velvetrooms/escrowd/internal/realtime"
	"github.com/velvetrooms/escrowd/internal/reconciliation"
	"github.com/velvetrooms/escrowd/internal/security"
	"github.com/velvetrooms/escrowd/internal/traces"
	"github.com/velvetrooms/escrowd/internal/validation"
	"github.com/velvetrooms/escrowd/internal/webhooks"
)

const (
	notifyDrainTimeout = 10 * time.Second
	drainDelay         = 5 * time.Second
)

// Server is the escrowd HTTP server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	core    *Core
	hub     *realtime.Hub
	timer   *escrow.Timer // nil unless SWEEP_IN_PROCESS
	checks  *reconciliation.Timer
	tokens  *auth.Manager
	health  *health.Registry
	limiter *ratelimit.Limiter
	hooks   *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	coreOpts        []CoreOption
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
	ready           atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithCoreOptions passes options through to NewCore.
func WithCoreOptions(opts ...CoreOption) Option {
	return func(s *Server) {
		s.coreOpts = append(s.coreOpts, opts...)
	}
}

// New creates a new server instance.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		version:    "dev",
		drainDelay: drainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, "escrowd", s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	s.hub = realtime.NewHub(s.logger)
	core, err := NewCore(ctx, cfg, s.logger, append([]CoreOption{WithPublisher(s.hub)}, s.coreOpts...)...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	s.core = core

	if cfg.SweepInProcess {
		s.timer = core.Timer()
		s.checks = core.ReconcileTimer()
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		s.logger.Warn("JWT_SECRET not set, using an ephemeral signing key")
	}
	s.tokens = auth.NewManager(secret)

	s.health = health.NewRegistry(2 * time.Second)
	if core.Postgres != nil {
		s.health.Register("postgres", health.PingChecker("postgres", core.Postgres))
	}
	if core.Lease != nil {
		s.health.Register("redis", health.PingChecker("redis", core.Lease))
	}

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.hooks = ratelimit.New(ratelimit.WebhookConfig())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimit(security.MaxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(auditRequestID())
}

// auditRequestID stamps admin actions with the request id logging assigned.
func auditRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := logging.RequestID(ctx); id != "" {
			c.Request = c.Request.WithContext(audit.WithRequestID(ctx, id))
		}
		c.Next()
	}
}

// streamToken lets browsers, which cannot set headers on a WebSocket
// handshake, authenticate with ?access_token=.
func streamToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("access_token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

// userStatus feeds the ban check. Accounts unknown to the marketplace, such
// as operator tokens, pass.
func (s *Server) userStatus(ctx context.Context, userID int64) (string, error) {
	u, err := s.core.Market.GetUser(ctx, userID)
	if errors.Is(err, market.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Status, nil
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	hooks := v1.Group("")
	hooks.Use(s.hooks.Middleware("webhooks"))
	webhooks.NewHandler(s.core.Settlement, webhooks.Secrets{
		Paystack:    s.cfg.PaystackSecretKey,
		Flutterwave: s.cfg.FlutterwaveWebhookHash,
		Stripe:      s.cfg.StripeWebhookSecret,
	}).RegisterRoutes(hooks)

	protected := v1.Group("")
	protected.Use(streamToken())
	protected.Use(auth.Middleware(s.tokens, s.userStatus))
	protected.Use(s.limiter.Middleware("api"))
	protected.Use(validation.RefParamMiddleware())

	ledger.NewHandler(s.core.Ledger, s.logger).RegisterProtectedRoutes(protected)
	escrow.NewHandler(s.core.Escrows).RegisterProtectedRoutes(protected)
	marketHandler := market.NewHandler(s.core.Market)
	marketHandler.RegisterProtectedRoutes(protected)

	admins := protected.Group("")
	admins.Use(auth.RequireAdmin())
	admin.NewHandler(s.core.Admin).RegisterRoutes(admins)
	reconciliation.NewHandler(s.core.Reconciler).RegisterRoutes(admins)
	marketHandler.RegisterAdminRoutes(admins.Group("/admin"))
	admins.GET("/admin/stream", gin.WrapF(s.hub.HandleWebSocket))
	admins.GET("/admin/stream/stats", s.streamStatsHandler)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Time    time.Time       `json:"time"`
	Checks  []health.Status `json:"checks,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{Status: "healthy", Version: s.version, Time: time.Now().UTC(), Checks: checks}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx cancellation or
// a listener error, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.limiter.Run(ctx)
	go s.hooks.Run(ctx)

	if s.core.Postgres != nil {
		go metrics.StartDBStatsCollector(ctx, s.core.Postgres.DB, 15*time.Second)
	}
	if s.timer != nil {
		go s.timer.Start(ctx)
		s.logger.Info("in-process sweep enabled", "interval", s.cfg.SweepInterval)
	}
	if s.checks != nil {
		go s.checks.Start(ctx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic.
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("sweep timer stopped")
	}
	if s.checks != nil {
		s.checks.Stop()
	}

	s.core.Close()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Core returns the wired services.
func (s *Server) Core() *Core {
	return s.core
}

// Tokens returns the token manager.
func (s *Server) Tokens() *auth.Manager {
	return s.tokens
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
