// Package server wires the marketplace together: storage, the order engine,
// background sweeps, notifications and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/mbd888/bazaar/internal/admin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/health"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/ratelimit"
	"github.com/mbd888/bazaar/internal/realtime"
	"github.com/mbd888/bazaar/internal/reconciliation"
	"github.com/mbd888/bazaar/internal/security"
	"github.com/mbd888/bazaar/internal/settings"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

const serviceName = "bazaar"

// Version is reported to the tracer. Set by ldflags.
var Version = "dev"

// Lifecycle timings. Vars so tests can shorten them.
var (
	shutdownDrain   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sqlx.DB             // nil if using in-memory
	redis *settings.RedisCache // nil without REDIS_URL
	store escrow.Store

	settings       *settings.Service
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer

	dispatcher  *notify.Dispatcher
	kafka       *notify.KafkaSink
	realtimeHub *realtime.Hub

	tokens      *auth.TokenManager
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the store chosen from the config (for testing).
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	source, err := s.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	var cache settings.Cache = settings.NewMemoryCache(time.Now)
	if cfg.RedisURL != "" {
		rc, err := settings.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.redis = rc
		cache = rc
		s.logger.Info("settings cache: redis")
	}
	s.settings = settings.NewService(source, cache, cfg.SettingsTTL,
		map[string]string{settings.KeyPlatformFeePercent: cfg.PlatformFeePercent}, s.logger)

	if err := s.setupNotifications(); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.escrowService = escrow.NewService(s.store, s.settings, escrow.Config{
		AutoReleaseAfter: cfg.AutoReleaseAfter,
		DisputeWindow:    cfg.DisputeWindow,
		PaymentWindow:    cfg.PaymentWindow,
		MinWithdrawal:    cfg.MinWithdrawal,
	}, s.logger).WithPublisher(s.dispatcher)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.store, cfg.SweepInterval, s.logger)

	s.reconciler = reconciliation.NewService(s.store, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger).WithAlerts(s.dispatcher)

	secret := cfg.JWTSecret
	if secret == "" {
		// Tokens from a previous run stop working after a restart.
		secret = idgen.New() + idgen.New()
		s.logger.Warn("JWT_SECRET not set, using an ephemeral signing key")
	}
	s.tokens = auth.NewTokenManager(secret, 0)
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute})

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("http", health.Loop(s.ready.Load))
	if s.db != nil {
		s.health.Register("postgres", health.Ping(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping(s.redis))
	}
	s.health.Register("escrow_timer", health.Loop(s.escrowTimer.Running))
	s.health.Register("reconciliation_timer", health.Loop(s.reconcileTimer.Running))

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupStorage picks Postgres when DATABASE_URL is set and memory otherwise.
// It returns the settings source that matches the store.
func (s *Server) setupStorage(ctx context.Context) (settings.Source, error) {
	if !s.cfg.UsesPostgres() {
		if s.store == nil {
			s.store = escrow.NewMemoryStore()
		}
		s.logger.Warn("DATABASE_URL not set, state is kept in memory and lost on restart")
		return settings.NewMemorySource(map[string]string{
			settings.KeyPlatformFeePercent: s.cfg.PlatformFeePercent,
		}), nil
	}

	db, err := sqlx.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s.db = db
	if s.store == nil {
		s.store = escrow.NewPostgresStore(db)
	}
	s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	return settings.NewPostgresSource(db), nil
}

func (s *Server) setupNotifications() error {
	s.realtimeHub = realtime.NewHub(s.logger).WithOrigins(s.cfg.CORSOrigins)
	sinks := []notify.Notifier{notify.NewLogSink(s.logger), s.realtimeHub}

	if s.cfg.WebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateWebhookURL(s.cfg.WebhookURL); err != nil {
				return fmt.Errorf("WEBHOOK_URL: %w", err)
			}
		}
		sinks = append(sinks, notify.NewWebhookSink(s.cfg.WebhookURL, s.cfg.WebhookSecret, nil))
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, s.kafka)
	}

	names := make([]string, 0, len(sinks))
	for _, n := range sinks {
		names = append(names, n.Name())
	}
	s.logger.Info("notification sinks configured", "sinks", names)

	s.dispatcher = notify.NewDispatcher(s.logger, s.cfg.NotifyTimeout, sinks...)
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity is resolved for every request so the limiter can key on it;
	// routes that need a caller add auth.RequireAuth.
	s.router.Use(auth.Middleware(s.tokens))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Live)
	s.router.GET("/health/ready", s.health.Ready())
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", auth.RequireAuth(), s.realtimeHub.HandleWebSocket)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.tokens)
	authHandler.RegisterRoutes(v1)

	api := v1.Group("", auth.RequireAuth())
	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(api)
	ledger.NewHandler(s.store).RegisterRoutes(api)

	authHandler.RegisterAdminRoutes(api.Group("", auth.RequireAdmin()))

	adminGroup := api.Group("/admin", auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(adminGroup)
	settings.NewHandler(s.settings).RegisterAdminRoutes(adminGroup)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithSweeper(s.escrowTimer).
		WithLoop("escrow_timer", s.escrowTimer).
		WithLoop("reconciliation_timer", s.reconcileTimer).
		RegisterRoutes(adminGroup)
	adminGroup.GET("/realtime", s.realtimeStatsHandler)
}

func (s *Server) infoHandler(c *gin.Context) {
	rate, err := s.settings.PlatformFeeRate(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("read platform fee", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Settings unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             serviceName,
		"version":          Version,
		"platformFeeBps":   rate,
		"autoReleaseAfter": s.cfg.AutoReleaseAfter.String(),
		"disputeWindow":    s.cfg.DisputeWindow.String(),
		"paymentWindow":    s.cfg.PaymentWindow.String(),
		"minWithdrawal":    s.cfg.MinWithdrawal,
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled or a termination signal arrives.
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

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db.DB, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to see the failing readiness probe.
	time.Sleep(shutdownDrain)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background loops stopped")

	// Events from requests that finished during the drain still go out.
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("notifications still in flight at shutdown", "error", err)
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Tokens returns the token manager that signs API tokens.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}
