// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/billing"
	"github.com/mbd888/distrokit/internal/circuitbreaker"
	"github.com/mbd888/distrokit/internal/config"
	"github.com/mbd888/distrokit/internal/entitlement"
	"github.com/mbd888/distrokit/internal/health"
	"github.com/mbd888/distrokit/internal/hierarchy"
	"github.com/mbd888/distrokit/internal/invitation"
	"github.com/mbd888/distrokit/internal/logging"
	"github.com/mbd888/distrokit/internal/metrics"
	"github.com/mbd888/distrokit/internal/ratelimit"
	"github.com/mbd888/distrokit/internal/reconcile"
	"github.com/mbd888/distrokit/internal/security"
	"github.com/mbd888/distrokit/internal/traces"
	"github.com/mbd888/distrokit/internal/validation"
	"github.com/mbd888/distrokit/internal/webhooks"
	"github.com/mbd888/distrokit/migrations"
)

// Version is reported by the health endpoint.
var Version = "dev"

const (
	resyncConcurrency   = 8
	notifierMaxInFlight = 64
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	provider    billing.Provider
	breaker     *circuitbreaker.Breaker
	ledger      *entitlement.Ledger
	resolver    *hierarchy.Resolver
	reconciler  *reconcile.Reconciler
	scheduler   *reconcile.Scheduler
	invitations *invitation.Service
	authMgr     *auth.Manager
	dispatcher  *webhooks.Dispatcher
	emitter     *webhooks.Emitter
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	urlValidator webhooks.URLValidator
	stores       stores

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// stores groups the persistence layer chosen at startup.
type stores struct {
	usage         entitlement.Store
	graph         hierarchy.Store
	invitations   invitation.Store
	keys          auth.Store
	subscriptions webhooks.Store
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBillingProvider replaces the provider selected from configuration.
func WithBillingProvider(p billing.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithNotificationURLValidator replaces the outbound notification URL check.
func WithNotificationURLValidator(v webhooks.URLValidator) Option {
	return func(s *Server) {
		s.urlValidator = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.stores = stores{
			usage:         entitlement.NewPostgresStore(db),
			graph:         hierarchy.NewPostgresStore(db),
			invitations:   invitation.NewPostgresStore(db),
			keys:          auth.NewPostgresStore(db),
			subscriptions: webhooks.NewPostgresStore(db),
		}
		s.health.Register("database", health.DB(db))
		if err := metrics.RegisterDB(db, "distrokit"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.stores = stores{
			usage:         entitlement.NewMemoryStore(),
			graph:         hierarchy.NewMemoryStore(),
			invitations:   invitation.NewMemoryStore(),
			keys:          auth.NewMemoryStore(),
			subscriptions: webhooks.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Billing provider (Stripe if configured, otherwise in-memory)
	if s.provider == nil {
		if cfg.StripeSecretKey != "" {
			s.breaker = circuitbreaker.New(5, 30*time.Second)
			s.provider = billing.NewStripeProvider(billing.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				ProductID: cfg.StripeProductID,
				Breaker:   s.breaker,
				Logger:    s.logger,
			})
			s.logger.Info("stripe billing enabled")
		} else {
			s.provider = billing.NewMemoryProvider()
			s.logger.Warn("using in-memory billing provider")
		}
	}
	if s.breaker != nil {
		s.health.Register("billing", health.Breaker("billing", s.breaker, billing.BreakerKeyRead, billing.BreakerKeyWrite))
	}

	if err := s.wire(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wire builds the services on top of the chosen stores and provider.
func (s *Server) wire() error {
	if s.urlValidator == nil {
		s.urlValidator = webhooks.SafeURLValidator(s.cfg.IsDevelopment())
	}
	s.dispatcher = webhooks.NewDispatcher(s.stores.subscriptions, notifierMaxInFlight, s.logger).
		WithURLValidator(s.urlValidator)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	s.ledger = entitlement.New(s.stores.usage).
		WithNotifier(s.emitter).
		WithLogger(s.logger)

	s.resolver = hierarchy.NewResolver(s.stores.graph, s.ledger).WithLogger(s.logger)

	s.reconciler = reconcile.New(s.provider, s.ledger, s.resolver, reconcile.Config{Timeout: s.cfg.BillingTimeout}).
		WithNotifier(s.emitter).
		WithLogger(s.logger)
	s.ledger.WithAllowanceSource(s.reconciler)

	if s.cfg.ResyncSchedule != "" {
		sched, err := reconcile.NewScheduler(s.reconciler, s.cfg.ResyncSchedule, resyncConcurrency, s.logger)
		if err != nil {
			return err
		}
		s.scheduler = sched
	}

	s.invitations = invitation.NewService(s.stores.invitations, s.resolver, s.cfg.InvitationTTL).
		WithPlanAttacher(invitation.PlanAttacherFunc(s.attachPlan)).
		WithNotifier(s.emitter).
		WithLogger(s.logger)

	s.authMgr = auth.NewManager(s.stores.keys).
		WithAccountCheck(s.accountExists).
		WithLogger(s.logger)
	return nil
}

// accountExists lets key issuance refuse accounts the hierarchy does not know.
func (s *Server) accountExists(ctx context.Context, accountID string) error {
	_, err := s.resolver.GetAccount(ctx, accountID)
	if errors.Is(err, hierarchy.ErrAccountNotFound) {
		return auth.ErrAccountNotFound
	}
	return err
}

// attachPlan subscribes a newly joined owner to the tier named in their
// invitation.
func (s *Server) attachPlan(ctx context.Context, tenantID string, tier invitation.TierGrant) error {
	_, err := s.reconciler.Subscribe(ctx, reconcile.SubscribeRequest{
		TenantID:         tenantID,
		TracksAllowed:    tier.TracksAllowed,
		PaymentMethodRef: tier.PaymentMethodRef,
	})
	return err
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
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
	s.router.Use(security.CORSPolicy{AllowedOrigins: s.cfg.CORSOrigins}.Middleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider-signed, no API key.
	billing.NewWebhookHandler(s.cfg.StripeWebhookSecret, s.reconciler, s.logger).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)
	entitlementHandler := entitlement.NewHandler(s.ledger, s.resolver, s.logger)
	reconcileHandler := reconcile.NewHandler(s.reconciler, s.resolver, s.resyncer(), s.cfg.AdminSecret, s.logger)
	hierarchyHandler := hierarchy.NewHandler(s.resolver, s.logger)
	invitationHandler := invitation.NewHandler(s.invitations, s.logger)
	notificationHandler := webhooks.NewHandler(s.stores.subscriptions, s.urlValidator, s.logger)

	// Allowance changes check the caller themselves: POST /subscriptions
	// also accepts the admin secret in place of an API key.
	reconcileHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterRoutes(protected)
	entitlementHandler.RegisterRoutes(protected)
	hierarchyHandler.RegisterRoutes(protected)
	invitationHandler.RegisterRoutes(protected)
	notificationHandler.RegisterRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	hierarchyHandler.RegisterAdminRoutes(admin)
}

// resyncer returns the scheduler when one is configured; a nil interface
// makes the admin endpoint run the pass directly.
func (s *Server) resyncer() reconcile.Resyncer {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
			s.logger.Info("resync scheduler stopped")
		case <-ctx.Done():
			s.logger.Warn("resync scheduler did not stop in time")
		}
	}

	// In-flight notifications were detached from their requests.
	s.dispatcher.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
