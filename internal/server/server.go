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

	"github.com/mbd888/sentinel/internal/blacklist"
	"github.com/mbd888/sentinel/internal/cache"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/ensemble"
	"github.com/mbd888/sentinel/internal/evaluation"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/reputation"
	"github.com/mbd888/sentinel/internal/review"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	kv          kvstore.Store
	blacklist   *blacklist.Service
	cache       *cache.Cache
	ruleEngine  *rules.Engine
	velocity    *rules.VelocityTracker
	scorer      *ensemble.Scorer
	reputation  *reputation.Service
	reviews     *review.Service
	audit       evaluation.Store
	engine      *evaluation.Engine
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithKVStore sets a custom key-value store (for testing)
func WithKVStore(kv kvstore.Store) Option {
	return func(s *Server) {
		s.kv = kv
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set kv store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var reviewStore review.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if s.kv == nil {
			kvStore := kvstore.NewPostgresStore(db)
			if err := kvStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate kv store", "error", err)
			}
			s.kv = kvStore
		}

		pgReviews := review.NewPostgresStore(db)
		if err := pgReviews.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate review store", "error", err)
		}
		reviewStore = pgReviews

		auditStore := evaluation.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate evaluation store", "error", err)
		}
		s.audit = auditStore
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		if s.kv == nil {
			s.kv = kvstore.NewMemoryStore()
		}
		reviewStore = review.NewMemoryStore()
		s.audit = evaluation.NewMemoryStore()
	}

	// Shared state over the kv store
	s.cache = cache.New(s.kv, s.logger)
	s.blacklist = blacklist.NewService(s.kv, s.logger)
	s.velocity = rules.NewVelocityTracker(s.kv, cfg.VelocityWindow, s.logger)
	s.reviews = review.NewService(reviewStore, s.logger)

	// Reputation providers. Endpoint URLs are validated once here: a config
	// pointing a provider at an internal address is a startup error, not
	// something to discover per-request.
	emailProv, err := buildProvider("email", cfg.EmailReputationURL)
	if err != nil {
		return nil, err
	}
	phoneProv, err := buildProvider("phone", cfg.PhoneReputationURL)
	if err != nil {
		return nil, err
	}
	binProv, err := buildProvider("bin", cfg.BINReputationURL)
	if err != nil {
		return nil, err
	}
	s.reputation = reputation.NewService(s.cache, nil, emailProv, phoneProv, binProv, s.logger)

	// Rule engine. An empty rule set is a deployment mistake, so it is fatal.
	s.ruleEngine, err = rules.NewEngine(rules.DefaultRules(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to build rule engine: %w", err)
	}
	s.logger.Info("rule engine enabled", "rules", len(s.ruleEngine.Rules()))

	// Ensemble scorer (validates model weights)
	s.scorer, err = ensemble.NewScorer(cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build ensemble scorer: %w", err)
	}
	s.logger.Info("ensemble scorer enabled",
		"batch_size", cfg.BatchSize,
		"max_batch_delay", cfg.MaxBatchDelay,
	)

	// Create realtime hub for WebSocket decision streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	s.engine = evaluation.NewEngine(
		cfg,
		s.blacklist,
		s.ruleEngine,
		s.velocity,
		s.scorer,
		s.cache,
		s.reputation,
		s.reviews,
		s.audit,
		s.realtimeHub,
		s.logger,
	)

	// Health checkers for every stateful dependency
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	// The kv store backs the blacklist, cache, and rate limiter; a probe
	// write covers all three.
	s.checks.Register("kvstore", func(ctx context.Context) health.Status {
		if err := s.kv.Set(ctx, "health:probe", []byte("ok"), time.Minute); err != nil {
			return health.Status{Name: "kvstore", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "kvstore", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildProvider returns an HTTP reputation provider for the given endpoint,
// or nil (offline) when the endpoint is unset.
func buildProvider(name, endpoint string) (reputation.Provider, error) {
	if endpoint == "" {
		return nil, nil
	}
	if err := security.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid %s reputation endpoint: %w", name, err)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultFailureThreshold, circuitbreaker.DefaultCooldown)
	return reputation.NewHTTPProvider(name, endpoint, breaker), nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting, backed by the shared kv store so limits hold across instances
	s.rateLimiter = ratelimit.New(s.kv, s.rateLimitConfig(), s.logger)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) rateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitIPPerMinute > 0 {
		cfg.IPDefault = ratelimit.Limit{MaxRequests: s.cfg.RateLimitIPPerMinute, Window: time.Minute}
	}
	if s.cfg.RateLimitServicePerMinute > 0 {
		cfg.ServiceDefault = ratelimit.Limit{MaxRequests: s.cfg.RateLimitServicePerMinute, Window: time.Minute}
	}
	return cfg
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards the blacklist admin surface. Requests must carry the
// configured secret in X-Admin-Secret; when no secret is configured the
// surface stays open in development and closed everywhere else.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is disabled: no admin secret configured",
			})
			return
		}

		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Evaluation: the core endpoint plus audit trail lookups
	evalHandler := evaluation.NewHandler(s.engine, s.audit)
	evalHandler.RegisterRoutes(v1)

	// Manual review queue
	reviewHandler := review.NewHandler(s.reviews)
	reviewHandler.RegisterRoutes(v1)

	// WebSocket decision stream for ops consumers
	v1.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Blacklist CRUD is an admin surface
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	blacklistHandler := blacklist.NewHandler(s.blacklist)
	blacklistHandler.RegisterRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sentinel",
		"description": "Real-time transaction fraud evaluation",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the batch inference scheduler
	s.scorer.Start(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// In-memory stores need a janitor to reclaim expired keys
	if mem, ok := s.kv.(*kvstore.MemoryStore); ok {
		go mem.Janitor(runCtx, time.Minute)
	}

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines (hub, janitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the batch pipeline after the listener so in-flight evaluations drain
	if s.scorer != nil {
		s.scorer.Stop()
		s.logger.Info("inference pipeline stopped")
	}

	// Close database connection pool
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
