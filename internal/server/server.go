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

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/config"
	"github.com/castline/escrowd/internal/contracts"
	"github.com/castline/escrowd/internal/escrow"
	"github.com/castline/escrowd/internal/fees"
	"github.com/castline/escrowd/internal/health"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/metrics"
	"github.com/castline/escrowd/internal/notify"
	"github.com/castline/escrowd/internal/processor"
	"github.com/castline/escrowd/internal/profiles"
	"github.com/castline/escrowd/internal/ratelimit"
	"github.com/castline/escrowd/internal/realtime"
	"github.com/castline/escrowd/internal/reconciliation"
	"github.com/castline/escrowd/internal/security"
	"github.com/castline/escrowd/internal/syncutil"
	"github.com/castline/escrowd/internal/traces"
	"github.com/castline/escrowd/internal/validation"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// Version is reported by /api.
const Version = "0.1.0"

const maxOpenConns = 25

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	authMgr         *auth.Manager
	gateway         processor.Gateway
	guarded         *processor.Guarded
	escrowService   *escrow.Service
	escrowQuery     *escrow.QueryService
	contractService *contracts.Service
	profileService  *profiles.Service
	notifier        *notify.Dispatcher
	inbox           notify.Inbox
	realtimeHub     *realtime.Hub
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	rateLimiter     *ratelimit.Limiter
	healthChecks    *health.Registry
	redis           *redis.Client // nil without REDIS_URL
	db              *sql.DB        // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway replaces the configured payment processor (for testing).
// The gateway is still wrapped with timeouts and the circuit breaker.
func WithGateway(g processor.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	authMgr, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}
	s.authMgr = authMgr

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore   escrow.Store
		journal       escrow.CommitJournal
		contractStore contracts.Store
		profileStore  profiles.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if err := metrics.RegisterDB(db, "escrowd"); err != nil {
			s.logger.Warn("database metrics not registered", "error", err)
		}
		escrowStore = escrow.NewPostgresStore(db)
		journal = reconciliation.NewPostgresJournal(db)
		contractStore = contracts.NewPostgresStore(db)
		profileStore = profiles.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		journal = reconciliation.NewMemoryJournal()
		contractStore = contracts.NewMemoryStore()
		profileStore = profiles.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	s.profileService = profiles.NewService(profileStore)
	s.contractService = contracts.NewService(contractStore)
	contractInfo := &contractAdapter{s.contractService}

	// Payment processor
	if s.gateway == nil {
		switch cfg.Processor {
		case config.ProcessorStripe:
			s.gateway = processor.NewStripe(processor.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				Currency:  cfg.StripeCurrency,
				APIURL:    cfg.StripeAPIURL,
			}, s.profileService)
		default:
			if cfg.IsProduction() {
				return nil, errors.New("the simulated payment processor cannot run in production")
			}
			s.gateway = processor.NewSimulated()
		}
	}
	s.guarded = processor.NewGuarded(s.gateway, processor.GuardOptions{
		Timeout:          cfg.GatewayTimeout,
		MaxAttempts:      cfg.GatewayMaxAttempts,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		Logger:           s.logger,
	})
	s.logger.Info("payment processor configured", "processor", s.gateway.Name())

	calc, err := fees.NewCalculator(cfg.FeeRate())
	if err != nil {
		return nil, err
	}

	// Notifications: log + inbox + websocket (+ webhook). With Redis the
	// inbox is shared and websocket delivery goes through the pub/sub relay
	// so every instance reaches its own clients.
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		redisSink := notify.NewRedisSink(s.redis, notify.DefaultInboxSize)
		s.inbox = redisSink
		sinks = append(sinks, redisSink)
		s.logger.Info("using Redis notification bus", "addr", opt.Addr)
	} else {
		inbox := notify.NewMemoryInbox(notify.DefaultInboxSize)
		s.inbox = inbox
		sinks = append(sinks, inbox, s.realtimeHub)
	}
	if cfg.NotifyWebhookURL != "" {
		policy := security.EndpointPolicy{
			AllowHTTP:    !cfg.IsProduction(),
			AllowPrivate: cfg.IsDevelopment(),
		}
		if err := security.ValidateEndpointURL(ctx, cfg.NotifyWebhookURL, policy); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
	}
	s.notifier = notify.NewDispatcher(sinks...)

	// Escrow ledger
	s.escrowService = escrow.NewService(escrowStore, s.guarded, calc, contractInfo).
		WithNotifier(s.notifier).
		WithJournal(journal).
		WithMinDisputeReason(cfg.MinDisputeReason)
	if s.db != nil {
		// Half the pool, so lock holders always leave connections for queries.
		s.escrowService.WithLocker(syncutil.NewAdvisoryLocker(s.db, maxOpenConns/2, s.logger))
	}
	s.escrowQuery = escrow.NewQueryService(escrowStore, contractInfo, s.profileService)

	s.reconciler = reconciliation.NewRunner(journal, s.escrowService, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Health checks
	s.healthChecks = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.healthChecks.Register("database", health.DB(s.db))
	}
	if s.redis != nil {
		s.healthChecks.Register("redis", health.Redis(s.redis))
	}
	s.healthChecks.Register("processor", s.processorCheck)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         max(cfg.RateLimitRPM/6, 10),
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a database URL for logging.
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

func (s *Server) processorCheck(_ context.Context) health.Status {
	open := s.guarded.OpenCircuits()
	if len(open) > 0 {
		return health.Status{
			Name:    "processor",
			Healthy: false,
			Detail:  fmt.Sprintf("circuit open for %v", open),
		}
	}
	return health.Status{Name: "processor", Healthy: true, Detail: s.gateway.Name()}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.requestIDMiddleware())

	// Auth runs before the limiter so authenticated callers get their own bucket.
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
	// Health & metrics endpoints
	s.router.GET("/health", health.Handler(s.healthChecks))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1", auth.RequireAuth())

	// Per-user notification stream. Browsers pass the token as ?access_token=.
	v1.GET("/ws", s.realtimeHub.HandleWebSocket)

	escrow.NewHandler(s.escrowService, s.escrowQuery).RegisterRoutes(v1)
	contracts.NewHandler(s.contractService).RegisterRoutes(v1)
	profiles.NewHandler(s.profileService).RegisterRoutes(v1)
	notify.NewHandler(s.inbox).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
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
		"name":            "escrowd",
		"version":         Version,
		"processor":       s.gateway.Name(),
		"platformFeeRate": s.cfg.FeeRate().String(),
		"realtime":        s.realtimeHub.Stats(),
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"processor", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)

	if s.redis != nil {
		go func() {
			if err := notify.Relay(runCtx, s.redis, s.realtimeHub); err != nil && runCtx.Err() == nil {
				s.logger.Error("notification relay stopped", "error", err)
			}
		}()
	}

	// Settle anything left open by a previous process before taking traffic.
	go func() {
		if _, err := s.reconciler.RunAll(runCtx); err != nil {
			s.logger.Warn("startup reconciliation failed", "error", err)
		}
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Stop background work only after in-flight requests have finished.
	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.notifier.Wait(ctx); err != nil {
		s.logger.Warn("notifications still in flight at shutdown", "error", err)
	}

	s.rateLimiter.Stop()

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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the token manager, used by tests and tooling to mint tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// Reconciler exposes the reconciliation runner.
func (s *Server) Reconciler() *reconciliation.Runner {
	return s.reconciler
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
