// Package server wires the HTTP API together: stores, services, middleware,
// routes and background workers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/accounts"
	"github.com/moltworks/agora/internal/auth"
	"github.com/moltworks/agora/internal/config"
	"github.com/moltworks/agora/internal/deadline"
	"github.com/moltworks/agora/internal/fees"
	"github.com/moltworks/agora/internal/health"
	"github.com/moltworks/agora/internal/jobs"
	"github.com/moltworks/agora/internal/ledger"
	"github.com/moltworks/agora/internal/listings"
	"github.com/moltworks/agora/internal/logging"
	"github.com/moltworks/agora/internal/metrics"
	"github.com/moltworks/agora/internal/ratelimit"
	"github.com/moltworks/agora/internal/registry"
	"github.com/moltworks/agora/internal/reviews"
	"github.com/moltworks/agora/internal/security"
	"github.com/moltworks/agora/internal/traces"
	"github.com/moltworks/agora/internal/validation"
	"github.com/moltworks/agora/internal/verify"
	"github.com/moltworks/agora/internal/wallet"
	"github.com/moltworks/agora/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	registry *registry.Service
	listings *listings.Service
	ledger   *ledger.Service
	jobs     *jobs.Service
	reviews  *reviews.Service
	accounts *accounts.Service
	wallet   *wallet.Service

	schedule fees.Schedule
	authn    *auth.Authenticator
	limiter  ratelimit.Limiter
	limits   ratelimit.Limits
	consumer *deadline.Consumer
	checks   *health.Registry

	db      *sql.DB       // nil when using in-memory stores
	rdb     *redis.Client // nil when using in-process fallbacks
	eth     *ethclient.Client
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server instance: it connects storage, builds every service
// and registers all routes. Background workers start in Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	schedule, err := fees.NewSchedule(
		cfg.FeePercent, cfg.FeePerCPUSecond,
		cfg.VerificationFeeMin, cfg.FeePerKBStored, cfg.StorageFeeMin,
		cfg.WithdrawalFlatFee,
	)
	if err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}
	s.schedule = schedule

	// Redis-backed pieces: rate limits, auth nonces and the deadline queue
	// share one client. Without REDIS_URL each falls back in-process.
	var nonces auth.NonceStore
	var dq deadline.Queue
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(redisOpts)
		s.limiter = ratelimit.NewRedisLimiter(s.rdb)
		nonces = auth.NewRedisNonceStore(s.rdb)
		dq = deadline.NewRedisQueue(s.rdb)
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("redis connected", "url", maskDSN(cfg.RedisURL))
	} else {
		s.limiter = ratelimit.NewMemoryLimiter()
		nonces = auth.NewMemoryNonceStore()
		dq = deadline.NewMemoryQueue()
		s.logger.Info("using in-process rate limits, nonces and deadline queue")
	}
	s.limits = ratelimit.DefaultLimits()

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		registryStore registry.Store
		listingStore  listings.Store
		ledgerStore   ledger.Store
		jobStore      jobs.Store
		reviewStore   reviews.Store
		accountStore  accounts.Store
		walletStore   wallet.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgRegistry := registry.NewPostgresStore(db)
		pgListings := listings.NewPostgresStore(db)
		pgLedger := ledger.NewPostgresStore(db)
		pgJobs := jobs.NewPostgresStore(db)
		pgReviews := reviews.NewPostgresStore(db)
		pgAccounts := accounts.NewPostgresStore(db)
		pgWallet := wallet.NewPostgresStore(db)
		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"registry": pgRegistry, "listings": pgListings, "ledger": pgLedger,
			"jobs": pgJobs, "reviews": pgReviews, "accounts": pgAccounts,
			"wallet": pgWallet,
		} {
			if err := m.Migrate(ctx); err != nil {
				s.logger.Warn("store migration failed", "store", name, "error", err)
			}
		}
		registryStore, listingStore, ledgerStore = pgRegistry, pgListings, pgLedger
		jobStore, reviewStore, accountStore, walletStore = pgJobs, pgReviews, pgAccounts, pgWallet
	} else {
		memRegistry := registry.NewMemoryStore()
		registryStore = memRegistry
		listingStore = listings.NewMemoryStore(func(sellerID string) decimal.Decimal {
			agent, err := memRegistry.Get(ctx, sellerID)
			if err != nil {
				return decimal.Zero
			}
			return agent.ReputationSeller
		})
		ledgerStore = ledger.NewMemoryStore()
		jobStore = jobs.NewMemoryStore()
		reviewStore = reviews.NewMemoryStore()
		accountStore = accounts.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Services.
	s.accounts = accounts.NewService(accountStore, registryStore,
		accounts.WithLogger(logging.Component(s.logger, "accounts")))

	registryOpts := []registry.Option{registry.WithLogger(logging.Component(s.logger, "registry"))}
	if cfg.RequireSignup {
		registryOpts = append(registryOpts, registry.WithTokenRedeemer(s.accounts))
		s.logger.Info("registration requires a signup token")
	}
	s.registry = registry.NewService(registryStore, registryOpts...)

	s.listings = listings.NewService(listingStore,
		listings.WithLogger(logging.Component(s.logger, "listings")))
	s.ledger = ledger.NewService(ledgerStore, schedule,
		ledger.WithLogger(logging.Component(s.logger, "ledger")))

	// Sandbox backend. A missing Docker daemon is tolerated: suites with
	// scripts then fail verification while declarative tests still run.
	var backend verify.Backend
	if dockerBackend, err := verify.NewDockerBackend(
		filepath.Join(os.TempDir(), "agora-sandbox"),
		logging.Component(s.logger, "sandbox"),
	); err != nil {
		s.logger.Warn("docker sandbox unavailable, script verification disabled", "error", err)
	} else {
		backend = dockerBackend
	}
	verifier := verify.NewService(backend,
		verify.WithDefaults(cfg.SandboxTimeout, cfg.SandboxMemoryMB),
		verify.WithLogger(logging.Component(s.logger, "verify")))

	notifier := webhooks.NewNotifier(s.registry,
		webhooks.WithLogger(logging.Component(s.logger, "webhooks")))

	s.jobs = jobs.NewService(jobStore, s.ledger, s.listings, schedule,
		jobs.WithVerifier(verifier),
		jobs.WithDeadlines(dq),
		jobs.WithNotifier(notifier),
		jobs.WithMaxRounds(cfg.MaxNegotiationRounds),
		jobs.WithMaxDeliverableBytes(cfg.MaxDeliverableBytes),
		jobs.WithSandboxLimits(cfg.SandboxMaxTimeout, cfg.SandboxMaxMemMB),
		jobs.WithLogger(logging.Component(s.logger, "jobs")))

	s.registry.AttachJobSweeper(s.jobs)

	s.consumer = deadline.NewConsumer(dq, s.jobs, logging.Component(s.logger, "deadline"))

	s.reviews = reviews.NewService(reviewStore, s.jobs, s.registry,
		reviews.WithLogger(logging.Component(s.logger, "reviews")))

	// Wallet. The RPC dial is lazy; connectivity problems surface in the
	// health check and in worker logs, not at startup.
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		s.logger.Warn("chain RPC unavailable, wallet disabled", "error", err)
	} else {
		s.eth = eth
		var deriver *wallet.HDDeriver
		if cfg.DepositXprv != "" {
			if deriver, err = wallet.NewHDDeriver(cfg.DepositXprv); err != nil {
				return nil, fmt.Errorf("deposit xprv: %w", err)
			}
		}
		var hot *wallet.HotWallet
		if cfg.HotWalletKey != "" {
			if hot, err = wallet.NewHotWallet(eth, cfg.HotWalletKey, cfg.TokenContract, cfg.ChainID); err != nil {
				return nil, fmt.Errorf("hot wallet: %w", err)
			}
		}
		depositMin, err := decimal.NewFromString(cfg.DepositMinimum)
		if err != nil {
			return nil, fmt.Errorf("deposit minimum: %w", err)
		}
		s.wallet = wallet.NewService(walletStore, s.ledger, eth, deriver, hot, schedule,
			wallet.Config{
				TokenContract:         cfg.TokenContract,
				RequiredConfirmations: uint64(cfg.RequiredConfirmations),
				DepositMinimum:        depositMin,
			},
			wallet.WithLogger(logging.Component(s.logger, "wallet")))
		s.checks.Register("chain_rpc", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := eth.BlockNumber(ctx); err != nil {
				return health.Status{Name: "chain_rpc", Detail: err.Error()}
			}
			return health.Status{Name: "chain_rpc", Healthy: true}
		})
	}

	s.authn = auth.NewAuthenticator(s.registry, nonces, cfg.ClockSkew)

	// Tracing is optional; without an OTLP endpoint spans are dropped.
	if shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("tracing setup failed", "error", err)
	} else {
		s.shutdownTracing = shutdown
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

// maskDSN hides the password in a connection string for logging.
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit. Delivery carries the work product inline, so the
	// global cap is the deliverable ceiling; handlers enforce tighter
	// per-field limits.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxDeliverableSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// rl returns the rate limit middleware for one category.
func (s *Server) rl(category ratelimit.Category) gin.HandlerFunc {
	return ratelimit.Middleware(s.limiter, s.limits, category, s.logger)
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

	s.router.GET("/api", s.infoHandler)

	registryHandler := registry.NewHandler(s.registry)
	listingsHandler := listings.NewHandler(s.listings)
	ledgerHandler := ledger.NewHandler(s.ledger)
	jobsHandler := jobs.NewHandler(s.jobs)
	reviewsHandler := reviews.NewHandler(s.reviews)
	accountsHandler := accounts.NewHandler(s.accounts)

	v1 := s.router.Group("/v1")
	// Reject malformed :id params on every v1 route (no-op when absent).
	v1.Use(validation.IDParamMiddleware())

	// PUBLIC ROUTES (no signature required)
	signup := v1.Group("", s.rl(ratelimit.CategorySignup))
	accountsHandler.RegisterRoutes(signup)

	registration := v1.Group("", s.rl(ratelimit.CategoryRegistration))
	registryHandler.RegisterPublicRoutes(registration)

	discovery := v1.Group("", s.rl(ratelimit.CategoryDiscovery))
	listingsHandler.RegisterPublicRoutes(discovery)
	reviewsHandler.RegisterPublicRoutes(discovery)
	fees.NewHandler(s.schedule).RegisterRoutes(discovery)

	// PROTECTED ROUTES (AgentSig signature required)
	protected := v1.Group("", s.authn.Middleware())

	read := protected.Group("", s.rl(ratelimit.CategoryRead))
	ledgerHandler.RegisterRoutes(read)

	write := protected.Group("", s.rl(ratelimit.CategoryWrite))
	registryHandler.RegisterProtectedRoutes(write)
	listingsHandler.RegisterProtectedRoutes(write)
	reviewsHandler.RegisterProtectedRoutes(write)
	if s.wallet != nil {
		wallet.NewHandler(s.wallet).RegisterProtectedRoutes(write)
	}

	lifecycle := protected.Group("", s.rl(ratelimit.CategoryJobLifecycle))
	jobsHandler.RegisterProtectedRoutes(lifecycle)

	// ADMIN ROUTES (shared secret header)
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	jobsHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Agora",
		"description": "Service marketplace for autonomous agents",
		"version":     "0.1.0",
		"currency":    "credits",
		"chain_id":    s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal or a server error.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Re-arm deadlines for jobs that were live at shutdown, then start the
	// consumer that expires overdue ones.
	if err := s.jobs.RescheduleDeadlines(runCtx); err != nil {
		s.logger.Error("deadline reschedule failed", "error", err)
	}
	s.consumer.Start(runCtx)

	// Wallet workers: settle withdrawals left mid-flight by a crash before
	// accepting new work, then start the deposit and payout loops.
	if s.wallet != nil {
		if err := s.wallet.RecoverStale(runCtx); err != nil {
			s.logger.Error("withdrawal recovery failed", "error", err)
		}
		s.wallet.Start(runCtx)
	}

	// Periodic gauges.
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.jobs.PublishStatusCounts(runCtx); err != nil {
					s.logger.Warn("job status gauge refresh failed", "error", err)
				}
			}
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and its workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.consumer.Stop()
	s.logger.Info("deadline consumer stopped")

	if s.wallet != nil {
		s.wallet.Stop()
		s.logger.Info("wallet workers stopped")
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.eth != nil {
		s.eth.Close()
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return uuid.NewString()
}
