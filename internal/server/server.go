// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/agrolink/rfq/internal/assets"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/circuitbreaker"
	"github.com/agrolink/rfq/internal/config"
	"github.com/agrolink/rfq/internal/delivery"
	"github.com/agrolink/rfq/internal/escrow"
	"github.com/agrolink/rfq/internal/health"
	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/logging"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/offers"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/agrolink/rfq/internal/ratelimit"
	"github.com/agrolink/rfq/internal/realtime"
	"github.com/agrolink/rfq/internal/requests"
	"github.com/agrolink/rfq/internal/security"
	"github.com/agrolink/rfq/internal/traces"
	"github.com/agrolink/rfq/internal/validation"
	"github.com/agrolink/rfq/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	store    ledger.Store
	gateway  *payments.Guarded
	tokens   *auth.Tokens
	wallet   *ledger.Wallet
	requests *requests.Service
	offers   *offers.Service
	escrow   *escrow.Service

	notifier     *notify.Dispatcher
	webhookStore webhooks.Store
	realtimeHub  *realtime.Hub
	requestTimer *requests.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces traces.ShutdownFunc

	// injected for tests
	baseGateway payments.Gateway

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

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateway replaces the payment gateway chosen from config (for testing).
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) {
		s.baseGateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := metrics.RegisterDBStats(db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		s.store = ledger.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = ledger.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; data is lost on restart")
	}

	// Payment gateway behind a circuit breaker
	if s.baseGateway == nil {
		if cfg.PaystackSecretKey != "" {
			s.baseGateway = payments.NewPaystack(cfg.PaystackSecretKey)
			s.logger.Info("payment gateway: paystack")
		} else {
			s.baseGateway = payments.NewMemoryGateway()
			s.logger.Warn("PAYSTACK_SECRET_KEY not set, using in-memory payment gateway")
		}
	}
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	s.gateway = payments.NewGuarded(s.baseGateway, breaker)

	s.tokens = auth.NewTokens(cfg.JWTSecret)

	// Notifications fan out to every sink on a worker pool
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSAllowedOrigins)
	webhookDispatcher := webhooks.NewDispatcher(s.webhookStore, s.logger).
		WithMaxFailures(cfg.WebhookMaxFailures)
	s.notifier = notify.NewDispatcher(s.logger, cfg.NotifyWorkers, cfg.NotifyQueueSize,
		notify.NewLogSink(s.logger),
		s.realtimeHub,
		webhookDispatcher,
	)
	if cfg.ResendAPIKey != "" && cfg.AdminAlertEmail != "" {
		s.notifier.AddSink(notify.NewEmailSink(cfg.ResendAPIKey, cfg.AlertFromEmail, cfg.AdminAlertEmail))
		s.logger.Info("admin email alerts enabled", "to", cfg.AdminAlertEmail)
	}

	// Protocol services
	s.wallet = ledger.NewWallet(s.store, s.logger).
		WithGateway(s.gateway, cfg.PaymentCallbackURL).
		WithNotifier(s.notifier)
	verifier := delivery.NewVerifier(cfg.DeliveryCodeLength)
	s.escrow = escrow.NewService(s.store, s.wallet, s.gateway, verifier, s.logger).
		WithNotifier(s.notifier).
		WithCallbackURL(cfg.PaymentCallbackURL)
	s.offers = offers.NewService(s.store, s.escrow, s.logger).
		WithNotifier(s.notifier)
	s.requests = requests.NewService(s.store, s.gateway, s.logger).
		WithFees(cfg.RequestFeeInstant, cfg.RequestFeeStandard).
		WithCallbackURL(cfg.PaymentCallbackURL).
		WithNotifier(s.notifier).
		WithAcceptanceReleaser(s.offers)
	s.requestTimer = requests.NewTimer(s.requests, cfg.ExpirySweepInterval, s.logger)

	s.health.Register("database", s.store.Ping)
	s.health.RegisterOptional("payment_gateway", func(context.Context) error {
		if !s.gateway.Available() {
			return circuitbreaker.ErrOpen
		}
		return nil
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

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
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
	s.router.Use(logging.RequestContext(s.logger))
	s.router.Use(logging.Recovery())
	s.router.Use(traces.Middleware())

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Identity first so the limiter can key by user
	s.router.Use(auth.Middleware(s.tokens))
	s.rateLimiter = ratelimit.New(ratelimit.ForRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLog())
	s.router.Use(validation.ParamMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	requestHandler := requests.NewHandler(s.requests)
	offerHandler := offers.NewHandler(s.offers)
	orderHandler := escrow.NewHandler(s.escrow)
	walletHandler := ledger.NewWalletHandler(s.wallet)
	webhookHandler := webhooks.NewHandler(s.webhookStore, security.WebhookURLValidator(s.cfg.IsProduction()))
	assetHandler := assets.NewHandler(s.assetSigner())

	paymentWebhook := payments.NewWebhookHandler(s.cfg.PaystackSecretKey, s.logger).
		Route(payments.PrefixRequestFee, s.requests.ActivateCallback).
		Route(payments.PrefixOffer, s.offers.ChargeCallback).
		Route(payments.PrefixOrder, s.escrow.CheckoutCallback).
		Route(payments.PrefixDeposit, s.wallet.ConfirmDepositCallback)

	v1 := s.router.Group("/v1")

	// Public: browsing and gateway callbacks
	requestHandler.RegisterRoutes(v1)
	offerHandler.RegisterRoutes(v1)
	paymentWebhook.RegisterRoutes(v1)
	v1.GET("/ws", s.realtimeHub.HandleWebSocket)

	// Authenticated buyers and sellers
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	requestHandler.RegisterProtectedRoutes(protected)
	offerHandler.RegisterProtectedRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	walletHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)
	assetHandler.RegisterProtectedRoutes(protected)

	// Operators
	admin := v1.Group("")
	admin.Use(auth.RequireAuth(), auth.RequireRole(market.RoleAdmin))
	requestHandler.RegisterAdminRoutes(admin)
	orderHandler.RegisterAdminRoutes(admin)
}

// assetSigner returns nil when Cloudinary is not configured so the handler
// answers 503.
func (s *Server) assetSigner() assets.Signer {
	if !s.cfg.CloudinaryEnabled() {
		return nil
	}
	cld, err := assets.NewCloudinary(s.cfg.CloudinaryCloudName, s.cfg.CloudinaryAPIKey, s.cfg.CloudinaryAPISecret, "agrolink")
	if err != nil {
		s.logger.Warn("asset signing disabled", "error", err)
		return nil
	}
	return cld
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background workers: the realtime hub, the notification
// pool, the expiry sweep and tracing. Run calls it; tests
// may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	go s.realtimeHub.Run(runCtx)
	s.notifier.Start()
	go s.requestTimer.Start(runCtx)
}

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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

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

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopWorkers()

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

// stopWorkers halts everything Start launched. Handlers have drained by the
// time it runs, so the notification queue is flushed last.
func (s *Server) stopWorkers() {
	s.requestTimer.Stop()
	s.rateLimiter.Stop()
	s.notifier.Stop()

	// Hub and DB collector exit on cancel
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Tokens returns the token issuer bound to this server's secret.
func (s *Server) Tokens() *auth.Tokens {
	return s.tokens
}
