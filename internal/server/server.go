// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sphpay/peacelink/internal/admin"
	"github.com/sphpay/peacelink/internal/cancellation"
	"github.com/sphpay/peacelink/internal/cashout"
	"github.com/sphpay/peacelink/internal/config"
	"github.com/sphpay/peacelink/internal/database"
	"github.com/sphpay/peacelink/internal/fees"
	"github.com/sphpay/peacelink/internal/health"
	"github.com/sphpay/peacelink/internal/ledger"
	"github.com/sphpay/peacelink/internal/logging"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/notify"
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/ratelimit"
	"github.com/sphpay/peacelink/internal/resolution"
	"github.com/sphpay/peacelink/internal/security"
	"github.com/sphpay/peacelink/internal/settlement"
	"github.com/sphpay/peacelink/internal/syncutil"
	"github.com/sphpay/peacelink/internal/traces"
	"github.com/sphpay/peacelink/internal/validation"
	"github.com/sphpay/peacelink/internal/wallet"

	"log/slog"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	wallets       *wallet.Service
	ledger        *ledger.Service
	settlements   *settlement.Service
	cancellations *cancellation.Service
	resolutions   *resolution.Service
	cashouts      *cashout.Service
	expiryTimer   *cancellation.Timer
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	metrics.Register()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		walletStore  wallet.Store
		ledgerStore  ledger.Store
		linkStore    peacelink.Store
		holdStore    peacelink.HoldStore
		payoutStore  peacelink.PayoutStore
		cashoutStore cashout.Store
		runner       database.TxRunner
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		linkStore = peacelink.NewPostgresStore(db)
		holdStore = peacelink.NewPostgresHoldStore(db)
		payoutStore = peacelink.NewPostgresPayoutStore(db)
		cashoutStore = cashout.NewPostgresStore(db)
		runner = database.SQLRunner{DB: db}
		s.healthReg.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using postgresql storage")
	} else {
		walletStore = wallet.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		linkStore = peacelink.NewMemoryStore()
		holdStore = peacelink.NewMemoryHoldStore()
		payoutStore = peacelink.NewMemoryPayoutStore()
		cashoutStore = cashout.NewMemoryStore()
		runner = database.MemoryRunner{}
		s.logger.Warn("using in-memory storage (set DATABASE_URL for persistence)")
	}

	s.wallets = wallet.NewService(walletStore)
	s.ledger = ledger.NewService(ledgerStore)
	s.healthReg.Register("ledger", health.LedgerChecker(s.ledger.VerifyProfit))

	var notifier notify.Notifier = &notify.LogNotifier{Logger: s.logger}
	if cfg.SMSGatewayURL != "" {
		notifier = notify.NewSMSNotifier(cfg.SMSGatewayURL, cfg.SMSGatewayKey, s.logger)
		s.logger.Info("sms gateway configured")
	}
	rates := fees.Snapshot{
		MerchantPercentage: cfg.MerchantFeePercentage,
		MerchantFixed:      cfg.MerchantFeeFixed,
		DSPPercentage:      cfg.DSPFeePercentage,
		AdvancePercentage:  cfg.AdvanceFeePercentage,
		CashoutPercentage:  cfg.CashoutFeePercentage,
	}
	engineCfg := settlement.Config{
		Rates:              rates,
		OTPTTL:             cfg.OTPTTL,
		OTPMaxAttempts:     cfg.OTPMaxAttempts,
		DSPReassignmentMax: cfg.DSPReassignmentMax,
		ApprovalExpiry:     cfg.ApprovalExpiry,
	}
	stores := settlement.Stores{Links: linkStore, Holds: holdStore, Payouts: payoutStore}

	// All engines share one per-link lock so concurrent transitions on
	// the same link serialize within this process.
	locks := &syncutil.ShardedMutex{}
	s.settlements = settlement.NewService(engineCfg, stores, s.wallets, s.ledger, runner, notifier, s.logger, locks)
	s.cancellations = cancellation.NewService(stores, s.wallets, s.ledger, s.settlements, runner, notifier, s.logger, locks)
	s.resolutions = resolution.NewService(stores, s.wallets, s.ledger, s.settlements, runner, notifier, s.logger, locks)
	s.cashouts = cashout.NewService(cashoutStore, s.wallets, s.ledger, rates, runner, notifier, s.logger)
	s.expiryTimer = cancellation.NewTimer(s.cancellations, linkStore, cfg.ExpirySweepInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	settlement.NewHandler(s.settlements).RegisterRoutes(v1)
	cancellation.NewHandler(s.cancellations).RegisterRoutes(v1)
	cashout.NewHandler(s.cashouts).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)

	// The admin surface only exists when a key is configured.
	if s.cfg.AdminAPIKey != "" {
		adminGroup := s.router.Group("/admin")
		adminGroup.Use(admin.KeyMiddleware(s.cfg.AdminAPIKey))
		admin.NewHandler(s.resolutions, s.cashouts, s.ledger).RegisterRoutes(adminGroup)
	} else {
		s.logger.Warn("admin surface disabled (set ADMIN_API_KEY to enable)")
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	httpStatus := http.StatusOK
	status := "healthy"
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.expiryTimer.Start()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.expiryTimer.Stop()
	s.logger.Info("expiry timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
