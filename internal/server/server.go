// Package server wires the automation engine together and exposes its ops API.
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

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/deals"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/scheduler"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/migrations"
)

// Scheduled task names.
const (
	TaskDeadlineSweep   = "deadline-sweep"
	TaskCrossChainSweep = "crosschain-sweep"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db         *sql.DB // nil if using in-memory
	dealStore  deals.Store
	xctStore   crosschain.Store
	abi        chain.ContractABI
	chains     *chain.Registry
	aggregator bridge.Aggregator
	bridge     *bridge.Coordinator
	crossChain *crosschain.Service
	engine     *deals.Engine
	scheduler  *scheduler.Scheduler
	hub        *realtime.Hub
	health     *health.Registry
	limiter    *ratelimit.Limiter

	dialer        chain.Dialer
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithDialer replaces the go-ethereum RPC dialer (for testing).
func WithDialer(d chain.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// WithAggregator overrides the configured bridge aggregator (for testing).
func WithAggregator(a bridge.Aggregator) Option {
	return func(s *Server) {
		s.aggregator = a
	}
}

// WithStores injects deal and cross-chain stores, bypassing DATABASE_URL.
func WithStores(d deals.Store, x crosschain.Store) Option {
	return func(s *Server) {
		s.dealStore = d
		s.xctStore = x
	}
}

// New creates a new server instance. Every capability (signer, aggregator,
// stores) is chosen here, once.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		dialer: chain.DialEthclient,
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}

	// Contract ABI: loaded once, a value or an error.
	s.abi = chain.LoadABI(cfg.EscrowABIPath)
	if err := s.abi.Err(); err != nil {
		s.logger.Error("escrow contract ABI unavailable", "source", s.abi.Source(), "error", err)
	}

	s.initChains(ctx)

	if err := s.initBridge(); err != nil {
		return nil, err
	}

	s.crossChain = crosschain.NewService(s.xctStore, s.bridge).
		WithLogger(s.logger).
		WithStuckThreshold(cfg.StuckThreshold)

	s.engine = deals.NewEngine(s.dealStore, s.crossChain, deals.RegistryChains(s.chains)).
		WithLogger(s.logger).
		WithNotifier(s.hub).
		WithBatchSize(cfg.SweepBatchSize)

	s.initScheduler()
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.dealStore != nil && s.xctStore != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		s.dealStore = deals.NewMemoryStore()
		s.xctStore = crosschain.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.dealStore = deals.NewPostgresStore(db)
	s.xctStore = crosschain.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initChains(ctx context.Context) {
	s.chains = chain.NewRegistry()
	for name, cc := range s.cfg.Chains {
		s.chains.Add(chain.Open(ctx, chain.Settings{
			Network:       name,
			RPCURL:        cc.RPCURL,
			PrivateKey:    cc.PrivateKey,
			ChainID:       cc.ChainID,
			AllowMock:     s.cfg.MockSigningAllowed(),
			CallTimeout:   s.cfg.ChainCallTimeout,
			Confirmations: s.cfg.Confirmations,
		}, s.abi, s.dialer, s.logger))
	}
}

// initBridge picks the aggregator with the same rule as the signer: the
// mock only when no credentials exist and mock mode is explicitly allowed.
func (s *Server) initBridge() error {
	s.hub = realtime.NewHub(s.logger)

	if s.aggregator == nil {
		if s.cfg.Bridge.APIKey == "" && s.cfg.MockSigningAllowed() {
			s.aggregator = bridge.NewMockAggregator()
			s.logger.Warn("mock bridge aggregator enabled; transfers will not leave this process")
		} else {
			agg, err := bridge.NewHTTPAggregator(s.cfg.Bridge.AggregatorURL, s.cfg.Bridge.APIKey,
				s.cfg.Bridge.Integrator, s.cfg.Bridge.Timeout)
			if err != nil {
				return fmt.Errorf("bridge aggregator: %w", err)
			}
			s.aggregator = agg
		}
	}

	sink := bridge.FanOut{bridge.NewLogSink(s.logger), s.hub}
	s.bridge = bridge.NewCoordinator(s.aggregator, s.logger, bridge.WithEventSink(sink))
	s.logger.Info("bridge coordinator ready", "provider", s.bridge.Provider(), "mock", s.bridge.IsMock())
	return nil
}

// deadlinePrerequisites reports why the deadline sweep cannot run: the
// ABI failed to load or the escrow network cannot sign.
func (s *Server) deadlinePrerequisites() error {
	if err := s.abi.Err(); err != nil {
		return fmt.Errorf("contract ABI unavailable: %w", err)
	}
	c, err := s.chains.Client(s.cfg.EscrowNetwork)
	if err != nil {
		return err
	}
	return c.Ready()
}

// crossChainPrerequisites reports why the cross-chain sweep cannot run. It
// confirms landed transfers on-chain, so it needs the ABI; a missing signer
// only defers confirmations.
func (s *Server) crossChainPrerequisites() error {
	if err := s.abi.Err(); err != nil {
		return fmt.Errorf("contract ABI unavailable: %w", err)
	}
	return nil
}

func (s *Server) initScheduler() {
	s.scheduler = scheduler.New(s.logger)

	_ = s.scheduler.Register(TaskDeadlineSweep, s.cfg.DeadlineSweepCron, s.deadlinePrerequisites(),
		func(ctx context.Context) error {
			_, err := s.engine.RunDeadlineSweep(ctx)
			return err
		})
	_ = s.scheduler.Register(TaskCrossChainSweep, s.cfg.CrossChainSweepCron, s.crossChainPrerequisites(),
		func(ctx context.Context) error {
			_, err := s.engine.RunCrossChainSweep(ctx)
			return err
		})
}

func (s *Server) initHealth() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("scheduler", health.Scheduler(s.scheduler, TaskCrossChainSweep))
	for _, name := range s.chains.Networks() {
		c, err := s.chains.Client(name)
		if err != nil || c.CanRead() != nil {
			continue
		}
		s.health.Register("rpc:"+name, health.Chain(name, c))
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes are too chatty for Info
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the realtime hub and the scheduler, and
// blocks until a signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Manual triggers wait for chain confirmations.
		WriteTimeout: s.cfg.ChainCallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow_network", s.cfg.EscrowNetwork,
			"networks", s.chains.Networks(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.scheduler.Start()
	for _, t := range s.scheduler.Tasks() {
		s.logger.Info("scheduled task", "task", t.Name, "schedule", t.Schedule,
			"enabled", t.Enabled, "disabled_reason", t.DisabledReason)
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

// Shutdown stops the timers first so no new tick starts, waits for running
// ticks, then drains HTTP and closes connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ChainCallTimeout+30*time.Second)
	defer cancel()

	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Warn("scheduler did not drain before deadline", "error", err)
	} else {
		s.logger.Info("scheduler stopped")
	}

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.bridge.Close()
	s.chains.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Scheduler exposes the task scheduler (for testing).
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
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
