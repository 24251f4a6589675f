// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/allowance"
	"github.com/mbd888/escrowsync/internal/auth"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/dispatch"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/locator"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/reconcile"
	"github.com/mbd888/escrowsync/internal/relay"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/validation"
	"github.com/mbd888/escrowsync/internal/webhooks"
	"github.com/mbd888/escrowsync/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         deal.Store
	chainClient   chain.Caller
	submitter     chain.Submitter
	relay         dispatch.RelayClient
	reader        *chain.Reader
	reconciler    *reconcile.Reconciler
	dispatcher    *dispatch.Dispatcher
	sessions      *session.Manager
	realtimeHub   *realtime.Hub
	notifier      *webhooks.Notifier
	checks        *health.Registry
	keys          *auth.Keyring
	rateLimiter   *ratelimit.Limiter
	actionLimiter *ratelimit.Limiter
	db            *sql.DB // nil unless the Postgres store is selected
	closers       []io.Closer
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithDealStore sets the deal record store instead of deriving it from config
func WithDealStore(store deal.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithChainClient sets the client used for contract reads (for testing)
func WithChainClient(c chain.Caller) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// WithSubmitter sets the direct-mode signer (for testing)
func WithSubmitter(sub chain.Submitter) Option {
	return func(s *Server) {
		s.submitter = sub
	}
}

// WithRelay sets the delegated relay client (for testing)
func WithRelay(r dispatch.RelayClient) Option {
	return func(s *Server) {
		s.relay = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set store/clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	keys, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("API_KEYS: %w", err)
	}
	s.keys = keys

	if err := s.initStore(); err != nil {
		return nil, err
	}
	if err := s.initChain(); err != nil {
		return nil, err
	}
	if s.relay == nil {
		s.relay = relay.New(cfg.RelayURL, relay.WithBreaker(s.newBreaker(3)))
		if cfg.RelayURL == "" {
			s.logger.Info("relay not configured, delegated actions disabled")
		}
	}

	factory := common.HexToAddress(cfg.FactoryContract)
	token := common.HexToAddress(cfg.TokenContract)

	s.reader = chain.NewReader(s.chainClient, factory)
	loc := locator.New(s.reader, s.logger)
	agg := allowance.New(s.reader, s.logger)

	recCfg := reconcile.DefaultConfig()
	recCfg.Token = token
	recCfg.TokenDecimals = cfg.TokenDecimals
	s.reconciler = reconcile.New(s.reader, loc, agg, s.store, recCfg, s.logger)

	dispCfg := dispatch.DefaultConfig()
	dispCfg.ChainID = cfg.ChainID
	dispCfg.Factory = factory
	dispCfg.Token = token
	dispCfg.TokenDecimals = cfg.TokenDecimals
	if cfg.ArbiterAddress != "" {
		dispCfg.Arbiter = common.HexToAddress(cfg.ArbiterAddress)
	}
	if cfg.NotifyTTL > 0 {
		dispCfg.NotifyTTL = cfg.NotifyTTL
	}
	if cfg.ConfirmTimeout > 0 {
		dispCfg.ConfirmTimeout = cfg.ConfirmTimeout
	}
	dispOpts := []dispatch.Option{dispatch.WithConfirmHook(s.reconcileAfterConfirm)}
	if s.submitter != nil {
		dispOpts = append(dispOpts, dispatch.WithSubmitter(s.submitter))
	}
	s.dispatcher = dispatch.New(s.relay, loc, s.reconciler, agg, dispCfg, s.logger, dispOpts...)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithAllowedOrigins(security.ParseOrigins(cfg.CORSOrigins)))

	s.sessions = session.NewManager(s.store, s.reconciler, s.dispatcher, session.Config{
		RefreshInterval: cfg.RefreshInterval,
		ActiveInterval:  cfg.ActiveReconcileInterval,
		IdleInterval:    cfg.IdleReconcileInterval,
		PendingTimeout:  cfg.PendingTimeout,
		IdleTimeout:     cfg.SessionIdleTimeout,
		MaxSessions:     cfg.MaxSessions,
	}, s.logger, session.WithKeepAlive(s.realtimeHub.Watching))
	s.sessions.Subscribe(s.realtimeHub.PublishSnapshot)

	endpoints := make([]webhooks.Endpoint, 0, len(cfg.Webhooks()))
	for _, u := range cfg.Webhooks() {
		endpoints = append(endpoints, webhooks.Endpoint{URL: u, Secret: cfg.WebhookSecret})
	}
	s.notifier = webhooks.New(webhooks.Config{Endpoints: endpoints}, s.logger)
	if s.notifier.Enabled() {
		s.sessions.Subscribe(s.notifier.Observe)
	}
	s.sessions.OnClose(func(dealID string) {
		s.realtimeHub.PublishSession(dealID, false)
		s.notifier.Forget(dealID)
	})

	s.checks.Register("factory", health.Ping("factory", 5*time.Second, func(ctx context.Context) error {
		_, err := s.reader.BuyerEscrows(ctx, common.Address{})
		return err
	}))

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

// initStore selects the deal store: injected, backend API, Postgres, or memory.
func (s *Server) initStore() error {
	if s.store != nil {
		return nil
	}
	switch s.cfg.StoreKind() {
	case "http":
		s.store = deal.NewHTTPStore(s.cfg.DealAPIURL, s.cfg.DealAPIKey, deal.WithBreaker(s.newBreaker(5)))
		s.logger.Info("using deal API store", "url", s.cfg.DealAPIURL)

	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if s.cfg.AutoMigrate {
			version, err := migrations.Up(context.Background(), db)
			if err != nil {
				_ = db.Close()
				return err
			}
			s.logger.Info("migrations applied", "version", version)
		}

		s.db = db
		s.store = deal.NewPostgresStore(db)
		s.checks.Register("database", health.Ping("database", 3*time.Second, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	default:
		s.store = deal.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

// initChain dials the RPC endpoint for reads and, when a key is configured,
// creates the direct-mode signer.
func (s *Server) initChain() error {
	if s.chainClient == nil {
		client, err := ethclient.Dial(s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial RPC: %w", err)
		}
		s.chainClient = client
		s.closers = append(s.closers, closerFunc(func() error { client.Close(); return nil }))
	}

	if s.submitter == nil && s.cfg.DirectEnabled() {
		signer, err := chain.NewSigner(chain.SignerConfig{RPCURL: s.cfg.RPCURL, PrivateKey: s.cfg.PrivateKey})
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}
		s.submitter = signer
		s.closers = append(s.closers, signer)
		s.logger.Info("direct actions enabled", "signer", signer.Address().Hex())
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// reconcileAfterConfirm runs a pass as soon as a direct action confirms, so
// the new status shows up without waiting for the next tick.
func (s *Server) reconcileAfterConfirm(st *dealstate.State) {
	sess, err := s.sessions.Get(st.DealID())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess.ReconcileNow(ctx)
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

// newBreaker logs circuit changes of a remote dependency.
func (s *Server) newBreaker(threshold int) *circuitbreaker.Breaker {
	return circuitbreaker.New(threshold, 30*time.Second,
		circuitbreaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			level := slog.LevelInfo
			if to == circuitbreaker.StateOpen {
				level = slog.LevelWarn
			}
			s.logger.Log(context.Background(), level, "circuit state changed",
				"dependency", key, "from", from.String(), "to", to.String())
		}))
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.LimitBody(validation.MaxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if dealID := c.Param("dealId"); dealID != "" {
			ctx = logging.WithDealID(ctx, dealID)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware logs one line per request: errors at error level,
// client faults at warn, the rest at debug.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		if level >= slog.LevelWarn {
			attrs = append(attrs, slog.String("client_ip", c.ClientIP()))
		}
		logging.FromContext(c.Request.Context()).LogAttrs(c.Request.Context(), level, "request", attrs...)
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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.actionLimiter = ratelimit.New(ratelimit.ActionConfig())

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

	// WebSocket for real-time streaming
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/sessions", s.listSessions)

	deals := v1.Group("/deals/:dealId", validation.DealIDParam())
	deals.GET("", s.getDeal)

	// Mutations need an API key once API_KEYS is set
	guarded := deals.Group("", auth.RequireAuth(s.keys))
	guarded.POST("/session", s.openSession)
	guarded.DELETE("/session", s.closeSession)
	guarded.POST("/reconcile", s.reconcileNow)
	guarded.POST("/actions", s.actionLimiter.Middleware(ratelimit.ByClientAndDeal), s.requestAction)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Version is reported by /health. cmd/server overrides it with the build version.
var Version = "dev"

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Sessions  int             `json:"sessions"`
	Realtime  map[string]any  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Sessions:  len(s.sessions.DealIDs()),
		Realtime:  s.realtimeHub.Stats(),
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

// Run serves the API until ctx ends, SIGINT/SIGTERM arrives or the
// listener fails, then shuts down. Readiness flips once the port is bound.
func (s *Server) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(sigCtx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}

	if s.db != nil {
		if err := metrics.RegisterDB(s.db, "deals"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
	}
	// Outlives runCtx so events raised while sessions wind down still go out
	s.notifier.Start(context.WithoutCancel(runCtx))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	s.ready.Store(true)
	s.logger.Info("listening",
		"addr", ln.Addr().String(),
		"store", s.cfg.StoreKind(),
		"direct", s.submitter != nil,
		"auth", s.keys.Enabled(),
		"webhooks", s.notifier.Enabled(),
	)

	<-gctx.Done()
	if sigCtx.Err() != nil {
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}
	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stops the realtime hub and tells in-flight handlers to give up
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop reconcile and refresh loops, then let in-flight writes land
	s.sessions.Shutdown()
	s.dispatcher.Wait()
	s.reconciler.Wait()
	s.notifier.Close()
	s.logger.Info("sessions stopped")

	s.rateLimiter.Stop()
	s.actionLimiter.Stop()

	for _, cl := range s.closers {
		if err := cl.Close(); err != nil {
			s.logger.Error("close error", "error", err)
		}
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

// Sessions exposes the session manager (for tooling and tests)
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}
