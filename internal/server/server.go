package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/codedrop/codedrop/internal/api"
	"github.com/codedrop/codedrop/internal/audit"
	"github.com/codedrop/codedrop/internal/auth"
	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/config"
	"github.com/codedrop/codedrop/internal/lifecycle"
	"github.com/codedrop/codedrop/internal/metrics"
	"github.com/codedrop/codedrop/internal/middleware"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/codedrop/codedrop/internal/tracing"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	loginMaxAttempts = 5
	loginWindow      = 15 * time.Minute
)

// Server represents the codedrop server
type Server struct {
	config          *config.Config
	httpServer      *http.Server
	stores          *Stores
	redis           *redis.Client
	authManager     *auth.Manager
	loginLimiter    *auth.LoginRateLimiter
	shareService    *share.Service
	reaper          *lifecycle.Reaper
	lifecycleWorker *lifecycle.Worker
	metricsManager  metrics.Manager
	auditLog        *audit.Manager
	lookupStore     middleware.RateLimitStore
	tracingShutdown tracing.Shutdown
	startTime       time.Time
}

// New wires every component from cfg. Call Close if Start is never called.
func New(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	tracingShutdown, err := tracing.Init(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		tracingShutdown(context.Background())
		return nil, err
	}

	s := &Server{
		config:          cfg,
		stores:          stores,
		tracingShutdown: tracingShutdown,
		startTime:       time.Now(),
	}

	if cfg.Redis.Addr != "" {
		s.redis, err = newRedisClient(ctx, cfg.Redis)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.metricsManager = metrics.NewManager(cfg.Metrics, cfg.DataDir)
	if cfg.Audit.Enable {
		s.auditLog = audit.NewManager(audit.NewSQLStore(stores.DB, stores.Dialect))
	}

	// Identity
	users := auth.NewSQLStore(stores.DB, stores.Dialect)
	var directory auth.UsernameDirectory
	if cfg.Auth.Directory == "ldap" {
		directory = auth.NewLDAPDirectory(cfg.Auth.LDAP)
	}
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry, clock.Real{})
	s.authManager = auth.NewManager(users, directory, tokens)
	s.loginLimiter = auth.NewLoginRateLimiter(loginMaxAttempts, loginWindow, clock.Real{})
	s.authManager.SetLoginRateLimiter(s.loginLimiter)

	// Shares
	s.shareService = share.NewService(stores.Shares, stores.Objects, cfg.Share)
	s.shareService.SetDirectory(s.authManager)
	s.shareService.SetMetrics(s.metricsManager)

	// Reaper
	s.reaper = lifecycle.NewReaper(stores.Shares, stores.Objects)
	s.reaper.SetMetrics(s.metricsManager)
	s.reaper.SetAuditLog(s.auditLog)
	var locker lifecycle.Locker
	if s.redis != nil {
		locker = lifecycle.NewRedisLocker(s.redis)
	}
	s.lifecycleWorker = lifecycle.NewWorker(s.reaper, clock.Real{}, locker, cfg.Reaper.LockTTL)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", cfg.Addr, err)
	}

	logrus.WithField("addr", cfg.Addr).Info("Connected to Redis")
	return client, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	apiHandler := api.NewHandler(s.shareService, s.authManager, s.reaper)
	apiHandler.SetReaperToken(s.config.Reaper.Token)
	apiHandler.SetReadinessCheck(s.stores.Ping)
	if s.auditLog != nil {
		apiHandler.SetAuditLog(s.auditLog)
	}

	if s.config.RateLimit.Enable {
		if s.redis != nil {
			s.lookupStore = middleware.NewRedisRateLimitStore(s.redis)
		} else {
			s.lookupStore = middleware.NewInMemoryRateLimitStore()
		}
		apiHandler.SetLookupLimiter(middleware.RateLimitWithConfig(
			middleware.DefaultRateLimitConfig(s.config.RateLimit.RequestsPerMinute, s.lookupStore),
		))
	}

	// Route-level middleware sees the matched route template
	router.Use(s.metricsManager.Middleware())

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metricsManager.GetMetricsHandler()).Methods(http.MethodGet)
	}
	apiHandler.RegisterRoutes(router)

	// Outer middleware also covers 404/405 and CORS preflight
	var handler http.Handler = router
	handler = middleware.CORS()(handler)
	handler = middleware.Logging()(handler)
	handler = middleware.RequestID()(handler)
	handler = otelhttp.NewHandler(handler, "codedrop")
	return handlers.RecoveryHandler()(handler)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"tls":      s.config.EnableTLS,
	}).Info("Starting codedrop server")

	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	if err := s.metricsManager.Start(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to start metrics collection")
	}

	if s.config.Reaper.Enable {
		s.lifecycleWorker.Start(ctx, s.config.Reaper.Interval)
	}

	if s.auditLog != nil {
		s.auditLog.StartRetentionJob(ctx, s.config.Audit.RetentionDays)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.serve(listener)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("HTTP server error")
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

func (s *Server) serve(listener net.Listener) error {
	logrus.WithField("address", listener.Addr().String()).Info("Listening")

	if s.config.EnableTLS {
		return s.httpServer.ServeTLS(listener, s.config.CertFile, s.config.KeyFile)
	}
	return s.httpServer.Serve(listener)
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if s.lifecycleWorker != nil {
		s.lifecycleWorker.Stop()
	}
	s.auditLog.Stop()

	if err := s.metricsManager.Stop(); err != nil {
		logrus.WithError(err).Warn("Failed to stop metrics collection")
	}

	return s.Close()
}

// Close releases stores and background helpers without touching the listener
func (s *Server) Close() error {
	if mem, ok := s.lookupStore.(*middleware.InMemoryRateLimitStore); ok {
		mem.Stop()
		s.lookupStore = nil
	}
	if s.loginLimiter != nil {
		s.loginLimiter.Stop()
		s.loginLimiter = nil
	}

	var errs []error
	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close stores")
			errs = append(errs, err)
		}
		s.stores = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		s.redis = nil
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
		s.tracingShutdown = nil
	}

	return errors.Join(errs...)
}

// Uptime reports how long the server has been running
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Reaper exposes the expiry reaper for one-shot sweeps
func (s *Server) Reaper() *lifecycle.Reaper {
	return s.reaper
}
