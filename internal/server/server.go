package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"medroute/internal/audit"
	"medroute/internal/config"
	"medroute/internal/database"
	"medroute/internal/dispatch"
	"medroute/internal/events"
	"medroute/internal/forecast"
	"medroute/internal/handlers"
	"medroute/internal/metrics"
	"medroute/internal/middleware"
	"medroute/internal/optimizer"
	"medroute/internal/realtime"
	"medroute/internal/repository"
	"medroute/internal/tracking"
	"medroute/internal/travel"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Server represents the medroute server
type Server struct {
	config *config.Config
	root   *zap.Logger
	logger *zap.Logger
	db     *database.Database
	redis  *redis.Client

	// Metrics
	registry *prometheus.Registry
	metrics  *metrics.Collector

	// Core services
	travelCache travel.Cache
	service     *dispatch.Service
	dispatcher  *events.Dispatcher
	hub         *realtime.Hub
	closers     []io.Closer

	// Handlers
	routingHandler *handlers.RoutingHandler
	tripHandler    *handlers.TripHandler
	auditHandler   *handlers.AuditHandler
	healthHandler  *handlers.HealthHandler

	// HTTP and gRPC servers
	router     *gin.Engine
	httpServer *http.Server
	grpcServer *grpc.Server

	// Health server
	healthServer *health.Server

	cancel context.CancelFunc
}

// New creates a new server instance. db may be nil when the database is disabled.
func New(cfg *config.Config, logger *zap.Logger, db *database.Database) *Server {
	return &Server{
		config: cfg,
		root:   logger,
		logger: logger.Named("server"),
		db:     db,
	}
}

// Initialize sets up the server components
func (s *Server) Initialize() error {
	s.logger.Info("Initializing medroute server")

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollector(s.registry)

	if s.needsRedis() {
		s.redis = redis.NewClient(&redis.Options{
			Addr:         s.config.Redis.Addr(),
			Password:     s.config.Redis.Password,
			DB:           s.config.Redis.Database,
			PoolSize:     s.config.Redis.PoolSize,
			DialTimeout:  s.config.Redis.DialTimeout,
			ReadTimeout:  s.config.Redis.ReadTimeout,
			WriteTimeout: s.config.Redis.WriteTimeout,
		})
		s.closers = append(s.closers, s.redis)
	}

	if err := s.initServices(); err != nil {
		return errors.Wrap(err, "failed to initialize services")
	}

	s.initHandlers()

	// Initialize health server
	s.healthServer = health.NewServer()

	s.initHTTPServer()
	s.initGRPCServer()

	s.logger.Info("Server initialized successfully")
	return nil
}

func (s *Server) needsRedis() bool {
	return s.config.Travel.CacheBackend == "redis" || s.config.Tracking.Store == "redis"
}

// initServices builds stores, domain components and publishers from configuration
func (s *Server) initServices() error {
	cfg := s.config
	logger := s.root

	var (
		hospitals dispatch.HospitalSource
		history   historyStore
		trips     dispatch.TripRecorder
	)
	if s.db != nil {
		if err := s.db.AutoMigrate(repository.Models()...); err != nil {
			return err
		}
		hospitals = repository.NewHospitalRepository(s.db, logger)
		history = repository.NewCapacityRepository(s.db, logger)
		trips = repository.NewTripRepository(s.db, logger)
	} else {
		hospitals = repository.NewMemoryHospitals()
		history = forecast.NewMemoryHistory(cfg.Forecast.Window)
		trips = repository.NewMemoryTrips()
	}

	switch cfg.Travel.CacheBackend {
	case "redis":
		s.travelCache = travel.NewRedisCache(s.redis, cfg.Redis.KeyPrefix)
	default:
		s.travelCache = travel.NewMemoryCache(cfg.Travel.CacheTTL, 0)
	}

	var sessions tracking.SessionStore
	switch cfg.Tracking.Store {
	case "redis":
		sessions = tracking.NewRedisStore(s.redis, cfg.Redis.KeyPrefix, cfg.Tracking.SessionTTL)
	default:
		sessions = tracking.NewMemoryStore()
	}

	auditStore, err := s.openAuditStore()
	if err != nil {
		return err
	}
	s.closers = append(s.closers, auditStore)

	forecaster := forecast.NewForecaster(cfg.Forecast, history, logger, s.metrics)
	estimator := travel.NewEstimator(cfg.Travel, s.travelCache, logger, s.metrics)
	engine := optimizer.NewEngine(cfg.Optimizer, cfg.Forecast, forecaster, estimator, logger, s.metrics)
	monitor := tracking.NewMonitor(cfg.Tracking, sessions, logger, s.metrics)
	if cfg.Tracking.Store == "redis" {
		// sessions are shared, so trip mutations must serialise across instances
		monitor.WithLocker(tracking.NewRedisLocker(s.redis, cfg.Redis.KeyPrefix, cfg.Tracking.LockTTL, cfg.Tracking.LockWait))
	}
	ledger := audit.NewLedger(cfg.Audit, auditStore, logger, s.metrics)

	s.service = dispatch.NewService(dispatch.Dependencies{
		Engine:    engine,
		Hospitals: hospitals,
		History:   history,
		Monitor:   monitor,
		Ledger:    ledger,
		Trips:     trips,
	}, logger)

	var publishers []events.Publisher
	if cfg.Realtime.Enabled {
		s.hub = realtime.NewHub(cfg.Realtime, s.redis, cfg.Redis.KeyPrefix, logger)
		publishers = append(publishers, s.hub)
	}
	if cfg.Kafka.Enabled {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka, logger)
		publishers = append(publishers, kafkaPublisher)
		s.closers = append(s.closers, kafkaPublisher)
	}
	s.dispatcher = events.NewDispatcher(logger, s.metrics, publishers...)

	s.logger.Info("Services initialized",
		zap.Bool("database", s.db != nil),
		zap.String("travel_cache", cfg.Travel.CacheBackend),
		zap.String("tracking_store", cfg.Tracking.Store),
		zap.String("audit_store", cfg.Audit.Store),
		zap.Int("publishers", len(publishers)))
	return nil
}

type historyStore interface {
	forecast.HistorySource
	forecast.HistoryRecorder
}

func (s *Server) openAuditStore() (audit.Store, error) {
	switch s.config.Audit.Store {
	case "leveldb":
		return audit.NewLevelDBStore(s.config.Audit.LevelDBPath)
	case "postgres":
		if s.db == nil {
			return nil, errors.New("postgres audit store requires a database connection")
		}
		store := audit.NewPostgresStore(s.db.DB)
		if err := store.Migrate(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return audit.NewMemoryStore(), nil
	}
}

// initHandlers initializes all handler instances
func (s *Server) initHandlers() {
	checks := map[string]handlers.Checker{}
	if s.db != nil {
		checks["database"] = s.db
	}
	if s.redis != nil {
		rdb := s.redis
		checks["redis"] = handlers.CheckerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	s.routingHandler = handlers.NewRoutingHandler(s.service, s.dispatcher, s.logger)
	s.tripHandler = handlers.NewTripHandler(s.service, s.dispatcher, s.logger)
	s.auditHandler = handlers.NewAuditHandler(s.service, s.logger)
	s.healthHandler = handlers.NewHealthHandler(checks, Version, s.logger)
}

// initHTTPServer initializes the HTTP server with Gin
func (s *Server) initHTTPServer() {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if s.config.Debug {
		s.router.Use(gin.Logger())
	}
	s.router.Use(middleware.CORS(), middleware.RequestID(), middleware.Logging(s.logger.Named("http")))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.logger.Info("HTTP server initialized", zap.Int("port", s.config.Server.HTTPPort))
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	auth := s.config.Auth

	// Health endpoints
	s.router.GET("/health", s.healthHandler.Health)
	s.router.GET("/health/ready", s.healthHandler.Ready)
	s.router.GET("/health/live", s.healthHandler.Live)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	if s.hub != nil {
		s.router.GET("/ws", s.hub.HandleWebSocket)
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.Identify(auth))
	{
		v1.POST("/destinations", s.routingHandler.CalculateDestination)
		v1.PUT("/hospitals/:id", s.routingHandler.UpdateHospital)

		internal := v1.Group("/internal")
		internal.Use(middleware.RequireRole(auth, auth.SupervisorRole))
		{
			internal.POST("/recommendations", s.routingHandler.InternalRecommendations)
		}

		trips := v1.Group("/trips")
		{
			trips.POST("", s.tripHandler.StartTrip)
			trips.GET("", s.tripHandler.ListActiveTrips)
			trips.GET("/:id", s.tripHandler.GetTripStatus)
			trips.POST("/:id/locations", s.tripHandler.ReportLocation)
			trips.POST("/:id/complete", s.tripHandler.CompleteTrip)
			trips.POST("/:id/alerts/:alertId/acknowledge", s.tripHandler.AcknowledgeAlert)
			trips.POST("/:id/alerts/:alertId/resolve", s.tripHandler.ResolveAlert)
		}

		auditGroup := v1.Group("/audit")
		{
			auditGroup.GET("/entries", s.auditHandler.ListEntries)
			auditGroup.GET("/verify", s.auditHandler.Verify)
		}
	}
}

// initGRPCServer initializes the gRPC server
func (s *Server) initGRPCServer() {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024 * 4), // 4MB
		grpc.MaxSendMsgSize(1024 * 1024 * 4), // 4MB
	}

	s.grpcServer = grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)

	if s.config.Debug || s.config.Server.EnableReflection {
		reflection.Register(s.grpcServer)
	}

	s.logger.Info("gRPC server initialized", zap.Int("port", s.config.Server.GRPCPort))
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Service returns the dispatch service
func (s *Server) Service() *dispatch.Service {
	return s.service
}

// Start starts both servers and the background workers, and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting medroute server")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startBackground(runCtx)

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.GRPCPort))
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to listen for gRPC")
	}
	go func() {
		s.logger.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- errors.Wrap(err, "gRPC server failed")
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "HTTP server failed")
		}
	}()

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.logger.Info("Medroute server started successfully")

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	}
}

// startBackground launches the websocket hub, the redis relay and the travel cache sweeper
func (s *Server) startBackground(ctx context.Context) {
	if s.hub != nil {
		go s.hub.Run(ctx)
		go s.hub.SubscribeToRedis(ctx)
	}
	if interval := s.config.Travel.SweepInterval; interval > 0 {
		go s.sweepTravelCache(ctx, interval)
	}
}

func (s *Server) sweepTravelCache(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.travelCache.Sweep(ctx); err != nil {
				s.logger.Warn("Travel cache sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down medroute server")

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	s.grpcServer.GracefulStop()

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Error("Failed to close resource", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	s.logger.Info("Medroute server shutdown completed")
	return nil
}
