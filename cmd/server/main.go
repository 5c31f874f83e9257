package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/sandpool-dev/sandpool/internal/artifacts"
	"github.com/sandpool-dev/sandpool/internal/cache"
	"github.com/sandpool-dev/sandpool/internal/config"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
	"github.com/sandpool-dev/sandpool/internal/execution"
	"github.com/sandpool-dev/sandpool/internal/handlers"
	"github.com/sandpool-dev/sandpool/internal/health"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/reconciler"
	"github.com/sandpool-dev/sandpool/internal/scheduler"
	"github.com/sandpool-dev/sandpool/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info", false)
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	logger.Log.Info().Msg("Starting sandpool control plane...")

	// Entity store
	logger.Log.Info().Msg("Connecting to database...")
	database, err := db.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Log.Info().Msg("Running database migrations...")
	if err := database.Migrate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	sessionStore := db.NewSessionStore(database.DB())
	executionStore := db.NewExecutionStore(database.DB())
	templateStore := db.NewTemplateStore(database.DB())
	nodeStore := db.NewNodeStore(database.DB())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Artifact store
	logger.Log.Info().Msg("Connecting to artifact store...")
	artifactStore, err := artifacts.NewStore(ctx, artifacts.Config{
		Endpoint:    cfg.ArtifactEndpoint,
		AccessKey:   cfg.ArtifactAccessKey,
		SecretKey:   cfg.ArtifactSecretKey,
		Bucket:      cfg.ArtifactBucket,
		UseSSL:      cfg.ArtifactUseSSL,
		InlineLimit: cfg.ArtifactInlineLimit,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to artifact store")
	}

	// Runtime driver
	drv, err := driver.New(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to initialize runtime driver")
	}
	runtimeKind := drv.Kind()
	logger.Log.Info().Str("runtime", runtimeKind).Msg("Runtime driver initialized")

	// Node registration: static for Docker, discovered for Kubernetes.
	if err := registerNodes(ctx, cfg, drv, nodeStore); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register runtime nodes")
	}

	// Optional read-through cache
	redisCache, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		logger.Log.Warn().Err(err).Msg("Cache unavailable; continuing without it")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	// Optional lifecycle event publishing
	publisher, err := events.NewPublisher(cfg.NATSUrl)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer publisher.Close()

	// Core components
	templates := cache.NewTemplates(redisCache, templateStore)
	sched := scheduler.New(cache.NewNodes(redisCache, nodeStore))

	sessionManager := session.NewManager(sessionStore, nodeStore, templates, sched, drv,
		artifactStore, publisher, session.Config{
			RuntimeKind:       runtimeKind,
			WorkspaceRoot:     cfg.WorkspaceRoot,
			ControlPlaneURL:   cfg.ControlPlaneURL,
			InternalAPIToken:  cfg.InternalAPIToken,
			DefaultTimeout:    cfg.DefaultTimeout,
			MaxTimeout:        cfg.MaxTimeout,
			IdleTimeout:       cfg.SessionIdleTimeout,
			MaxLifetime:       cfg.SessionMaxLifetime,
			CreateTimeout:     cfg.SessionCreateTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})

	executionManager := execution.NewManager(executionStore, sessionStore, drv,
		artifactStore, publisher, execution.Config{
			DefaultTimeout:      cfg.DefaultTimeout,
			MaxTimeout:          cfg.MaxTimeout,
			HeartbeatTimeout:    cfg.HeartbeatTimeout,
			Grace:               cfg.ExecutionGrace,
			MaxRetries:          cfg.MaxExecutionRetries,
			StdoutTruncateBytes: cfg.StdoutTruncateBytes,
		})
	sessionManager.SetExecutionSweeper(executionManager)

	rec := reconciler.New(sessionStore, nodeStore, templates, sched, drv,
		executionManager, publisher, reconciler.Config{
			ControlPlaneURL:  cfg.ControlPlaneURL,
			InternalAPIToken: cfg.InternalAPIToken,
			CreateTimeout:    cfg.SessionCreateTimeout,
		})

	prober := health.New(nodeStore, sessionStore, drv, rec, publisher)

	// Startup sweep runs before the listener binds so external requests
	// never observe a half-initialized binding table.
	logger.Log.Info().Msg("Running startup reconciliation sweep...")
	rec.RunOnce(ctx)

	// Background loops
	go rec.Start(ctx)
	go prober.Start(ctx)
	go executionManager.StartWatchdog(ctx)

	// Idle cleanup runs on a cron schedule.
	sweeps := cron.New()
	if _, err := sweeps.AddFunc("@every 60s", func() { sessionManager.SweepIdle(ctx) }); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to schedule idle sweep")
	}
	sweeps.Start()
	defer sweeps.Stop()

	// HTTP surface
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handlers.RequestID())
	router.Use(gin.Recovery())
	router.Use(handlers.StructuredLogger())

	api := router.Group("/api/v1")
	handlers.NewSessionHandler(sessionManager, executionManager).RegisterRoutes(api)
	handlers.NewExecutionHandler(executionManager).RegisterRoutes(api)
	handlers.NewTemplateHandler(templateStore).RegisterRoutes(api)
	handlers.NewRuntimeHandler(nodeStore, sessionStore).RegisterRoutes(api)
	handlers.NewFileHandler(artifactStore, sessionManager).RegisterRoutes(api)

	internal := router.Group("/internal")
	internal.Use(handlers.InternalAuth(cfg.InternalAPIToken))
	handlers.NewInternalHandler(sessionManager, executionManager).RegisterRoutes(internal)

	handlers.NewHealthHandler(database.DB(), artifactStore, nodeStore).RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("port", cfg.APIPort).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info().Msg("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Forced shutdown")
	}
	logger.Log.Info().Msg("Server stopped")
}

// registerNodes seeds the runtime node table: statically configured
// daemons for Docker, discovered cluster nodes for Kubernetes.
func registerNodes(ctx context.Context, cfg *config.Config, drv driver.Driver, nodes *db.NodeStore) error {
	switch d := drv.(type) {
	case *driver.KubernetesDriver:
		discovered, err := d.DiscoverNodes(ctx)
		if err != nil {
			return err
		}
		for _, node := range discovered {
			if err := nodes.RegisterNode(ctx, node); err != nil {
				return err
			}
			logger.Log.Info().Str("node_id", node.ID).Msg("Registered kubernetes node")
		}
		return nil
	default:
		seeds := cfg.DockerNodes
		if len(seeds) == 0 {
			seeds = []config.NodeSeed{{ID: "local", Endpoint: "unix:///var/run/docker.sock"}}
		}
		for _, seed := range seeds {
			node := &db.RuntimeNode{
				ID:       seed.ID,
				Kind:     db.RuntimeDocker,
				Endpoint: seed.Endpoint,
				Status:   db.NodeOnline,
				Capacity: cfg.NodeCapacity,
				// Totals are refreshed by the first health probe; seed
				// generous defaults so scheduling works before then.
				CPUTotalMillis:   16000,
				MemoryTotalBytes: 32 * 1024 * 1024 * 1024,
			}
			if err := nodes.RegisterNode(ctx, node); err != nil {
				return err
			}
			logger.Log.Info().Str("node_id", node.ID).Str("endpoint", node.Endpoint).Msg("Registered docker node")
		}
		return nil
	}
}
