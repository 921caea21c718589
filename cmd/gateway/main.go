package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/core/services"
	httphandlers "wiregate/internal/handlers/http"
	"wiregate/internal/infrastructure/backplane"
	"wiregate/internal/infrastructure/conntable"
	"wiregate/internal/infrastructure/middleware"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/internal/infrastructure/reliability"
	repositories "wiregate/internal/infrastructure/repositories"
	signalserver "wiregate/internal/infrastructure/signal"
	"wiregate/pkg/cache"
	"wiregate/pkg/circuitbreaker"
	"wiregate/pkg/config"
	"wiregate/pkg/logger"
	"wiregate/pkg/retry"
	"wiregate/pkg/tracing"
	"wiregate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/wiregate/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "wiregate",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// This node's identity: a fresh nodeID per process start, so a
	// restart on the same endpoint is a distinct node.
	self := domain.NodeIdentity{
		Address: cfg.Backplane.AdvertiseAddress,
		Port:    cfg.Backplane.AdvertisePort,
		NodeID:  utils.GenerateNodeID(),
	}
	log.Infow("node identity",
		"node_id", self.NodeID, "advertise", self.Address, "port", self.Port)

	// Monitoring
	collector := monitoring.NewPrometheusCollector()

	// Repositories
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	var presenceRepo ports.PresenceRepository = repoFactory.CreatePresenceRepository()
	if cfg.Redis.Enabled {
		// Shared-store calls cross the network; give them retry and a
		// breaker so a sick store degrades routing instead of stalling it.
		presenceRepo = reliability.NewPresenceWrapper(
			presenceRepo, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), collector, log)
	}
	tokenRepo := repoFactory.CreateTokenRepository()

	// Local connection table and backplane
	table := conntable.New()

	dialer := &backplane.Dialer{ConnectTimeout: cfg.Backplane.ConnectTimeout}
	registry := backplane.NewRegistry(self, dialer, log)
	registry.SetCallTimeout(cfg.Backplane.CallTimeout)
	registry.SetMetrics(collector)
	registry.SetFrameHandler(func(ev *domain.Event) {
		table.Deliver(ev)
	})
	registry.SetLivenessProbe(func(user domain.UserID, client domain.ClientID) bool {
		return table.HasLocal(user, client)
	})

	// Core services
	router := services.NewRouterService(table, presenceRepo, registry, self, log)
	tokenCache := cache.NewCache(cfg.Broker.CacheTTL, cfg.Broker.CacheEntries)
	defer tokenCache.Stop()
	broker := services.NewBrokerService(tokenRepo, router, tokenCache, cfg.Broker.TokenTTL, log)
	resolver := services.NewSessionService(cfg.Auth.JWTSecret, log)

	health := monitoring.NewHealthChecker(2 * time.Second)
	health.Register("store", repoFactory.HealthCheck)

	// Client-facing signal server. A zero message rate disables the
	// per-connection limiter.
	wsOpts := signalserver.Options{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		MaxMessageBytes: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		wsOpts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsOpts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signalserver.NewWebSocketServer(
		resolver, router, broker, presenceRepo, table, self, collector, wsOpts, log)

	// HTTP action surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(middleware.RecoveryMiddleware(log))
	ginRouter.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)))
	ginRouter.Use(middleware.ErrorHandlerMiddleware(log))
	ginRouter.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		ginRouter.Use(middleware.TracingMiddleware())
	}

	linkHandler := httphandlers.NewLinkHandler(broker, router, presenceRepo, health)
	linkHandler.SetupRoutes(ginRouter, resolver)

	if cfg.Monitoring.PrometheusEnabled {
		ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}
	ginRouter.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ready", "uptime": time.Since(startTime).String()})
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Signal server (client websockets)
	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	// Backplane server (inbound node links)
	backplaneMux := http.NewServeMux()
	backplaneMux.Handle("/backplane", backplane.NewServer(registry, log))
	backplaneSrv := &http.Server{
		Addr:    cfg.Backplane.Address,
		Handler: backplaneMux,
	}

	serverErr := make(chan error, 3)
	go func() {
		log.Infof("starting HTTP server on %s", cfg.Server.Address)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("starting signal server on %s", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("starting backplane server on %s", cfg.Backplane.Address)
		if err := backplaneSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Periodic link gauge refresh
	gaugeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				collector.SetNodeLinksOpen(registry.LinkCount())
			case <-gaugeDone:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down gateway...")
	close(gaugeDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Drain clients first so their presence entries are cleared before
	// the store connection goes away.
	wsServer.Shutdown(shutdownCtx)
	registry.Shutdown()

	for _, srv := range []*http.Server{httpSrv, signalSrv, backplaneSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			srv.Close()
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("gateway stopped")
}
