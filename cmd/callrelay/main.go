package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/internal/core/services"
	httphandlers "callrelay/internal/handlers/http"
	"callrelay/internal/infrastructure/distributed"
	"callrelay/internal/infrastructure/media"
	"callrelay/internal/infrastructure/middleware"
	"callrelay/internal/infrastructure/monitoring"
	"callrelay/internal/infrastructure/relay"
	"callrelay/pkg/circuitbreaker"
	"callrelay/pkg/config"
	"callrelay/pkg/logger"
	"callrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, zapLogger); err != nil {
		log.Errorw("callrelay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	instanceID := uuid.NewString()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	// Relay handles and capture devices
	pool := relay.NewPool(relayConfig(cfg), log.Named("relay"))
	acquirer := media.NewAcquirer(mediaConfig(cfg), log.Named("media"))

	bridge := services.NewEventBridge(
		services.BridgeConfig{SubscribeTimeout: cfg.Session.SubscribeTimeout},
		pool,
		services.NewParticipantRegistry(),
		log.Named("bridge"),
	)

	orch := services.NewOrchestrator(services.OrchestratorConfig{
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		PublishTimeout:    cfg.Session.PublishTimeout,
		DisconnectTimeout: cfg.Session.DisconnectTimeout,
		SettleTimeout:     cfg.Session.SettleTimeout,
		NotifyTimeout:     cfg.Session.NotifyTimeout,
	}, pool, acquirer, bridge, log.Named("session"))

	if cfg.Relay.TokenSecret != "" {
		issuer, err := relay.NewTokenIssuer(cfg.Relay.AppID, cfg.Relay.TokenSecret, cfg.Relay.TokenTTL)
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
		orch.SetTokenIssuer(issuer)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	var stats *services.MetricsService
	if cfg.Monitoring.PrometheusEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		orch.SetMetrics(monitoring.NewSessionCollector(registry))
	} else {
		stats = services.NewMetricsService()
		orch.SetMetrics(stats)
	}

	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(orch)
	health.AddRelayCheck(pool, orch)

	// Session events for out-of-process observers
	var bus *distributed.EventBus
	if cfg.Redis.Enabled {
		client, err := newRedisClient(cfg, log)
		if err != nil {
			log.Warnw("redis unavailable, session events will not be published", "error", err)
		} else {
			defer client.Close()
			breaker := circuitbreaker.New(cfg.Redis.Breaker)
			breaker.OnStateChange(func(from, to circuitbreaker.State) {
				log.Warnw("event publisher breaker changed state", "from", from, "to", to)
			})
			bus = distributed.NewEventBus(client, instanceID, cfg.Redis.Channel, log.Named("events")).
				WithBreaker(breaker)
			defer bus.Close()
			orch.SetEventPublisher(bus)
			health.AddRedisCheck(client, cfg.Monitoring.HealthTimeout)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go bridge.Run(ctx)

	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, distributed.LogPeerEvents(log.Named("peers")))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("peer event subscription ended", "error", err)
			}
		}()
	}

	// HTTP control API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
		middleware.CredentialMiddleware(),
	)

	httphandlers.NewSessionHandler(orch, log.Named("api")).SetupRoutes(router)
	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	} else {
		router.GET("/api/v1/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, stats.Stats())
		})
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting callrelay control API",
			"address", cfg.Server.Address,
			"relay_url", cfg.Relay.URL,
			"instance_id", instanceID,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Errorw("control API failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("control API shutdown failed", "error", err)
	}
	// tears down the active session and disposes bridge listeners
	orch.Close(shutdownCtx)

	log.Info("callrelay stopped")
	return nil
}

func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.URL = cfg.Relay.URL
	rc.AppID = cfg.Relay.AppID
	rc.Mode = cfg.Relay.Mode
	rc.Codec = cfg.Relay.Codec
	rc.ICEPortMin = cfg.Relay.PortRange.Min
	rc.ICEPortMax = cfg.Relay.PortRange.Max
	rc.RequestTimeout = cfg.Relay.RequestTimeout
	rc.PingInterval = cfg.Relay.PingInterval
	rc.WriteTimeout = cfg.Relay.WriteTimeout
	rc.Dial = cfg.Relay.Dial
	rc.ReconnectAttempts = cfg.Relay.ReconnectAttempts
	rc.ReconnectDelay = cfg.Relay.ReconnectDelay

	rc.ICEServers = nil
	for _, s := range cfg.Relay.ICEServers {
		rc.ICEServers = append(rc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return rc
}

func mediaConfig(cfg *config.Config) media.Config {
	mc := media.DefaultConfig()
	mc.AllowCapture = cfg.Media.AllowCapture
	mc.VideoCodec = cfg.Relay.Codec
	mc.Audio = media.AudioEncoderConfig(cfg.Media.Audio)
	mc.Video = media.VideoEncoderConfig(cfg.Media.Video)
	return mc
}

func newRedisClient(cfg *config.Config, log *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("connected to Redis",
		"address", cfg.Redis.Address,
		"db", cfg.Redis.DB,
		"pool_size", cfg.Redis.PoolSize,
	)
	return client, nil
}
