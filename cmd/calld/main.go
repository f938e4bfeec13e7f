package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/core/services"
	httphandlers "pikacall/internal/handlers/http"
	"pikacall/internal/infrastructure/distributed"
	"pikacall/internal/infrastructure/messaging"
	"pikacall/internal/infrastructure/middleware"
	"pikacall/internal/infrastructure/monitoring"
	"pikacall/internal/infrastructure/reliability"
	"pikacall/internal/infrastructure/repositories"
	"pikacall/internal/infrastructure/transport/memory"
	wstransport "pikacall/internal/infrastructure/transport/websocket"
	"pikacall/internal/media/audio"
	"pikacall/pkg/circuitbreaker"
	"pikacall/pkg/config"
	"pikacall/pkg/logger"
	"pikacall/pkg/retry"
	"pikacall/pkg/tracing"
	"pikacall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/calld.yaml", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print a control API token for this subject and exit")
	tokenRole := flag.String("role", string(domain.RoleOperator), "role for -issue-token (viewer or operator)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, domain.APIRole(*tokenRole)); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, zapLogger); err != nil {
		log.Fatalw("calld failed", "error", err)
	}
}

func printToken(cfg *config.Config, subject string, role domain.APIRole) error {
	if !role.Allows(domain.RoleViewer) {
		return fmt.Errorf("unknown role %q", role)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set")
	}
	token, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).GenerateToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	startTime := time.Now()

	if err := validation.ValidateIdentity(cfg.Identity.PublicKey); err != nil {
		return fmt.Errorf("identity.public_key: %w", err)
	}
	if len(cfg.Messaging.Groups) == 0 {
		log.Warn("no messaging groups configured, the daemon cannot place or receive calls")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(cfg.TracingConfig("pikacall-calld"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	instanceID := uuid.NewString()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()
	if repoFactory.UsesRedis() && cfg.Redis.IdentityLease > 0 {
		lease := distributed.NewIdentityLease(repoFactory.RedisClient(), domain.Identity(cfg.Identity.PublicKey),
			instanceID, cfg.Redis.IdentityLease, log.With("component", "identity_lease"))
		if err := lease.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer releaseCancel()
			if err := lease.Release(releaseCtx); err != nil {
				log.Warnw("Failed to release identity lease", "error", err)
			}
		}()
		go func() {
			select {
			case <-lease.Lost():
				log.Error("Identity lease lost, shutting down")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	store := repoFactory.CreateCallRecordRepository()
	breakerCfg := circuitbreaker.Config{
		FailureThreshold:    cfg.History.BreakerFailures,
		SuccessThreshold:    1,
		Cooldown:            cfg.History.BreakerCooldown,
		MaxRequestsHalfOpen: 1,
	}
	records := reliability.NewCallRecordRepositoryWrapper(store, cfg.HistoryWritePolicy(), breakerCfg, log.With("component", "history"))

	var events ports.CallEventPublisher
	var eventBreaker *circuitbreaker.CircuitBreaker
	if bus := repoFactory.CreateEventPublisher(instanceID); bus != nil {
		guarded := reliability.NewEventPublisherWrapper(bus, breakerCfg, log.With("component", "events"))
		events = guarded
		eventBreaker = guarded.Breaker()
		go watchRemoteCalls(ctx, bus, log)
	}

	groups := make([]domain.GroupID, 0, len(cfg.Messaging.Groups))
	for _, g := range cfg.Messaging.Groups {
		groups = append(groups, domain.GroupID(g))
	}
	messenger := messaging.NewWebsocketGroupClient(messaging.WebsocketConfig{
		URL:          cfg.Messaging.HubURL,
		Identity:     domain.Identity(cfg.Identity.PublicKey),
		GroupSecret:  []byte(cfg.Messaging.GroupSecret),
		Groups:       groups,
		WriteTimeout: cfg.Messaging.WriteTimeout,
		ReplyTimeout: cfg.Messaging.ReplyTimeout,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  math.MaxInt32,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}, log.With("component", "messaging"))

	devices := audio.NewSyntheticFactory()
	if cfg.Media.ToneHz > 0 {
		devices.ToneHz = cfg.Media.ToneHz
	}

	runtimes := services.NewMediaRuntimeFactory(
		services.RuntimeConfig{
			JitterWindow:   cfg.Media.JitterWindow,
			JitterPrefill:  cfg.Media.JitterPrefill,
			CaptureQueue:   cfg.Media.CaptureQueue,
			PlaybackQueue:  cfg.Media.PlaybackQueue,
			ConnectTimeout: cfg.Reconnect.ConnectTimeout,
			Reconnect:      cfg.ReconnectPolicy(),
			RolloverGrace:  cfg.Crypto.RolloverGrace,
		},
		memory.NewRelay(log.With("component", "memory_relay")).Transport(),
		wstransport.NewTransport(wstransport.Config{
			PingInterval:     cfg.Transport.PingInterval,
			ReadTimeout:      cfg.Transport.ReadTimeout,
			WriteTimeout:     cfg.Transport.WriteTimeout,
			AckTimeout:       cfg.Transport.AckTimeout,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			SubscriberBuffer: cfg.Transport.SubscriberBuffer,
		}, log.With("component", "transport")),
		devices,
		collector,
		log.With("component", "runtime"),
	)

	calls := services.NewCallService(services.CallServiceConfig{
		RelayURL:        cfg.Call.RelayURL,
		BroadcastPrefix: cfg.Call.BroadcastPrefix,
		Track: domain.TrackDescriptor{
			Name:       cfg.Media.TrackName,
			Codec:      cfg.Media.Codec,
			SampleRate: cfg.Media.SampleRate,
			Channels:   cfg.Media.Channels,
			FrameMs:    cfg.Media.FrameMs,
		},
		RingTimeout:   cfg.Call.RingTimeout,
		SignalRate:    cfg.Signaling.MessagesPerSecond,
		SignalBurst:   cfg.Signaling.Burst,
		OutboxSize:    cfg.Call.OutboxSize,
		SendTimeout:   cfg.Call.SendTimeout,
		StatsInterval: cfg.Call.StatsInterval,
		History:       cfg.Call.History,
	}, messenger, runtimes, records, events, collector, log.With("component", "calls"))
	// The messenger outlives ctx so the shutdown hangup still reaches the peer.
	msgCtx, msgCancel := context.WithCancel(context.Background())
	defer msgCancel()
	defer calls.Close()

	messenger.SetHandler(calls)
	go func() {
		if err := messenger.Run(msgCtx); err != nil && msgCtx.Err() == nil {
			log.Errorw("Messaging client stopped", "error", err)
			cancel()
		}
	}()

	health := monitoring.NewHealthChecker()
	health.AddCallServiceCheck(calls, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.AddReadinessCheck(repoFactory.RedisClient(), store, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.AddCircuitBreakerCheck("call_history_breaker", records.Breaker(), cfg.Monitoring.HealthCheckInterval)
	if eventBreaker != nil {
		health.AddCircuitBreakerCheck("call_events_breaker", eventBreaker, cfg.Monitoring.HealthCheckInterval)
	}
	health.StartBackgroundChecks(ctx)

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	} else {
		log.Warn("control API authentication is disabled")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewCallHandler(calls, records).SetupRoutes(router, authService)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"identity":  cfg.Identity.PublicKey,
			"call":      calls.State().Status,
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		select {
		case <-messenger.Ready():
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "messaging not connected"})
			return
		}
		status := health.LastStatus()
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	var handler http.Handler = router
	if len(cfg.Server.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
		}).Handler(router)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting pika.call daemon",
			"address", cfg.Server.Address,
			"identity", cfg.Identity.PublicKey,
			"relay_url", cfg.Call.RelayURL,
			"instance_id", instanceID,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("Shutting down pika.call daemon")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		srv.Close()
	}
	if err := calls.Close(); err != nil {
		log.Errorw("Error closing call service", "error", err)
	}

	log.Info("pika.call daemon stopped")
	return nil
}

// watchRemoteCalls logs call events published by other daemons sharing the Redis bus.
func watchRemoteCalls(ctx context.Context, bus *distributed.EventBus, log *zap.SugaredLogger) {
	err := bus.Subscribe(ctx, func(event *distributed.Event) error {
		log.Debugw("Remote call event",
			"type", event.Type,
			"instance_id", event.InstanceID,
			"call_id", event.State.CallID,
			"status", event.State.Status,
		)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Warnw("Call event subscription ended", "error", err)
	}
}
