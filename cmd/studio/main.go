package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/services"
	httphandlers "stagecast/internal/handlers/http"
	"stagecast/internal/infrastructure/compose"
	"stagecast/internal/infrastructure/middleware"
	"stagecast/internal/infrastructure/monitoring"
	"stagecast/internal/infrastructure/publish"
	"stagecast/internal/infrastructure/reliability"
	"stagecast/internal/infrastructure/repositories"
	signalrelay "stagecast/internal/infrastructure/signal"
	"stagecast/pkg/circuitbreaker"
	"stagecast/pkg/config"
	"stagecast/pkg/logger"
	"stagecast/pkg/retry"
	"stagecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/stagecast/config.yaml",
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
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			JaegerURL:   cfg.Tracing.JaegerEndpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	sessionRepo := repoFactory.CreateSessionRepository()
	destinationRepo := repoFactory.CreateDestinationRepository()

	// ICE servers from config, STUN fallback otherwise
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	mediaCfg := services.MediaConfig{
		ICEServers:     iceServers,
		ConnectTimeout: cfg.WebRTC.ConnectTimeout,
		InitialBitrate: cfg.WebRTC.InitialBitrate,
		MinBitrate:     cfg.WebRTC.MinBitrate,
	}
	mediaCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	mediaCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	registry := services.NewRoomRegistry()
	mediaService, err := services.NewMediaSessionService(mediaCfg, log)
	if err != nil {
		log.Fatalw("failed to initialize media engine", "error", err)
	}

	frame := domain.FrameSize{Width: cfg.Compose.FrameWidth, Height: cfg.Compose.FrameHeight}

	renderer := compose.NewFFmpegRenderer(compose.RendererOptions{
		FFmpegPath:   cfg.Compose.FFmpegPath,
		Frame:        frame,
		FrameRate:    cfg.Compose.FrameRate,
		VideoBitrate: cfg.Compose.VideoBitrate,
		AudioBitrate: cfg.Compose.AudioBitrate,
		StopTimeout:  cfg.Compose.StopTimeout,
	}, mediaService, log)

	compositionService := services.NewCompositionService(services.ComposeConfig{
		Frame:         frame,
		OutputBaseURL: cfg.Compose.OutputBaseURL,
	}, registry, mediaService, renderer, log)

	publishClient := reliability.NewPublishClientWrapper(
		publish.NewFFmpegPublishClient(publish.ClientOptions{
			FFmpegPath: cfg.Compose.FFmpegPath,
		}, log),
		circuitbreaker.DefaultConfig(),
		log,
	)

	relayService := services.NewFanoutService(services.RelayConfig{
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.Relay.MaxAttempts,
			InitialDelay: cfg.Relay.InitialBackoff,
			MaxDelay:     cfg.Relay.MaxBackoff,
			Multiplier:   2,
			Jitter:       true,
		},
	}, destinationRepo, publishClient, log)

	signalServer := signalrelay.NewSignalServer(registry, mediaService, signalrelay.ServerOptions{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		MaxMessageBytes: cfg.Signal.MaxMessageBytes,
		MessagesPerSec:  cfg.RateLimiting.MessagesPerSecond,
		MessageBurst:    cfg.RateLimiting.Burst,
	}, log)

	lifecycleService := services.NewLifecycleService(
		sessionRepo,
		destinationRepo,
		registry,
		mediaService,
		compositionService,
		relayService,
		signalServer,
		log,
	)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRegistryCheck(registry, 2*time.Second)
	healthChecker.AddDestinationStoreCheck(destinationRepo, 2*time.Second)
	healthChecker.AddCheck("repositories", func(ctx context.Context) (bool, error) {
		if err := repoFactory.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, 2*time.Second)

	broadcastHandler := httphandlers.NewBroadcastHandler(lifecycleService, sessionRepo, compositionService, relayService)
	mediaHandler := httphandlers.NewMediaHandler(mediaService)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	broadcastHandler.SetupRoutes(router)
	mediaHandler.SetupRoutes(router)

	router.GET("/ws", func(c *gin.Context) {
		signalServer.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status.Status,
			"checks":       status.Checks,
			"uptime":       time.Since(startTime).String(),
			"rooms":        registry.RoomCount(),
			"participants": registry.TotalParticipants(),
			"connections":  signalServer.ConnectedParticipants(),
		})
	})

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	defer metricsCancel()

	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector()
		go collector.Run(metricsCtx, 10*time.Second, registry, mediaService, compositionService, relayService)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting Stagecast studio server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down Stagecast studio server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("Stagecast studio server stopped")
}
