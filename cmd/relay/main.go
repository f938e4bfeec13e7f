package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pikacall/internal/infrastructure/relay"
	"pikacall/pkg/config"
	"pikacall/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	relayCfg := relay.Config{
		PingInterval:      cfg.Relay.PingInterval,
		ReadTimeout:       cfg.Relay.ReadTimeout,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		SendBuffer:        cfg.Relay.SendBuffer,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		RequireToken:      cfg.Relay.RequireToken,
	}
	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)
	server := relay.NewServer(relayCfg, metrics, log.With("component", "media"))
	hub := relay.NewGroupHub(relayCfg, metrics, log.With("component", "group_hub"))

	mux := http.NewServeMux()
	mux.HandleFunc("/media", server.HandleMedia)
	mux.HandleFunc("/group", hub.HandleGroup)
	mux.HandleFunc("/health", server.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting pika.call relay",
			"address", cfg.Relay.Address,
			"require_token", cfg.Relay.RequireToken,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	dropped := server.DisconnectAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during relay shutdown", "error", err)
		srv.Close()
	}
	log.Infow("Relay stopped", "dropped_connections", dropped)
}
