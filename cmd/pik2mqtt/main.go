package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pik2mqtt/pik2mqtt/internal/archive"
	"github.com/pik2mqtt/pik2mqtt/internal/auth"
	"github.com/pik2mqtt/pik2mqtt/internal/config"
	"github.com/pik2mqtt/pik2mqtt/internal/mqtt"
	"github.com/pik2mqtt/pik2mqtt/internal/pik"
	"github.com/pik2mqtt/pik2mqtt/internal/poll"
	"github.com/pik2mqtt/pik2mqtt/internal/rate"
	"github.com/pik2mqtt/pik2mqtt/internal/server"
	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

func main() {
	configPath := flag.String("config", envOrDefault("PIK2MQTT_CONFIG", "/etc/pik2mqtt/config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pikCfg := pik.Config{
		ICMBaseURL: cfg.PIK.ICMBaseURL,
		IotBaseURL: cfg.PIK.IotBaseURL,
		DeviceID:   cfg.PIK.DeviceID,
		VerifySSL:  cfg.PIK.ShouldVerifySSL(),
	}

	inner := &http.Client{Timeout: 15 * time.Second}
	if !cfg.PIK.ShouldVerifySSL() {
		inner.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	pikCfg.HTTPClient = rate.WrapHTTP(
		rate.Provider("pik").
			MaxRequestsPer(rate.Minute, cfg.Rate.MaxPerMinute).
			MaxRequestsPer(rate.Day, cfg.Rate.MaxPerDay),
		inner,
	)

	manager, err := auth.NewManager(pikCfg, cfg.PIK.Username, cfg.PIK.Password, logger)
	if err != nil {
		logger.Error("auth manager init failed", "error", err)
		os.Exit(1)
	}
	// Bad credentials should fail the process, not the first poll.
	if err := manager.SignIn(ctx); err != nil {
		logger.Error("sign in failed", "error", err)
		os.Exit(1)
	}
	manager.StartWithInterval(ctx, cfg.Poll.AuthInterval())

	client, err := pik.NewClient(pikCfg, manager)
	if err != nil {
		logger.Error("vendor client init failed", "error", err)
		os.Exit(1)
	}

	bus := state.NewEventBus(logger)
	store := state.NewStore(bus)

	var archiver poll.Archiver
	if cfg.Archive.Enabled {
		s3, err := archive.NewS3Archiver(cfg.Archive)
		if err != nil {
			logger.Error("archive init failed", "error", err)
			os.Exit(1)
		}
		archiver = s3
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(cfg.MQTT, client, store, bus, logger)
	} else {
		publisher = mqtt.NewStubPublisher(logger)
	}
	if err := publisher.Start(ctx); err != nil {
		logger.Error("mqtt start failed", "error", err)
		os.Exit(1)
	}

	registry := newRegistry()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", server.HealthHandler)
	httpMux.Handle("/metrics", server.MetricsHandler(registry))
	httpMux.Handle("/api/state", server.StateHandler(store))

	httpServer := server.NewHTTPServer(cfg.HTTP.Addr, httpMux)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	poller := poll.New(client, store, archiver, poll.Intervals{
		Intercoms:    cfg.Poll.IntercomsInterval(),
		CallSessions: cfg.Poll.CallSessionsInterval(),
		Meters:       cfg.Poll.MetersInterval(),
	}, logger)

	logger.Info("pik2mqtt started", "http_addr", cfg.HTTP.Addr, "mqtt_enabled", cfg.MQTT.Enabled)
	poller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publisher.Stop(shutdownCtx); err != nil {
		logger.Error("mqtt stop failed", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("pik2mqtt stopped")
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(auth.MetricsCollectors()...)
	registry.MustRegister(rate.MetricsCollectors()...)
	registry.MustRegister(poll.MetricsCollectors()...)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pik2mqtt_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	return registry
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
