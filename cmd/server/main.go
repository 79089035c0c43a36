package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rodrigowf/agentic-voicebridge/internal/bridge"
	"github.com/rodrigowf/agentic-voicebridge/internal/config"
	"github.com/rodrigowf/agentic-voicebridge/internal/events"
	"github.com/rodrigowf/agentic-voicebridge/internal/httpserver"
	"github.com/rodrigowf/agentic-voicebridge/internal/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("voicebridge", reg)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	recorder := events.NewRecorder(store, log, collector, events.WithPersistTimeout(cfg.PersistTimeout))

	tools, err := cfg.Tools()
	if err != nil {
		return err
	}
	registry, announced := buildTools(tools, cfg.ToolToken, log)
	newUpstream, newDownstream, err := sessionFactories(cfg, announced, log)
	if err != nil {
		return err
	}

	manager := bridge.NewManager(bridge.Config{
		ConnectTimeout:   cfg.ConnectTimeout,
		NegotiateTimeout: cfg.NegotiateTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		FunctionTimeout:  cfg.FunctionTimeout,
		PersistTimeout:   cfg.PersistTimeout,
		Relay: bridge.RelayConfig{
			QueueSize: cfg.RelayQueue,
			MaxGap:    cfg.RelayMaxGap,
			MaxFaults: cfg.RelayMaxFaults,
		},
		Logger:   log,
		Observer: collector,
	}, bridge.Deps{
		NewUpstream:   newUpstream,
		NewDownstream: newDownstream,
		Events:        recorder,
		Registry:      registry,
	})

	srv := httpserver.New(manager, recorder, httpserver.Options{
		AuthToken: cfg.AuthToken,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:    log,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.HTTPAddress),
			zap.String("event_store", cfg.EventStore),
			zap.Strings("tools", registry.Names()))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions still open at exit", zap.Error(err))
	}
	return nil
}
