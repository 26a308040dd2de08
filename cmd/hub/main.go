package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-realtime/hub/internal/config"
	"github.com/odin-realtime/hub/internal/logging"
	"github.com/odin-realtime/hub/internal/relay"
	"github.com/odin-realtime/hub/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Options{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("runtime: cpu limit applied via automaxprocs")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	relayAdapter, err := buildRelay(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize relay adapter")
	}

	srv := server.New(cfg, logger, relayAdapter)

	addr := fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port)
	go func() {
		if err := srv.Start(addr); err != nil {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx, 30*time.Second); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// buildRelay picks the cross-node relay backend. RELAY_ENABLED=false (or an
// empty RELAY_HOST) falls back to the in-memory adapter, which is correct
// for a single-node deployment and for local development.
func buildRelay(cfg *config.Config, logger zerolog.Logger) (relay.Adapter, error) {
	if !cfg.Relay.Enabled || cfg.Relay.Host == "" {
		logger.Info().Msg("relay: running single-node with in-memory relay")
		bus := relay.NewMemoryBus()
		return relay.NewMemoryAdapter(bus, cfg.NodeID), nil
	}

	url := fmt.Sprintf("nats://%s:%d", cfg.Relay.Host, cfg.Relay.Port)
	adapter, err := relay.NewNATSAdapter(relay.NATSConfig{
		URL:           url,
		KeyPrefix:     cfg.Relay.KeyPrefix,
		NodeID:        cfg.NodeID,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return adapter, nil
}
