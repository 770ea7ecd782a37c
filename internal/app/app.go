// Package app wires configuration, logging, and the transport together
// and runs the server process.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"convoy"
)

// Run loads configuration from the working directory and drives the
// server until ctx is done. Only startup failures are returned.
func Run(ctx context.Context) error {
	cfg, loaded := LoadConfig(".")

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()

	if !loaded {
		logger.Warn().Msg("no config file found, using defaults")
	}

	tlsConf, err := serverTLS()
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}

	serverCfg := convoy.Config{
		Name:                 cfg.Name,
		Description:          cfg.Description,
		Map:                  cfg.Map,
		Port:                 cfg.Port,
		TickRate:             cfg.TickRate,
		MaxPlayers:           cfg.MaxPlayers,
		MaxVehiclesPerClient: cfg.MaxVehiclesPerClient,
		Identifier:           cfg.Identifier,
		TLS:                  tlsConf,
		Logger:               logger,
	}
	if cfg.ModsDir != "" {
		if err := os.MkdirAll(cfg.ModsDir, 0o755); err != nil {
			logger.Warn().Err(err).Str("dir", cfg.ModsDir).Msg("mods directory unavailable")
		} else {
			serverCfg.Mods = convoy.DirModProvider{Dir: cfg.ModsDir}
		}
	}
	if cfg.ShowInServerList && cfg.ListingURL != "" {
		serverCfg.Status = newListingReporter(cfg.ListingURL, cfg.Port, logger)
	}

	return convoy.NewServer(serverCfg).Run(ctx)
}
