package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/engine"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Msg("Starting bk-monitor alert engine")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration, refusing to start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := selfmon.NewMetrics()
	infra, err := engine.Open(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect backends")
	}
	eng, err := engine.New(cfg, infra, metrics)
	if err != nil {
		infra.Close()
		log.Fatal().Err(err).Msg("failed to build engine")
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining")
		grace := config.ParseDuration(cfg.Alerting.Engine.ShutdownGrace, 15*time.Second)
		select {
		case err = <-done:
		case <-time.After(grace):
			log.Warn().Dur("grace", grace).Msg("stages did not drain in time")
		}
	}
	eng.Close()
	if err != nil {
		log.Error().Err(err).Msg("alert engine stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("alert engine stopped")
}

func setupLogging(c config.LoggingConfig) {
	switch strings.ToLower(c.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
