package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/example/crash-delivery/internal/config"
	"github.com/example/crash-delivery/internal/logger"
)

func main() {
	var (
		envFile  string
		once     bool
		logLevel string
	)
	flags := pflag.NewFlagSet("crash-relay", pflag.ExitOnError)
	flags.StringVar(&envFile, "env-file", "", "load configuration from this file instead of .env")
	flags.BoolVar(&once, "once", false, "replay the cache, drain the outbox and exit")
	flags.StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	_ = flags.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		fail("config load", err)
	}
	if logLevel != "" {
		cfg.App.LogLevel = logLevel
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	r, err := newRelay(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise relay")
	}

	if once {
		err = r.runOnce(ctx)
	} else {
		err = r.run(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
	}

	if err := r.shutdown(); err != nil {
		log.Error().Err(err).Msg("relay shutdown incomplete")
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("crash relay init failed")
}
