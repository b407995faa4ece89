package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Enclicainteractive/voltage-server/internal/app"
	"github.com/Enclicainteractive/voltage-server/internal/config"
	"github.com/Enclicainteractive/voltage-server/internal/log"
	"github.com/Enclicainteractive/voltage-server/internal/otelutil"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	bootLogger := log.New("info")

	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Str("path", path).Msg("load config")
	}

	logger := log.New(cfg.LogLevel)

	if err := otelutil.Init(); err != nil {
		logger.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(&cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init application")
	}

	logger.Info().Str("addr", cfg.Addr).Str("host", cfg.Host).Msg("starting voltage server")
	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
