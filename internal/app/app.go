package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/auth"
	"github.com/Enclicainteractive/voltage-server/internal/bot"
	"github.com/Enclicainteractive/voltage-server/internal/call"
	"github.com/Enclicainteractive/voltage-server/internal/config"
	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/e2e"
	"github.com/Enclicainteractive/voltage-server/internal/fanout"
	"github.com/Enclicainteractive/voltage-server/internal/federation"
	"github.com/Enclicainteractive/voltage-server/internal/store"
	"github.com/Enclicainteractive/voltage-server/internal/store/sqlite"
	transporthttp "github.com/Enclicainteractive/voltage-server/internal/transport/http"
	"github.com/Enclicainteractive/voltage-server/internal/voice"
)

// App wires the realtime core, services, and transport together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	voice           *voice.Coordinator
	webhooks        *bot.Dispatcher
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}
	authService := auth.NewService(st, st, jwtConfig)

	state := core.NewState()
	ice := voice.BuildICEServers(cfg.TURNURL, cfg.TURNUsername, cfg.TURNCredential)
	coordinator := voice.NewCoordinator(state, ice, logger)
	machine := call.NewMachine(state, st, st, logger)
	webhooks := bot.NewDispatcher(logger)
	fedService := federation.NewService(st, cfg.Host, cfg.ServerName, cfg.FederationAutoAccept, logger)
	fanoutService := fanout.NewService(state, st, fedService, webhooks, cfg.Host, logger)
	e2eService := e2e.NewService(state, st, logger)

	deps := transporthttp.Deps{
		State:      state,
		Auth:       authService,
		Voice:      coordinator,
		Calls:      machine,
		Fanout:     fanoutService,
		Federation: fedService,
		E2E:        e2eService,
		Store:      st,
	}
	server := transporthttp.NewServer(deps, *cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		voice:           coordinator,
		webhooks:        webhooks,
		log:             logger,
	}, nil
}

// Run starts the monitors and the HTTP server and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.voice.RunHeartbeatMonitor(ctx)
	go a.voice.RunConsensusMonitor(ctx)
	go a.webhooks.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
