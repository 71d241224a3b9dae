package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/personabot/internal/handler"
	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform/discord"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ai"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/dispatch"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/history"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ingest"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the chat platform and serve the admin API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	if !cfg.Platform.Enabled() {
		return errors.New("DISCORD_BOT_TOKEN is required to serve")
	}

	items, err := loadPersonas(cfg.Persona)
	if err != nil {
		return err
	}
	personas := persona.NewMemoryStore(items)

	db, err := openHistoryDB(cfg.History)
	if err != nil {
		return err
	}
	defer db.Close()
	histories := history.New(db, cfg.History.MaxTurns, logger.With("component", logging.CompHistory))

	backends := ai.NewBackends(ctx, cfg.AI, logger.With("component", logging.CompEngine))
	if len(backends) == 0 {
		logger.Warn("no model backend available, every reply will be the fallback message")
	}
	engine := ai.NewEngine(backends,
		ai.WithTimeout(cfg.AI.Timeout),
		ai.WithDefaultFallback(cfg.AI.FallbackMessage),
		ai.WithLogger(logger.With("component", logging.CompEngine)))

	client := discord.NewClient(cfg.Platform.BotToken,
		discord.WithBaseURL(cfg.Platform.APIBase),
		discord.WithRateLimit(cfg.Platform.RateLimit),
		discord.WithClientLogger(logger.With("component", logging.CompGateway)))
	hub := platform.NewHub()
	gateway := discord.NewGateway(cfg.Platform.BotToken, hub,
		discord.WithGatewayURL(cfg.Platform.GatewayURL),
		discord.WithOnReady(client.SetBotUserID),
		discord.WithGatewayLogger(logger.With("component", logging.CompGateway)))

	sessionLogger := logger.With("component", logging.CompSession)
	responder := session.NewResponder(
		personas,
		ingest.New(client, sessionLogger),
		histories,
		engine,
		dispatch.New(client, cfg.Platform.MaxMessageLength,
			dispatch.WithLogger(logger.With("component", logging.CompDispatch))),
		sessionLogger,
	)
	registry := session.NewRegistry(session.Deps{
		Personas:  personas,
		Proxies:   client,
		Stream:    hub,
		Resolver:  client,
		Responder: responder,
		Logger:    sessionLogger,
	})

	router := handler.NewRouter(handler.Deps{
		Personas:  personas,
		Sessions:  registry,
		Histories: histories,
		Backends:  engine.Backends,
		Logger:    logger.With("component", logging.CompHTTP),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("admin api listen %s: %w", srv.Addr, err)
	}
	logger.Info("admin api listening", "addr", ln.Addr().String())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveAdmin(groupCtx, srv, ln)
	})
	group.Go(func() error {
		return gateway.Run(groupCtx)
	})
	if cfg.Persona.File != "" && cfg.Persona.Watch {
		group.Go(func() error {
			return persona.Watch(groupCtx, cfg.Persona.File, personas,
				logger.With("component", logging.CompPersona),
				refreshSessions(groupCtx, registry, logger))
		})
	}

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	hub.Wait()

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("personabot stopped")
	return nil
}

func refreshSessions(ctx context.Context, registry *session.Registry, logger *slog.Logger) persona.ChangeFunc {
	return func(changed []persona.Profile) {
		for _, p := range changed {
			n := registry.Refresh(ctx, p)
			logger.Info("persona identity changed", "persona", p.ID, "sessions_rebound", n)
		}
	}
}

const adminDrainTimeout = 10 * time.Second

// serveAdmin serves on ln until ctx ends, then drains open requests for up
// to adminDrainTimeout before returning.
func serveAdmin(ctx context.Context, srv *http.Server, ln net.Listener) error {
	drained := make(chan error, 1)
	stop := context.AfterFunc(ctx, func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminDrainTimeout)
		defer cancel()
		drained <- srv.Shutdown(drainCtx)
	})

	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		stop()
		return fmt.Errorf("admin api: %w", err)
	}
	if stop() {
		// Closed by someone else; nothing left to drain.
		return nil
	}
	if err := <-drained; err != nil {
		return fmt.Errorf("admin api drain: %w", err)
	}
	return nil
}
