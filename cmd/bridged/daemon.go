package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agent-command/bridged/internal/bridge"
	"github.com/agent-command/bridged/internal/config"
	"github.com/agent-command/bridged/internal/hooks"
	"github.com/agent-command/bridged/internal/logging"
	"github.com/agent-command/bridged/internal/metrics"
	"github.com/agent-command/bridged/internal/notify"
	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
	"github.com/agent-command/bridged/internal/telegram"
	"github.com/agent-command/bridged/internal/tmux"
	"github.com/agent-command/bridged/internal/ws"
)

type DaemonCmd struct{}

func (DaemonCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cli.Config, err)
	}

	log, level, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	store := pending.NewStore(cfg.PermissionTimeout())
	registry := sessions.NewRegistry(tmux.NewClient(&cfg.Tmux))
	m.TrackState(store.Count, registry.Count)

	coord := bridge.New(store, registry, gateway, bridge.Options{
		Operator:             cfg.Operator(),
		AnnounceSessionStart: cfg.Notifications.AnnounceSessionStart,
		Log:                  log,
		Metrics:              m,
	})
	server := hooks.NewServer(cfg.Listen, coord, m.Handler(), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, cli.Config, log, func(next *config.Config) {
			applyReload(coord, level, next, log)
		})
	})

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("gateway", cfg.Gateway).
		Dur("permission_timeout", cfg.PermissionTimeout()).
		Msg("bridge started")

	err = g.Wait()
	log.Info().Msg("bridge stopped")
	return err
}

// applyReload takes over the settings that can change at runtime. Gateway,
// listen address and tmux settings need a restart.
func applyReload(coord *bridge.Coordinator, level *logging.Level, cfg *config.Config, log zerolog.Logger) {
	coord.SetPermissionTimeout(cfg.PermissionTimeout())
	coord.SetAnnounceSessionStart(cfg.Notifications.AnnounceSessionStart)
	if err := level.SetString(cfg.Logging.Level); err != nil {
		log.Warn().Err(err).Msg("keeping previous log level")
	}
	log.Info().
		Dur("permission_timeout", cfg.PermissionTimeout()).
		Str("log_level", cfg.Logging.Level).
		Msg("runtime settings updated")
}

func newGateway(ctx context.Context, cfg *config.Config, log zerolog.Logger) (notify.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayWebSocket:
		client := ws.NewClient(cfg.WebSocket.URL, cfg.WebSocket.Token, cfg.WebSocket.BridgeID, cfg.WebSocket.ReconnectBackoffMs, log)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		return client, nil
	default:
		return telegram.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	}
}
