package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/bridge"
	"github.com/agent-command/bridged/internal/config"
	"github.com/agent-command/bridged/internal/hookclient"
	"github.com/agent-command/bridged/internal/logging"
)

type CLI struct {
	Config      string           `help:"Path to config file" short:"c" type:"path" default:"~/.config/bridged/config.yaml" env:"BRIDGED_CONFIG"`
	ShowVersion kong.VersionFlag `name:"version" help:"Show version information"`

	Daemon  DaemonCmd  `cmd:"" default:"1" help:"Run the bridge daemon (default)"`
	Status  StatusCmd  `cmd:"" help:"Show daemon health"`
	Version VersionCmd `cmd:"" help:"Show version information"`
	Hook    HookCmd    `cmd:"" help:"Agent hook helpers, reading hook JSON from stdin"`
}

// hookConfig loads the config for the agent-side helpers. They must work
// without a config file, so a missing or broken one falls back to defaults.
func (c *CLI) hookConfig() *config.Config {
	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		cfg, _ = config.Parse(nil)
	}
	return cfg
}

// stderrLogger logs helper diagnostics without touching stdout, which the
// agent reads.
func stderrLogger(cfg *config.Config) zerolog.Logger {
	level := "warn"
	if cfg.Logging.Level == "debug" {
		level = "debug"
	}
	log, _, err := logging.New(logging.Options{Level: level, Format: "console", Out: os.Stderr})
	if err != nil {
		return zerolog.Nop()
	}
	return log
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(versionInfo())
	return nil
}

type StatusCmd struct {
	JSON bool `help:"Output in JSON format"`
}

func (s *StatusCmd) Run(cli *CLI) error {
	cfg := cli.hookConfig()
	ctx, cancel := context.WithTimeout(context.Background(), hookclient.SessionTimeout)
	defer cancel()

	raw, err := hookclient.New(cfg.Listen, stderrLogger(cfg)).Health(ctx)
	if err != nil {
		if s.JSON {
			return outputJSON(map[string]any{"status": "down", "listen": cfg.Listen, "error": err.Error()})
		}
		return fmt.Errorf("bridge at %s is not reachable: %w", cfg.Listen, err)
	}
	if s.JSON {
		fmt.Println(string(raw))
		return nil
	}

	var h bridge.Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	fmt.Printf("Bridge Status\n")
	fmt.Printf("=============\n")
	fmt.Printf("Listen:           %s\n", cfg.Listen)
	fmt.Printf("Gateway:          %s\n", cfg.Gateway)
	fmt.Printf("Status:           %s\n", h.Status)
	fmt.Printf("Pending Requests: %d\n", h.PendingCount)
	fmt.Printf("Active Sessions:  %d\n", h.ActiveSessionCount)
	fmt.Printf("Timeout:          %s\n", cfg.PermissionTimeout())
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type HookCmd struct {
	Permission HookPermissionCmd `cmd:"" help:"Forward a PermissionRequest hook and print the decision"`
	Session    HookSessionCmd    `cmd:"" help:"Forward a session lifecycle hook"`
}

type HookPermissionCmd struct{}

// Run never fails: any error leaves the decision to the agent's own prompt.
func (HookPermissionCmd) Run(cli *CLI) error {
	cfg := cli.hookConfig()
	log := stderrLogger(cfg)
	if err := hookclient.New(cfg.Listen, log).Permission(context.Background(), os.Stdin, os.Stdout, cfg.PermissionTimeout()); err != nil {
		log.Warn().Err(err).Msg("permission hook")
	}
	return nil
}

type HookSessionCmd struct{}

func (HookSessionCmd) Run(cli *CLI) error {
	cfg := cli.hookConfig()
	log := stderrLogger(cfg)
	if err := hookclient.New(cfg.Listen, log).Session(context.Background(), os.Stdin); err != nil {
		log.Warn().Err(err).Msg("session hook")
	}
	return nil
}
