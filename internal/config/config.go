package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	GatewayTelegram  = "telegram"
	GatewayWebSocket = "websocket"
)

type Config struct {
	Listen              string              `yaml:"listen"`
	PermissionTimeoutMs int                 `yaml:"permission_timeout_ms"`
	Gateway             string              `yaml:"gateway"`
	Telegram            TelegramConfig      `yaml:"telegram"`
	WebSocket           WebSocketConfig     `yaml:"websocket"`
	Tmux                TmuxConfig          `yaml:"tmux"`
	Logging             LoggingConfig       `yaml:"logging"`
	Notifications       NotificationsConfig `yaml:"notifications"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebSocketConfig struct {
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	BridgeID           string `yaml:"bridge_id"`
	OperatorID         string `yaml:"operator_id"`
	ReconnectBackoffMs []int  `yaml:"reconnect_backoff_ms"`
}

type TmuxConfig struct {
	Bin    string `yaml:"bin"`
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotificationsConfig struct {
	AnnounceSessionStart bool `yaml:"announce_session_start"`
}

// PermissionTimeout is the deadline given to each permission request.
func (c *Config) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutMs) * time.Millisecond
}

// Operator is the single identity allowed to act on notifications.
func (c *Config) Operator() string {
	if c.Gateway == GatewayWebSocket {
		return c.WebSocket.OperatorID
	}
	return strconv.FormatInt(c.Telegram.ChatID, 10)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document and fills in defaults and environment
// overrides. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8765"
	}
	if cfg.PermissionTimeoutMs == 0 {
		cfg.PermissionTimeoutMs = 300000
	}
	if cfg.Gateway == "" {
		cfg.Gateway = GatewayTelegram
	}
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.WebSocket.BridgeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.WebSocket.BridgeID = host
		}
	}
	if len(cfg.WebSocket.ReconnectBackoffMs) == 0 {
		cfg.WebSocket.ReconnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}

	// Optional environment overrides for secrets.
	if envToken := os.Getenv("BRIDGED_TELEGRAM_TOKEN"); envToken != "" {
		cfg.Telegram.BotToken = envToken
	}
	if envToken := os.Getenv("BRIDGED_WS_TOKEN"); envToken != "" {
		cfg.WebSocket.Token = envToken
	}

	return &cfg, nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.PermissionTimeoutMs < 0 {
		errs = append(errs, errors.New("permission_timeout_ms must be positive"))
	}
	switch c.Gateway {
	case GatewayTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, errors.New("telegram.bot_token is required"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required"))
		}
	case GatewayWebSocket:
		if c.WebSocket.URL == "" {
			errs = append(errs, errors.New("websocket.url is required"))
		}
		if c.WebSocket.OperatorID == "" {
			errs = append(errs, errors.New("websocket.operator_id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gateway %q", c.Gateway))
	}
	for _, ms := range c.WebSocket.ReconnectBackoffMs {
		if ms <= 0 {
			errs = append(errs, errors.New("websocket.reconnect_backoff_ms entries must be positive"))
			break
		}
	}
	return errors.Join(errs...)
}
