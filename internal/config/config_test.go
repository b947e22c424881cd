package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("BRIDGED_TELEGRAM_TOKEN", "")
	t.Setenv("BRIDGED_WS_TOKEN", "")

	cfg, err := Parse([]byte("telegram:\n  chat_id: 42\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, 300*time.Second, cfg.PermissionTimeout())
	assert.Equal(t, GatewayTelegram, cfg.Gateway)
	assert.Equal(t, "tmux", cfg.Tmux.Bin)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, []int{250, 500, 1000, 2000, 5000}, cfg.WebSocket.ReconnectBackoffMs)
	assert.False(t, cfg.Notifications.AnnounceSessionStart)
	assert.Equal(t, "42", cfg.Operator())
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGED_TELEGRAM_TOKEN", "from-env")
	t.Setenv("BRIDGED_WS_TOKEN", "ws-env")

	cfg, err := Parse([]byte("telegram:\n  bot_token: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.BotToken)
	assert.Equal(t, "ws-env", cfg.WebSocket.Token)
}

func TestParseWebSocket(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 0.0.0.0:9000
permission_timeout_ms: 60000
gateway: websocket
websocket:
  url: wss://relay.example/bridge
  operator_id: op-1
  reconnect_backoff_ms: [100, 200]
notifications:
  announce_session_start: true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, time.Minute, cfg.PermissionTimeout())
	assert.Equal(t, "op-1", cfg.Operator())
	assert.Equal(t, []int{100, 200}, cfg.WebSocket.ReconnectBackoffMs)
	assert.True(t, cfg.Notifications.AnnounceSessionStart)
}

func TestValidate(t *testing.T) {
	t.Setenv("BRIDGED_TELEGRAM_TOKEN", "")

	tests := []struct {
		name string
		yaml string
		ok   bool
	}{
		{"telegram complete", "telegram: {bot_token: t, chat_id: 1}", true},
		{"telegram missing token", "telegram: {chat_id: 1}", false},
		{"telegram missing chat", "telegram: {bot_token: t}", false},
		{"websocket missing url", "gateway: websocket\nwebsocket: {operator_id: x}", false},
		{"unknown gateway", "gateway: carrier-pigeon", false},
		{"bad backoff", "telegram: {bot_token: t, chat_id: 1}\nwebsocket: {reconnect_backoff_ms: [0]}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatchAppliesValidChanges(t *testing.T) {
	t.Setenv("BRIDGED_TELEGRAM_TOKEN", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "bridged.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("telegram: {bot_token: t, chat_id: 1}\npermission_timeout_ms: 1000\n")

	var mu sync.Mutex
	var applied []*Config
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.New(io.Discard), func(cfg *Config) {
			mu.Lock()
			applied = append(applied, cfg)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("telegram: {bot_token: t}\n")
	time.Sleep(3 * debounceDelay)
	write("telegram: {bot_token: t, chat_id: 1}\npermission_timeout_ms: 2000\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	for _, cfg := range applied {
		assert.Equal(t, 2*time.Second, cfg.PermissionTimeout(), "invalid configs must not be applied")
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
