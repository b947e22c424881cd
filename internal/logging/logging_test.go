package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Options{Level: "info", Format: "json", Out: &buf})
	require.NoError(t, err)

	log.Info().Str("component", "test").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "test", entry["component"])
	assert.Contains(t, entry, "time")
}

func TestLevelCanChange(t *testing.T) {
	var buf bytes.Buffer
	log, level, err := New(Options{Level: "warn", Format: "json", Out: &buf})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	require.NoError(t, level.SetString("DEBUG"))
	assert.Equal(t, zerolog.DebugLevel, level.Get())
	log.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, level.SetString("loud"))
	assert.Equal(t, zerolog.DebugLevel, level.Get())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Options{Out: &buf})
	require.NoError(t, err)

	log.Info().Msg("started")
	assert.Contains(t, buf.String(), "started")
	assert.NotContains(t, buf.String(), `"message"`)
}
