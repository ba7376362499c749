package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	l, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l, err = New(Config{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())

	_, err = New(Config{Level: "loud"})
	require.Error(t, err)

	_, err = New(Config{Output: "syslog"})
	require.Error(t, err)
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	cl := Component(base, "supervisor")
	cl.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "supervisor", entry["component"])
	assert.Equal(t, "hello", entry["message"])
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "")
	t.Setenv("LOG_OUTPUT", "stderr")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "stderr", cfg.Output)
	assert.False(t, cfg.Debug)
}
