// internal/logger/logger.go
// Package logger centraliza o logging estruturado (zerolog) do edge-agent.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DefaultConfig lê LOG_LEVEL, DEBUG e LOG_OUTPUT do ambiente.
func DefaultConfig() Config {
	cfg := Config{
		Level:      "info",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("DEBUG")); v == "true" || v == "1" {
		cfg.Debug = true
	}
	if v := strings.TrimSpace(os.Getenv("LOG_OUTPUT")); v != "" {
		cfg.Output = v
	}
	return cfg
}

// New monta um zerolog.Logger a partir da config.
func New(cfg Config) (zerolog.Logger, error) {
	var out io.Writer = os.Stdout
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("log output inválido: %q", cfg.Output)
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), err
		}
		level = lvl
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component devolve um logger filho com o campo component preenchido.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// NewTestLogger descarta tudo; usado nos testes.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
