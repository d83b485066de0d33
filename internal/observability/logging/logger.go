// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
	Service    string // value of the "service" field on every entry
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		Service:    "live-transcription-service",
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	Configure(cfg, os.Stdout)
}

// Configure installs the global logger writing to out.
func Configure(cfg Config, out io.Writer) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := out
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
		}
	}

	ctx := zerolog.New(output).With().Timestamp().Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	log.Logger = ctx.Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithConnection returns a logger with transport connection context.
func WithConnection(connID string) zerolog.Logger {
	return log.With().
		Str("connId", connID).
		Logger()
}

// WithSession returns a logger with session context.
func WithSession(sessionID, connID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("connId", connID).
		Logger()
}

// WithChunk returns a logger with chunk context.
func WithChunk(sessionID, chunkID string, seq uint64) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("chunkId", chunkID).
		Uint64("seq", seq).
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
