// Package logging builds the zap logger shared by every pipeline stage.
//
// Production mode writes unsampled JSON with an ISO8601 "timestamp" key and
// a "service" field; development mode writes coloured console lines.
// Components never reach for a global logger: they receive one in their
// constructor, tagged with Stage.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is the default value of the "service" field.
const Service = "sat-pipeline"

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"; empty means info
	Development bool
	OutputPaths []string
	Service     string
}

// DefaultConfig returns production logger configuration writing to stdout.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		OutputPaths: []string{"stdout"},
		Service:     Service,
	}
}

// New builds a logger from zap's production preset with the pipeline's
// field names applied.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.MessageKey = "message"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Development {
		zc.Development = true
		zc.Encoding = "console"
		zc.DisableStacktrace = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	}
	if cfg.Service != "" {
		zc.InitialFields = map[string]any{"service": cfg.Service}
	}
	return zc.Build()
}

// Stage returns a child logger tagged with the stage name. A nil log yields
// a no-op logger, which keeps test wiring short.
func Stage(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.With(zap.String("stage", name))
}
