package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestProductionWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	cfg := DefaultConfig()
	cfg.OutputPaths = []string{path}

	log, err := New(cfg)
	require.NoError(t, err)
	log.Info("hello", zap.String("k", "v"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "v", entry["k"])
	assert.Contains(t, entry, "timestamp")
	assert.Equal(t, Service, entry["service"])
}

func TestProductionIsNotSampled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	cfg := DefaultConfig()
	cfg.OutputPaths = []string{path}

	log, err := New(cfg)
	require.NoError(t, err)
	for range 300 {
		log.Info("same message")
	}
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 300, strings.Count(string(data), "same message"))
}

func TestEmptyLevelIsInfo(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestStageField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Stage(zap.New(core), "writer").Info("x")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "writer", logs.All()[0].ContextMap()["stage"])
}

func TestStageNilLogger(t *testing.T) {
	assert.NotPanics(t, func() { Stage(nil, "x").Info("ignored") })
}
