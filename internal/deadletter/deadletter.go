// Package deadletter spills records the pipeline could not deliver to disk
// so they can be inspected or replayed instead of being lost silently.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
)

// Envelope is the on-disk form of a dead-lettered record.
type Envelope struct {
	Stage    string       `json:"stage"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
	Record   model.Record `json:"record"`
}

// Store writes envelopes into a directory.
type Store struct {
	dir string
	log *zap.Logger
}

// New creates dir if needed.
func New(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the directory envelopes are written to.
func (s *Store) Dir() string { return s.dir }

// Put writes rec with the failing stage and cause.
func (s *Store) Put(_ context.Context, stage string, rec model.Record, cause error) error {
	env := Envelope{
		Stage:    stage,
		FailedAt: time.Now().UTC(),
		Record:   rec,
	}
	if cause != nil {
		env.Reason = cause.Error()
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	name := fmt.Sprintf("%s.%s.json", safeStem(rec.ImageID()), uuid.NewString())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	s.log.Warn("record dead-lettered",
		zap.String("image_id", rec.ImageID()),
		zap.String("failed_stage", stage),
		zap.String("path", path),
		zap.Error(cause))
	return nil
}

// Read loads an envelope written by Put.
func Read(path string) (Envelope, error) {
	var env Envelope
	data, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

func safeStem(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.ReplaceAll(id, "..", "_"))
}
