// Package sink defines where the writer stage persists processed records.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
)

// Extension is appended to image_id to form output file and object names.
const Extension = ".txt"

var ErrUnsafeID = errors.New("image_id is not usable as a file name")

// Sink persists one record. Implementations must be safe for use by one writer goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec model.Record) error
	Close() error
}

// FileName returns "<image_id>.txt", rejecting ids that would escape a directory.
func FileName(rec model.Record) (string, error) {
	id := rec.ImageID()
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	return id + Extension, nil
}

// File writes each record as indented JSON to <dir>/<image_id>.txt.
type File struct {
	dir string
}

// NewFile creates dir if it does not exist.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Name() string { return "file" }

// Write replaces any existing file atomically: readers see the old content or the new, never a partial one.
func (f *File) Write(_ context.Context, rec model.Record) error {
	name, err := FileName(rec)
	if err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(f.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (f *File) Close() error { return nil }

// Tee writes to a primary sink and then to best-effort mirrors. Only the
// primary's error is returned; mirror failures are logged.
type Tee struct {
	primary Sink
	mirrors []Sink
	log     *zap.Logger
}

// NewTee returns primary unchanged when there are no mirrors.
func NewTee(log *zap.Logger, primary Sink, mirrors ...Sink) Sink {
	if len(mirrors) == 0 {
		return primary
	}
	return &Tee{primary: primary, mirrors: mirrors, log: log}
}

func (t *Tee) Name() string {
	names := []string{t.primary.Name()}
	for _, m := range t.mirrors {
		names = append(names, m.Name())
	}
	return strings.Join(names, "+")
}

func (t *Tee) Write(ctx context.Context, rec model.Record) error {
	if err := t.primary.Write(ctx, rec); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Write(ctx, rec); err != nil {
			t.log.Error("mirror write failed",
				zap.String("sink", m.Name()),
				zap.String("image_id", rec.ImageID()),
				zap.Error(err))
		}
	}
	return nil
}

func (t *Tee) Close() error {
	errs := []error{t.primary.Close()}
	for _, m := range t.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
