package runner

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sat-pipeline/internal/config"
	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/progress"
	"github.com/sat-pipeline/internal/satgen"
	"github.com/sat-pipeline/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InputDir = filepath.Join(root, "in")
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.DeadLetterDir = filepath.Join(root, "dead")
	cfg.Ingest.ScanInterval = 20 * time.Millisecond
	cfg.Ingest.ErrorBackoff = 20 * time.Millisecond
	cfg.Ingest.EnqueueTimeout = 20 * time.Millisecond
	cfg.Ingest.SettleDelay = 0
	cfg.Process.ItemTimeout = 5 * time.Millisecond
	cfg.Process.WaitCeiling = 250 * time.Millisecond
	cfg.Process.MinDelay = 0
	cfg.Process.MaxDelay = 2 * time.Millisecond
	cfg.Process.PutTimeout = 20 * time.Millisecond
	cfg.Writer.PollTimeout = 20 * time.Millisecond
	cfg.Metrics.ProgressInterval = 50 * time.Millisecond
	return cfg
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, r *Runner) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	run := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { run.done <- r.Run(ctx) }()
	return run
}

func (run *running) stop(t *testing.T) (time.Duration, error) {
	t.Helper()
	stoppedAt := time.Now()
	run.cancel()
	select {
	case err := <-run.done:
		return time.Since(stoppedAt), err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
		return 0, nil
	}
}

// dropFile writes body to name in dir the way a producer should: write
// elsewhere, then rename into place.
func dropFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	tmp := filepath.Join(dir, "."+name+".part")
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func countFiles(t *testing.T, dir, ext string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ext {
			n++
		}
	}
	return n
}

func TestRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	const n = 20
	p := &satgen.Producer{
		Dir:       cfg.Paths.InputDir,
		MinImages: n,
		MaxImages: n,
		MaxFiles:  n,
		Rand:      rand.New(rand.NewPCG(1, 1)),
	}
	written, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, n, written)

	stats := &progress.Stats{}
	r := New(cfg, zaptest.NewLogger(t))
	r.Stats = stats
	run := start(t, r)

	require.Eventually(t, func() bool {
		return countFiles(t, cfg.Paths.OutputDir, ".txt") == n
	}, 5*time.Second, 10*time.Millisecond)
	_, err = run.stop(t)
	require.NoError(t, err)

	assert.Zero(t, countFiles(t, cfg.Paths.InputDir, ".txt"))
	assert.EqualValues(t, n, stats.Load(progress.Written))

	entries, err := os.ReadDir(cfg.Paths.OutputDir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(cfg.Paths.OutputDir, e.Name()))
		require.NoError(t, err)
		rec, err := model.Parse(data)
		require.NoError(t, err)
		received, ok := rec.Float(model.FieldReceptorTimestamp)
		require.True(t, ok)
		processed, ok := rec.Float(model.FieldProcessedTimestamp)
		require.True(t, ok)
		assert.Greater(t, processed, received)
		assert.Contains(t, rec, "image_type")
		assert.Contains(t, rec, "additional_metadata")
	}
}

func TestConcreteScenario(t *testing.T) {
	cfg := testConfig(t)
	dropFile(t, cfg.Paths.InputDir, "sat_img_42.txt",
		`{"image_id":"sat_img_42","timestamp":"2024-01-01T00:00:00","image_type":"infrared"}`)

	run := start(t, New(cfg, zaptest.NewLogger(t)))
	out := filepath.Join(cfg.Paths.OutputDir, "sat_img_42.txt")
	require.Eventually(t, func() bool { _, err := os.Stat(out); return err == nil }, 5*time.Second, 10*time.Millisecond)
	_, err := run.stop(t)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(cfg.Paths.InputDir, "sat_img_42.txt"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	rec, err := model.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00", rec["timestamp"])
	assert.Equal(t, "infrared", rec["image_type"])
	assert.Equal(t, "Processed successfully", rec[model.FieldProcessingNotes])
	received, ok := rec.Float(model.FieldReceptorTimestamp)
	require.True(t, ok)
	processed, ok := rec.Float(model.FieldProcessedTimestamp)
	require.True(t, ok)
	assert.Greater(t, processed, received)
}

func TestMalformedInputContained(t *testing.T) {
	cfg := testConfig(t)
	dropFile(t, cfg.Paths.InputDir, "bad.txt", `{"image_id": `)
	dropFile(t, cfg.Paths.InputDir, "good.txt", `{"image_id":"good"}`)

	stats := &progress.Stats{}
	r := New(cfg, zaptest.NewLogger(t))
	r.Stats = stats
	run := start(t, r)
	require.Eventually(t, func() bool {
		return stats.Load(progress.Written) == 1 && stats.Load(progress.Malformed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err := run.stop(t)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(cfg.Paths.InputDir, "bad.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.OutputDir, "bad.txt"))
	assert.FileExists(t, filepath.Join(cfg.Paths.OutputDir, "good.txt"))
}

func TestMalformedInputQuarantined(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.QuarantineDir = filepath.Join(t.TempDir(), "quarantine")
	dropFile(t, cfg.Paths.InputDir, "bad.txt", `"just a string"`)

	stats := &progress.Stats{}
	r := New(cfg, zaptest.NewLogger(t))
	r.Stats = stats
	run := start(t, r)
	require.Eventually(t, func() bool { return stats.Load(progress.Malformed) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := run.stop(t)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(cfg.Paths.QuarantineDir, "bad.txt"))
	assert.Zero(t, countFiles(t, cfg.Paths.OutputDir, ".txt"))
}

func TestTransformFailuresReachDeadLetter(t *testing.T) {
	cfg := testConfig(t)
	dropFile(t, cfg.Paths.InputDir, "a.txt", `{"image_id":"a"}`)

	stats := &progress.Stats{}
	r := New(cfg, zaptest.NewLogger(t))
	r.Stats = stats
	r.Transformer = worker.TransformFunc(func(context.Context, model.Record) (model.Record, error) {
		return nil, errors.New("calibration failed")
	})
	run := start(t, r)
	require.Eventually(t, func() bool { return stats.Load(progress.DeadLettered) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := run.stop(t)
	require.NoError(t, err)

	assert.Equal(t, 1, countFiles(t, cfg.Paths.DeadLetterDir, ".json"))
	assert.Zero(t, countFiles(t, cfg.Paths.OutputDir, ".txt"))
}

func TestBoundedShutdown(t *testing.T) {
	cfg := testConfig(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		dropFile(t, cfg.Paths.InputDir, id+".txt", `{"image_id":"`+id+`"}`)
	}

	run := start(t, New(cfg, zaptest.NewLogger(t)))
	time.Sleep(30 * time.Millisecond)
	took, err := run.stop(t)
	require.NoError(t, err)
	assert.LessOrEqual(t, took, cfg.ShutdownBound())
}

func TestBoundedShutdownWithBatchInFlight(t *testing.T) {
	cfg := testConfig(t)
	cfg.Process.MinDelay = 2 * time.Second
	cfg.Process.MaxDelay = 2 * time.Second
	require.NoError(t, cfg.Validate())
	dropFile(t, cfg.Paths.InputDir, "slow.txt", `{"image_id":"slow"}`)

	stats := &progress.Stats{}
	r := New(cfg, zaptest.NewLogger(t))
	r.Stats = stats
	run := start(t, r)
	require.Eventually(t, func() bool { return stats.Load(progress.Ingested) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	took, err := run.stop(t)
	require.NoError(t, err)
	assert.LessOrEqual(t, took, cfg.ShutdownBound())

	assert.EqualValues(t, 1, stats.Load(progress.TransformFailed))
	assert.EqualValues(t, 1, stats.Load(progress.DeadLettered))
	assert.Equal(t, 1, countFiles(t, cfg.Paths.DeadLetterDir, ".json"))
	assert.Zero(t, countFiles(t, cfg.Paths.OutputDir, ".txt"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.InputDir, "slow.txt"))
}

func TestShutdownTimeoutReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Writer.Drain = false
	dropFile(t, cfg.Paths.InputDir, "stuck.txt", `{"image_id":"stuck"}`)

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	// The stuck batch outlives the test, so it must not log through t.
	r := New(cfg, zap.NewNop())
	r.Transformer = worker.TransformFunc(func(_ context.Context, rec model.Record) (model.Record, error) {
		entered <- struct{}{}
		<-release
		return rec, nil
	})
	run := start(t, r)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("transform never started")
	}
	_, err := run.stop(t)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Process.Workers = 0
	err := New(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}
