// Synthetic satellite image generator: writes bursts of metadata files into
// the pipeline's input directory until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sat-pipeline/internal/logging"
	"github.com/sat-pipeline/internal/satgen"
)

func main() {
	dir := flag.String("dir", "database", "Directory to write metadata files into")
	minInterval := flag.Duration("min-interval", 100*time.Millisecond, "Shortest pause between bursts")
	maxInterval := flag.Duration("max-interval", 2*time.Second, "Longest pause between bursts")
	minImages := flag.Int("min-images", 5, "Smallest burst")
	maxImages := flag.Int("max-images", 15, "Largest burst")
	filesPerSecond := flag.Float64("files-per-second", 0, "Cap on files written per second (0 = no cap)")
	count := flag.Int("count", 0, "Stop after this many files (0 = run until interrupted)")
	flag.Parse()

	if *minImages < 0 || *maxImages < *minImages {
		fmt.Fprintln(os.Stderr, "--max-images must be >= --min-images >= 0")
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Service = "satgen"
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	var limiter *rate.Limiter
	if *filesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(*filesPerSecond), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &satgen.Producer{
		Dir:         *dir,
		MinInterval: *minInterval,
		MaxInterval: *maxInterval,
		MinImages:   *minImages,
		MaxImages:   *maxImages,
		Limiter:     limiter,
		MaxFiles:    *count,
		Log:         logging.Stage(log, "satgen"),
	}
	if _, err := p.Run(ctx); err != nil {
		log.Error("generator failed", zap.Error(err))
		stop()
		log.Sync()
		os.Exit(1)
	}
}
