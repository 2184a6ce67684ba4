/*
Package monitoring exposes pipeline statistics to Prometheus.

Counters are read from progress.Stats at scrape time, so stages only ever
touch Stats. Queue depths are exported as gauges.

	reg := prometheus.NewRegistry()
	monitoring.Register(reg, stats, depths...)
	go monitoring.Serve(ctx, ":9100", reg, 5*time.Second, log)
*/
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/progress"
)

const namespace = "satpipe"

// Register adds record counters, transform time, queue depth and uptime collectors to reg.
func Register(reg prometheus.Registerer, stats *progress.Stats, depths ...progress.Depth) error {
	var errs []error
	for _, c := range progress.Counters() {
		c := c
		errs = append(errs, reg.Register(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "records_total",
				Help:        "Records by pipeline outcome",
				ConstLabels: prometheus.Labels{"outcome": c.String()},
			},
			func() float64 { return float64(stats.Load(c)) },
		)))
	}

	errs = append(errs, reg.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_seconds_total",
			Help:      "Time spent in the transformation step",
		},
		func() float64 { return stats.TransformTime().Seconds() },
	)))

	for _, d := range depths {
		d := d
		errs = append(errs, reg.Register(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_depth",
				Help:        "Items currently held in a bounded queue",
				ConstLabels: prometheus.Labels{"queue": d.Name},
			},
			func() float64 { return float64(d.Len()) },
		)))
	}

	start := time.Now()
	errs = append(errs, reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Pipeline uptime in seconds",
		},
		func() float64 { return time.Since(start).Seconds() },
	)))

	return errors.Join(errs...)
}

// Handler returns the /metrics handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is done, then gives in-flight
// scrapes up to shutdownTimeout to finish.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, shutdownTimeout time.Duration, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
