package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/clickhouse"
	"github.com/sat-pipeline/internal/config"
	"github.com/sat-pipeline/internal/objectstore"
	"github.com/sat-pipeline/internal/postgres"
	"github.com/sat-pipeline/internal/sink"
)

// openSinks returns the output directory sink teed to every configured mirror.
func openSinks(ctx context.Context, cfg *config.Config, log *zap.Logger) (sink.Sink, error) {
	primary, err := sink.NewFile(cfg.Paths.OutputDir)
	if err != nil {
		return nil, err
	}

	var mirrors []sink.Sink
	fail := func(name string, err error) (sink.Sink, error) {
		errs := []error{fmt.Errorf("open %s mirror: %w", name, err)}
		for _, m := range mirrors {
			errs = append(errs, m.Close())
		}
		return nil, errors.Join(errs...)
	}

	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolSize, log)
		if err != nil {
			return fail("postgres", err)
		}
		mirrors = append(mirrors, pg)
	}
	if cfg.House.Addr != "" {
		ch, err := clickhouse.Open(ctx, clickhouse.Options{
			Addr:     cfg.House.Addr,
			Database: cfg.House.Database,
			Username: cfg.House.Username,
			Password: cfg.House.Password,
		}, log)
		if err != nil {
			return fail("clickhouse", err)
		}
		mirrors = append(mirrors, ch)
	}
	if cfg.S3.Bucket != "" {
		s3, err := objectstore.Open(ctx, objectstore.Options{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, log)
		if err != nil {
			return fail("s3", err)
		}
		mirrors = append(mirrors, s3)
	}
	return sink.NewTee(log, primary, mirrors...), nil
}
