package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS satellite_images (
    image_id TEXT NOT NULL PRIMARY KEY,
    captured_at TEXT,
    image_type TEXT,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    resolution_meters DOUBLE PRECISION,
    cloud_cover_percentage DOUBLE PRECISION,
    receptor_timestamp DOUBLE PRECISION,
    processed_timestamp DOUBLE PRECISION,
    processing_notes TEXT,
    payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_satellite_images_type ON satellite_images(image_type);
`

var columns = []string{
	"image_id", "captured_at", "image_type", "latitude", "longitude",
	"resolution_meters", "cloud_cover_percentage", "receptor_timestamp",
	"processed_timestamp", "processing_notes", "payload",
}

// upsertSQL inserts one row, replacing every column but the key on conflict.
var upsertSQL = buildUpsert()

func buildUpsert() string {
	placeholders := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, c := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "image_id" {
			updates = append(updates, c+" = EXCLUDED."+c)
		}
	}
	return "INSERT INTO satellite_images (" + strings.Join(columns, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT (image_id) DO UPDATE SET " + strings.Join(updates, ", ")
}

// CreatePool creates a pgx connection pool of the given size.
func CreatePool(ctx context.Context, dsn string, size int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		cfg.MaxConns = int32(size)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// InitSchema creates satellite_images if not exists.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, createTableSQL)
	return err
}

// rowFromRecord maps a record to the column order in columns. Missing or
// non-numeric fields become NULL; the full record is kept in payload.
func rowFromRecord(rec model.Record) ([]any, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	str := func(k string) any {
		if s, ok := rec[k].(string); ok {
			return s
		}
		return nil
	}
	num := func(k string) any {
		if f, ok := rec.Float(k); ok {
			return f
		}
		return nil
	}
	return []any{
		rec.ImageID(), str("timestamp"), str("image_type"), num("latitude"), num("longitude"),
		num("resolution_meters"), num("cloud_cover_percentage"), num(model.FieldReceptorTimestamp),
		num(model.FieldProcessedTimestamp), str(model.FieldProcessingNotes), string(payload),
	}, nil
}

// Sink upserts processed records into PostgreSQL.
type Sink struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open connects, pings and initialises the schema.
func Open(ctx context.Context, dsn string, poolSize int, log *zap.Logger) (*Sink, error) {
	pool, err := CreatePool(ctx, dsn, poolSize)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Info("postgres sink ready", zap.Int("pool_size", poolSize))
	return &Sink{pool: pool, log: log}, nil
}

func (s *Sink) Name() string { return "postgres" }

func (s *Sink) Write(ctx context.Context, rec model.Record) error {
	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertSQL, row...)
	return err
}

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
