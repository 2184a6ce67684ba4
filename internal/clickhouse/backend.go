package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
)

const table = "satellite_images"

// quoteIdent backtick-quotes a ClickHouse identifier.
func quoteIdent(name string) string {
	return "`" + strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(name) + "`"
}

// qualifiedTable is the quoted <db>.satellite_images name.
func qualifiedTable(db string) string {
	return quoteIdent(db) + "." + quoteIdent(table)
}

func createTableSQL(db string) string {
	return `CREATE TABLE IF NOT EXISTS ` + qualifiedTable(db) + ` (
		image_id String,
		captured_at Nullable(String),
		image_type Nullable(String),
		latitude Nullable(Float64),
		longitude Nullable(Float64),
		resolution_meters Nullable(Float64),
		cloud_cover_percentage Nullable(Float64),
		receptor_timestamp Float64,
		processed_timestamp Float64,
		processing_notes Nullable(String),
		payload String
	) ENGINE = ReplacingMergeTree(processed_timestamp)
	ORDER BY image_id`
}

// Options controls the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

func (o Options) clickhouse() *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: 10 * time.Second,
	}
}

// InitSchema creates the satellite_images table if not exists.
func InitSchema(ctx context.Context, conn driver.Conn, db string) error {
	return conn.Exec(ctx, createTableSQL(db))
}

func ptrString(rec model.Record, k string) *string {
	if s, ok := rec[k].(string); ok {
		return &s
	}
	return nil
}

func ptrFloat(rec model.Record, k string) *float64 {
	if f, ok := rec.Float(k); ok {
		return &f
	}
	return nil
}

// rowFromRecord maps a record to column values (nullable strings and floats) in table order.
func rowFromRecord(rec model.Record) ([]any, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	received, _ := rec.Float(model.FieldReceptorTimestamp)
	processed, _ := rec.Float(model.FieldProcessedTimestamp)
	return []any{
		rec.ImageID(), ptrString(rec, "timestamp"), ptrString(rec, "image_type"),
		ptrFloat(rec, "latitude"), ptrFloat(rec, "longitude"), ptrFloat(rec, "resolution_meters"),
		ptrFloat(rec, "cloud_cover_percentage"), received, processed,
		ptrString(rec, model.FieldProcessingNotes), string(payload),
	}, nil
}

// Sink inserts processed records into ClickHouse.
type Sink struct {
	conn driver.Conn
	db   string
	log  *zap.Logger
}

// Open connects, pings and initialises the schema.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(opts.clickhouse())
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := InitSchema(ctx, conn, opts.Database); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	log.Info("clickhouse sink ready", zap.String("addr", opts.Addr), zap.String("database", opts.Database))
	return &Sink{conn: conn, db: opts.Database, log: log}, nil
}

func (s *Sink) Name() string { return "clickhouse" }

// Write inserts one row using PrepareBatch; Append takes values in table column order.
func (s *Sink) Write(ctx context.Context, rec model.Record) error {
	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+qualifiedTable(s.db))
	if err != nil {
		return err
	}
	if err := batch.Append(row...); err != nil {
		batch.Abort()
		return err
	}
	return batch.Send()
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
