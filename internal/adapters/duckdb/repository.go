// Package duckdb persists conversations, long-term memory and traces in an
// embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/auleagent/internal/core/ports"
)

// Repository is the single DuckDB handle behind every storage port.
type Repository struct {
	db *sql.DB
}

var (
	_ ports.Repository      = (*Repository)(nil)
	_ ports.MemoryStore     = (*Repository)(nil)
	_ ports.TraceRepository = (*Repository)(nil)
)

// NewRepository opens (or creates) the database at path and applies the
// schema. An empty path opens an in-memory database.
func NewRepository(ctx context.Context, path string) (*Repository, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS message_seq START 1`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         VARCHAR PRIMARY KEY,
		title      VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq             BIGINT DEFAULT nextval('message_seq'),
		id              VARCHAR PRIMARY KEY,
		conversation_id VARCHAR NOT NULL,
		role            VARCHAR NOT NULL,
		content         VARCHAR NOT NULL,
		steps           VARCHAR,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id              VARCHAR PRIMARY KEY,
		content         VARCHAR NOT NULL,
		conversation_id VARCHAR,
		source          VARCHAR,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failures (
		id              VARCHAR PRIMARY KEY,
		content         VARCHAR NOT NULL,
		context         VARCHAR,
		correction      VARCHAR,
		severity        VARCHAR NOT NULL,
		tags            VARCHAR,
		conversation_id VARCHAR,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		id              VARCHAR PRIMARY KEY,
		name            VARCHAR NOT NULL,
		status          VARCHAR NOT NULL,
		conversation_id VARCHAR,
		root_span_id    VARCHAR,
		start_time      TIMESTAMP NOT NULL,
		end_time        TIMESTAMP,
		duration_ms     BIGINT,
		span_count      INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS spans (
		id          VARCHAR PRIMARY KEY,
		trace_id    VARCHAR NOT NULL,
		parent_id   VARCHAR,
		name        VARCHAR NOT NULL,
		kind        VARCHAR NOT NULL,
		status      VARCHAR NOT NULL,
		input       VARCHAR,
		output      VARCHAR,
		error       VARCHAR,
		model       VARCHAR,
		attributes  VARCHAR,
		start_time  TIMESTAMP NOT NULL,
		end_time    TIMESTAMP,
		duration_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (trace_id)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
