package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// PostgresStore keeps results in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and creates the schema if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ps := &PostgresStore{db: db}
	if err := ps.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return ps, nil
}

func (ps *PostgresStore) initSchema(ctx context.Context) error {
	tableSchema := `
	CREATE SCHEMA IF NOT EXISTS beanscan;

	CREATE TABLE IF NOT EXISTS beanscan.results (
		job_id VARCHAR(255) PRIMARY KEY,
		owner_id VARCHAR(255),
		is_video BOOLEAN NOT NULL DEFAULT TRUE,
		metadata JSONB,
		summary JSONB,
		output_path TEXT,
		total_frames INT,
		processed_frames INT,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := ps.db.ExecContext(ctx, tableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_results_owner_id ON beanscan.results(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_results_completed_at ON beanscan.results(completed_at)`,
	}
	for _, stmt := range indexStatements {
		if _, err := ps.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w (statement: %s)", err, stmt)
		}
	}
	return nil
}

// SaveResult upserts record
func (ps *PostgresStore) SaveResult(ctx context.Context, record *models.ResultRecord) error {
	enc, err := encodeRecord(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO beanscan.results (job_id, owner_id, is_video, metadata, summary, output_path, total_frames, processed_frames, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			metadata = EXCLUDED.metadata,
			output_path = EXCLUDED.output_path,
			processed_frames = EXCLUDED.processed_frames,
			completed_at = EXCLUDED.completed_at
	`
	_, err = ps.db.ExecContext(ctx, query,
		record.JobID,
		record.Metadata.OwnerID,
		record.IsVideo,
		enc.metadata,
		enc.summary,
		record.OutputPath,
		record.TotalFrames,
		record.Processed,
		record.CreatedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

const pgSelect = `SELECT job_id, is_video, metadata, summary, output_path, total_frames, processed_frames, created_at, completed_at FROM beanscan.results`

// LoadResult returns the record for jobID or ErrNotFound
func (ps *PostgresStore) LoadResult(ctx context.Context, jobID string) (*models.ResultRecord, error) {
	row := ps.db.QueryRowContext(ctx, pgSelect+` WHERE job_id = $1`, jobID)
	r, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListResults returns the newest results, optionally for one owner
func (ps *PostgresStore) ListResults(ctx context.Context, ownerID string, limit int) ([]*models.ResultRecord, error) {
	rows, err := ps.db.QueryContext(ctx,
		pgSelect+` WHERE ($1 = '' OR owner_id = $1) ORDER BY completed_at DESC LIMIT $2`,
		ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []*models.ResultRecord
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database handle
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostgres(s scanner) (*models.ResultRecord, error) {
	var (
		r                 models.ResultRecord
		metadata, summary []byte
		outputPath        sql.NullString
		total, processed  sql.NullInt64
	)
	if err := s.Scan(&r.JobID, &r.IsVideo, &metadata, &summary, &outputPath, &total, &processed, &r.CreatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.OutputPath = outputPath.String
	r.TotalFrames = int(total.Int64)
	r.Processed = int(processed.Int64)
	if err := decodeRecord(&r, metadata, summary); err != nil {
		return nil, err
	}
	return &r, nil
}
