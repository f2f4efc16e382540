package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
	job_id TEXT PRIMARY KEY,
	owner_id TEXT,
	is_video INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	summary TEXT,
	output_path TEXT,
	total_frames INTEGER,
	processed_frames INTEGER,
	created_at TEXT NOT NULL,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_owner_id ON results(owner_id);
CREATE INDEX IF NOT EXISTS idx_results_completed_at ON results(completed_at);
`

// sqliteTime sorts lexically in UTC
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps results in an embedded SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveResult upserts record
func (s *SQLiteStore) SaveResult(ctx context.Context, record *models.ResultRecord) error {
	enc, err := encodeRecord(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (job_id, owner_id, is_video, metadata, summary, output_path, total_frames, processed_frames, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			summary = excluded.summary,
			metadata = excluded.metadata,
			output_path = excluded.output_path,
			processed_frames = excluded.processed_frames,
			completed_at = excluded.completed_at`,
		record.JobID,
		record.Metadata.OwnerID,
		record.IsVideo,
		string(enc.metadata),
		string(enc.summary),
		record.OutputPath,
		record.TotalFrames,
		record.Processed,
		record.CreatedAt.UTC().Format(sqliteTime),
		record.CompletedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

const sqliteSelect = `SELECT job_id, is_video, metadata, summary, output_path, total_frames, processed_frames, created_at, completed_at FROM results`

// LoadResult returns the record for jobID or ErrNotFound
func (s *SQLiteStore) LoadResult(ctx context.Context, jobID string) (*models.ResultRecord, error) {
	r, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+` WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListResults returns the newest results, optionally for one owner
func (s *SQLiteStore) ListResults(ctx context.Context, ownerID string, limit int) ([]*models.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteSelect+` WHERE (? = '' OR owner_id = ?) ORDER BY completed_at DESC LIMIT ?`,
		ownerID, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []*models.ResultRecord
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLite(sc scanner) (*models.ResultRecord, error) {
	var (
		r                    models.ResultRecord
		isVideo              int
		metadata, summary    sql.NullString
		outputPath           sql.NullString
		total, processed     sql.NullInt64
		createdAt, completed string
	)
	if err := sc.Scan(&r.JobID, &isVideo, &metadata, &summary, &outputPath, &total, &processed, &createdAt, &completed); err != nil {
		return nil, err
	}
	r.IsVideo = isVideo != 0
	r.OutputPath = outputPath.String
	r.TotalFrames = int(total.Int64)
	r.Processed = int(processed.Int64)

	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if err := decodeRecord(&r, []byte(metadata.String), []byte(summary.String)); err != nil {
		return nil, err
	}
	return &r, nil
}
