// Package storage persists completed job results.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// ErrNotFound is returned when no result exists for a job
var ErrNotFound = errors.New("result not found")

// ResultStore saves and loads completed job results
type ResultStore interface {
	SaveResult(ctx context.Context, record *models.ResultRecord) error
	LoadResult(ctx context.Context, jobID string) (*models.ResultRecord, error)
	ListResults(ctx context.Context, ownerID string, limit int) ([]*models.ResultRecord, error)
	Close() error
}

// Open returns the store for driver. "none" and "" return nil.
func Open(ctx context.Context, driver, dsn string) (ResultStore, error) {
	switch strings.ToLower(driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// encoded holds the JSON columns of a record
type encoded struct {
	metadata []byte
	summary  []byte
}

func encodeRecord(r *models.ResultRecord) (encoded, error) {
	if r == nil || r.JobID == "" {
		return encoded{}, errors.New("result record requires a job id")
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return encoded{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return encoded{}, fmt.Errorf("failed to marshal summary: %w", err)
	}
	return encoded{metadata: meta, summary: summary}, nil
}

func decodeRecord(r *models.ResultRecord, metadata, summary []byte) error {
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(summary) > 0 && string(summary) != "null" {
		r.Summary = &models.Summary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return fmt.Errorf("failed to unmarshal summary: %w", err)
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
