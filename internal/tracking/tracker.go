// Package tracking ties detections across frames to stable identities.
package tracking

import (
	"context"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// Tracker assigns track ids to the detections of consecutive frames.
// A Tracker is stateful and belongs to a single job.
type Tracker interface {
	// Update returns one track per detection, in the order of detections.
	// Frames must be passed in source order.
	Update(ctx context.Context, frameIndex int, detections []models.Detection) ([]models.Track, error)
}

// Factory creates a fresh tracker for each job
type Factory func() Tracker

// None is the tracker used when tracking is disabled. It never produces tracks.
type None struct{}

// Update always returns nil
func (None) Update(context.Context, int, []models.Detection) ([]models.Track, error) {
	return nil, nil
}

// NoneFactory returns a Factory for None
func NoneFactory() Factory {
	return func() Tracker { return None{} }
}
