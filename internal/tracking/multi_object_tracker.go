package tracking

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// Config tunes the IOU tracker
type Config struct {
	IOUThreshold  float64 // Minimum overlap for a detection to continue a track
	MaxLostFrames int     // Frames a track may go unmatched before it is dropped
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		IOUThreshold:  0.3, // Standard IOU threshold
		MaxLostFrames: 30,  // 1 second at 30fps
	}
}

type trackedObject struct {
	id         int
	label      string
	box        models.BoundingBox
	frameCount int
	lostFrames int
	lastFrame  int
}

// MultiObjectTracker tracks objects across frames by greedy IOU matching
// within the same class label
type MultiObjectTracker struct {
	cfg         Config
	tracks      map[int]*trackedObject // Active tracks by ID
	nextTrackID int
	lastFrame   int
	mu          sync.Mutex
}

// NewMultiObjectTracker creates a new multi-object tracker
func NewMultiObjectTracker(cfg Config) *MultiObjectTracker {
	if cfg.IOUThreshold <= 0 {
		cfg.IOUThreshold = DefaultConfig().IOUThreshold
	}
	if cfg.MaxLostFrames <= 0 {
		cfg.MaxLostFrames = DefaultConfig().MaxLostFrames
	}
	return &MultiObjectTracker{
		cfg:         cfg,
		tracks:      make(map[int]*trackedObject),
		nextTrackID: 1,
		lastFrame:   -1,
	}
}

// IOUFactory returns a Factory producing IOU trackers with cfg
func IOUFactory(cfg Config) Factory {
	return func() Tracker { return NewMultiObjectTracker(cfg) }
}

// Update matches detections to existing tracks and opens tracks for the rest
func (mot *MultiObjectTracker) Update(ctx context.Context, frameIndex int, detections []models.Detection) ([]models.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mot.mu.Lock()
	defer mot.mu.Unlock()

	// Frames skipped between calls count towards losing a track
	gap := 1
	if mot.lastFrame >= 0 && frameIndex > mot.lastFrame {
		gap = frameIndex - mot.lastFrame
	}
	mot.lastFrame = frameIndex

	assigned := mot.matchDetectionsToTracks(detections)

	out := make([]models.Track, len(detections))
	for i, det := range detections {
		id, ok := assigned[i]
		if ok {
			mot.updateTrack(id, det, frameIndex)
		} else {
			id = mot.createTrack(det, frameIndex)
		}
		out[i] = models.Track{ID: id, Detection: det}
	}

	// Age tracks that were not matched in this frame
	for id, track := range mot.tracks {
		if track.lastFrame == frameIndex {
			continue
		}
		track.lostFrames += gap
		if track.lostFrames > mot.cfg.MaxLostFrames {
			delete(mot.tracks, id)
		}
	}

	return out, nil
}

// matchDetectionsToTracks maps detection index to track id. Tracks are
// visited in id order so the assignment is deterministic.
func (mot *MultiObjectTracker) matchDetectionsToTracks(detections []models.Detection) map[int]int {
	ids := make([]int, 0, len(mot.tracks))
	for id := range mot.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	assigned := make(map[int]int)
	usedDetections := make(map[int]bool)

	for _, id := range ids {
		track := mot.tracks[id]
		bestMatch := -1
		bestIOU := mot.cfg.IOUThreshold

		for i, detection := range detections {
			if usedDetections[i] {
				continue
			}

			// Must match class
			if detection.Label != track.label {
				continue
			}

			iou := computeIOU(track.box, detection.Box)
			if iou > bestIOU {
				bestIOU = iou
				bestMatch = i
			}
		}

		if bestMatch >= 0 {
			assigned[bestMatch] = id
			usedDetections[bestMatch] = true
		}
	}

	return assigned
}

func (mot *MultiObjectTracker) updateTrack(id int, detection models.Detection, frameIndex int) {
	track := mot.tracks[id]
	track.box = detection.Box
	track.frameCount++
	track.lostFrames = 0
	track.lastFrame = frameIndex
}

func (mot *MultiObjectTracker) createTrack(detection models.Detection, frameIndex int) int {
	id := mot.nextTrackID
	mot.nextTrackID++
	mot.tracks[id] = &trackedObject{
		id:         id,
		label:      detection.Label,
		box:        detection.Box,
		frameCount: 1,
		lastFrame:  frameIndex,
	}
	return id
}

// ActiveTracks returns the number of tracks currently held
func (mot *MultiObjectTracker) ActiveTracks() int {
	mot.mu.Lock()
	defer mot.mu.Unlock()
	return len(mot.tracks)
}

// computeIOU computes Intersection over Union between two bounding boxes
func computeIOU(box1, box2 models.BoundingBox) float64 {
	// Compute intersection
	x1 := math.Max(box1.X, box2.X)
	y1 := math.Max(box1.Y, box2.Y)
	x2 := math.Min(box1.X+box1.Width, box2.X+box2.Width)
	y2 := math.Min(box1.Y+box1.Height, box2.Y+box2.Height)

	if x2 < x1 || y2 < y1 {
		return 0.0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Compute union
	area1 := box1.Width * box1.Height
	area2 := box2.Width * box2.Height
	union := area1 + area2 - intersection

	if union == 0 {
		return 0.0
	}

	return intersection / union
}
