// Package aggregator reduces per-frame detections into job statistics.
//
// An Aggregator holds no clock and no randomness: feeding the same ordered
// frames to a fresh Aggregator always produces the same Summary.
package aggregator

import (
	"fmt"
	"math"
	"sort"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// Config controls bucketing and classification
type Config struct {
	FPS           float64  // Source frame rate, used to place frames on the timeline
	BucketSeconds float64  // Timeline bucket width
	DefectClasses []string // Labels that lower the quality score
	Rules         []Rule   // Recommendation table, evaluated in order
}

// FrameStats describes a single analyzed frame
type FrameStats struct {
	Detections int
	Defects    int
	Quality    float64
}

type bucket struct {
	counts     map[string]int
	total      int
	defects    int
	qualitySum float64
	frames     int
}

// Aggregator accumulates analyzed frames for one job. It is not safe for
// concurrent use; the owning worker is its only caller.
type Aggregator struct {
	cfg     Config
	defect  map[string]bool
	frames  int
	counts  map[string]int
	total   int
	defects int
	quality float64
	tracks  map[int]struct{}
	buckets map[int]*bucket
	last    int
}

// New validates cfg and returns an empty aggregator
func New(cfg Config) (*Aggregator, error) {
	if cfg.FPS <= 0 || math.IsNaN(cfg.FPS) || math.IsInf(cfg.FPS, 0) {
		return nil, fmt.Errorf("aggregator: fps must be positive, got %v", cfg.FPS)
	}
	if cfg.BucketSeconds <= 0 {
		return nil, fmt.Errorf("aggregator: bucket width must be positive, got %v", cfg.BucketSeconds)
	}
	for i, rule := range cfg.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("aggregator: rule %d: %w", i, err)
		}
	}
	defect := make(map[string]bool, len(cfg.DefectClasses))
	for _, c := range cfg.DefectClasses {
		defect[c] = true
	}
	return &Aggregator{
		cfg:     cfg,
		defect:  defect,
		counts:  make(map[string]int),
		tracks:  make(map[int]struct{}),
		buckets: make(map[int]*bucket),
		last:    -1,
	}, nil
}

// QualityScore is 100 × (1 − defects/max(total,1)), clamped to [0,100]
func QualityScore(total, defects int) float64 {
	if total <= 0 {
		return 100
	}
	score := 100 * (1 - float64(defects)/float64(total))
	return math.Max(0, math.Min(100, score))
}

// Inspect scores a frame without recording it
func (a *Aggregator) Inspect(detections []models.Detection) FrameStats {
	defects := 0
	for _, d := range detections {
		if a.defect[d.Label] {
			defects++
		}
	}
	return FrameStats{
		Detections: len(detections),
		Defects:    defects,
		Quality:    QualityScore(len(detections), defects),
	}
}

// Add records an analyzed frame. Frames must arrive in source order; a frame
// whose index does not advance is rejected so nothing is counted twice.
func (a *Aggregator) Add(frame models.FrameDetections) (FrameStats, error) {
	if frame.Index < 0 || frame.Index <= a.last {
		return FrameStats{}, fmt.Errorf("aggregator: frame %d out of order (last %d)", frame.Index, a.last)
	}
	a.last = frame.Index

	stats := a.Inspect(frame.Detections)
	idx := int(float64(frame.Index) / a.cfg.FPS / a.cfg.BucketSeconds)
	b := a.buckets[idx]
	if b == nil {
		b = &bucket{counts: make(map[string]int)}
		a.buckets[idx] = b
	}

	for _, d := range frame.Detections {
		a.counts[d.Label]++
		b.counts[d.Label]++
	}
	a.ObserveTracks(frame.Tracks)

	a.frames++
	a.total += stats.Detections
	a.defects += stats.Defects
	a.quality += stats.Quality

	b.frames++
	b.total += stats.Detections
	b.defects += stats.Defects
	b.qualitySum += stats.Quality
	return stats, nil
}

// ObserveTracks records track ids without counting the frame. The tracker
// runs on every frame, so identities seen between analyzed frames still count
// as unique objects.
func (a *Aggregator) ObserveTracks(tracks []models.Track) {
	for _, t := range tracks {
		a.tracks[t.ID] = struct{}{}
	}
}

// Frames returns the number of analyzed frames so far
func (a *Aggregator) Frames() int { return a.frames }

// UniqueObjects returns the number of distinct track ids seen so far
func (a *Aggregator) UniqueObjects() int { return len(a.tracks) }

// RunningCounts returns a copy of the per-class totals so far
func (a *Aggregator) RunningCounts() map[string]int {
	return copyCounts(a.counts)
}

// Summary freezes the statistics for a source of processedFrames frames.
// Buckets partition [0, processedFrames/fps); the last one may be shorter.
func (a *Aggregator) Summary(processedFrames int) *models.Summary {
	duration := 0.0
	if processedFrames > 0 {
		duration = float64(processedFrames) / a.cfg.FPS
	}

	avg := 100.0
	if a.frames > 0 {
		avg = a.quality / float64(a.frames)
	}

	s := &models.Summary{
		TotalFramesAnalyzed:  a.frames,
		AverageQualityScore:  round(avg, 2),
		TotalDetections:      a.total,
		DefectCount:          a.defects,
		UniqueTrackedObjects: len(a.tracks),
		ClassCounts:          copyCounts(a.counts),
		DurationSeconds:      round(duration, 3),
		BucketSeconds:        a.cfg.BucketSeconds,
		Timeline:             a.timeline(duration),
	}
	s.Recommendations = Evaluate(a.cfg.Rules, avg, a.counts, a.total)
	return s
}

// timeline partitions [0, duration) at the output precision. Bucket bounds
// are rounded to milliseconds, so the count comes from the rounded duration
// and a bucket that would start at or past it is never emitted.
func (a *Aggregator) timeline(duration float64) []models.TimelineBucket {
	width := a.cfg.BucketSeconds
	end := round(duration, 3)
	n := int(math.Ceil(end / width))
	for n > 0 && round(float64(n-1)*width, 3) >= end {
		n--
	}
	if n == 0 {
		// No measured duration; lay buckets out for whatever was recorded
		for idx := range a.buckets {
			if idx >= n {
				n = idx + 1
			}
		}
	}

	out := make([]models.TimelineBucket, 0, n)
	for i := 0; i < n; i++ {
		start := round(float64(i)*width, 3)
		stop := round(float64(i+1)*width, 3)
		if i == n-1 && end > start {
			stop = end
		}
		tb := models.TimelineBucket{
			StartTime:      start,
			EndTime:        stop,
			ClassCounts:    map[string]int{},
			AverageQuality: 100,
		}
		b := a.buckets[i]
		if i == n-1 {
			// Frames placed past the last bucket by float error or a short
			// processedFrames fold into it
			b = a.tail(i)
		}
		if b != nil {
			tb.ClassCounts = copyCounts(b.counts)
			tb.TotalCount = b.total
			tb.DefectCount = b.defects
			tb.FrameCount = b.frames
			if b.frames > 0 {
				tb.AverageQuality = round(b.qualitySum/float64(b.frames), 2)
			}
		}
		out = append(out, tb)
	}
	return out
}

// tail merges bucket from and every later one, in index order so the
// quality sum does not depend on map iteration
func (a *Aggregator) tail(from int) *bucket {
	var indexes []int
	for idx := range a.buckets {
		if idx >= from {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	var merged *bucket
	for _, idx := range indexes {
		b := a.buckets[idx]
		if merged == nil {
			merged = &bucket{counts: make(map[string]int)}
		}
		for label, c := range b.counts {
			merged.counts[label] += c
		}
		merged.total += b.total
		merged.defects += b.defects
		merged.qualitySum += b.qualitySum
		merged.frames += b.frames
	}
	return merged
}

// Compute runs a fresh aggregator over frames and returns its summary
func Compute(cfg Config, frames []models.FrameDetections, processedFrames int) (*models.Summary, error) {
	agg, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if _, err := agg.Add(f); err != nil {
			return nil, err
		}
	}
	return agg.Summary(processedFrames), nil
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
