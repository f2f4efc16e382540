package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an analysis job
type JobState string

const (
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
// A job may fail straight out of queued when setup fails before the frame loop.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case StateQueued:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// JobMetadata is caller-supplied context forwarded with a job
type JobMetadata struct {
	OwnerID    string            `json:"owner_id,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	SourceName string            `json:"source_name,omitempty"` // Original upload filename or URL
	Forwarded  map[string]string `json:"forwarded,omitempty"`   // farm_id, field_id, meta_* ...
}

// Clone returns a copy that shares no maps with m
func (m JobMetadata) Clone() JobMetadata {
	out := m
	if m.Forwarded != nil {
		out.Forwarded = make(map[string]string, len(m.Forwarded))
		for k, v := range m.Forwarded {
			out.Forwarded[k] = v
		}
	}
	return out
}

// Job is the status record of one video analysis request.
// Result is set only when State is completed, Error only when it is failed.
type Job struct {
	ID              string      `json:"job_id"`
	State           JobState    `json:"state"`
	Progress        float64     `json:"progress"` // 0-100
	TotalFrames     int         `json:"total_frames"`
	ProcessedFrames int         `json:"processed_frames"`
	AnalyzedFrames  int         `json:"analyzed_frames"`
	SkippedFrames   int         `json:"skipped_frames,omitempty"`
	OutputProfile   string      `json:"output_profile,omitempty"`
	OutputPath      string      `json:"output_path,omitempty"`
	Metadata        JobMetadata `json:"metadata"`
	Result          *Summary    `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// Clone returns a snapshot of j. Result is shared because a summary is
// never mutated once attached to a job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Metadata = j.Metadata.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// BoundingBox defines object location in frame
type BoundingBox struct {
	X      float64 `json:"x"`      // Normalized 0-1
	Y      float64 `json:"y"`      // Normalized 0-1
	Width  float64 `json:"width"`  // Normalized 0-1
	Height float64 `json:"height"` // Normalized 0-1
}

// Detection is one object reported by the detector for a frame
type Detection struct {
	Label      string      `json:"class_label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

// Track is a detection that a tracker has tied to a stable identity.
// Only tracking.Tracker implementations produce tracks.
type Track struct {
	ID int `json:"track_id"`
	Detection
}

// FrameDetections is the detector output for a single source frame.
// Tracks is nil unless a tracker ran for the job.
type FrameDetections struct {
	Index      int         `json:"frame_index"`
	Detections []Detection `json:"detections"`
	Tracks     []Track     `json:"tracks,omitempty"`
}

// TimelineBucket aggregates analyzed frames within [StartTime, EndTime)
type TimelineBucket struct {
	StartTime      float64        `json:"start_time"`
	EndTime        float64        `json:"end_time"`
	ClassCounts    map[string]int `json:"per_class_counts"`
	TotalCount     int            `json:"total_count"`
	DefectCount    int            `json:"defects"`
	AverageQuality float64        `json:"average_quality"`
	FrameCount     int            `json:"frame_count"`
}

// Summary is the frozen result of a completed job
type Summary struct {
	TotalFramesAnalyzed  int              `json:"total_frames_analyzed"`
	AverageQualityScore  float64          `json:"average_quality_score"`
	TotalDetections      int              `json:"total_detections"`
	DefectCount          int              `json:"defect_count"`
	UniqueTrackedObjects int              `json:"unique_tracked_objects"`
	ClassCounts          map[string]int   `json:"class_counts"`
	DurationSeconds      float64          `json:"duration_seconds"`
	BucketSeconds        float64          `json:"bucket_seconds"`
	Timeline             []TimelineBucket `json:"timeline"`
	Recommendations      []string         `json:"recommendations"`
}

// VideoMetadata contains technical video information
type VideoMetadata struct {
	Duration   float64 `json:"duration"` // Seconds, 0 if unknown
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frame_rate"`
	FrameCount int     `json:"frame_count"` // 0 if unknown
	Codec      string  `json:"codec"`
	Bitrate    int64   `json:"bitrate"`
	Size       int64   `json:"size"` // Bytes
	Format     string  `json:"format"`
}

// EventType distinguishes live channel events
type EventType string

const (
	EventFrame     EventType = "frame"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// ProgressEvent is pushed to live subscribers while a job runs
type ProgressEvent struct {
	Type          EventType      `json:"type"`
	JobID         string         `json:"job_id"`
	State         JobState       `json:"state"`
	FrameNumber   int            `json:"frame_number"`
	TotalFrames   int            `json:"total_frames"`
	Progress      float64        `json:"progress"`
	Detections    int            `json:"detections"`
	QualityScore  float64        `json:"quality_score"`
	UniqueObjects int            `json:"unique_objects"`
	RunningCounts map[string]int `json:"running_counts,omitempty"`
	Frame         string         `json:"frame,omitempty"` // Base64 JPEG
	Result        *Summary       `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// IsTerminal reports whether e ends a stream
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// TerminalEvent builds the closing stream event for a job in a terminal state
func TerminalEvent(job *Job) ProgressEvent {
	ev := ProgressEvent{
		Type:        EventCompleted,
		JobID:       job.ID,
		State:       job.State,
		FrameNumber: job.ProcessedFrames,
		TotalFrames: job.TotalFrames,
		Progress:    job.Progress,
		Result:      job.Result,
		Error:       job.Error,
		Timestamp:   time.Now(),
	}
	if job.State == StateFailed {
		ev.Type = EventFailed
	}
	if job.Result != nil {
		ev.UniqueObjects = job.Result.UniqueTrackedObjects
		ev.RunningCounts = job.Result.ClassCounts
		ev.QualityScore = job.Result.AverageQualityScore
	}
	return ev
}

// JobPayload is the dispatch message handed to a worker
type JobPayload struct {
	JobID        string      `json:"job_id"`
	InputPath    string      `json:"input_path"`
	CleanupInput bool        `json:"cleanup_input"`
	Metadata     JobMetadata `json:"metadata"`
	EnqueuedAt   *time.Time  `json:"enqueued_at,omitempty"`
}

// ResultRecord is the persisted form of a completed job
type ResultRecord struct {
	JobID       string      `json:"job_id"`
	Metadata    JobMetadata `json:"metadata"`
	Summary     *Summary    `json:"summary"`
	OutputPath  string      `json:"output_path"`
	IsVideo     bool        `json:"is_video"`
	TotalFrames int         `json:"total_frames"`
	Processed   int         `json:"processed_frames"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Job rebuilds a completed job snapshot from a persisted record
func (r *ResultRecord) Job() *Job {
	completed := r.CompletedAt
	return &Job{
		ID:              r.JobID,
		State:           StateCompleted,
		Progress:        100,
		TotalFrames:     r.TotalFrames,
		ProcessedFrames: r.Processed,
		AnalyzedFrames:  summaryFrames(r.Summary),
		OutputPath:      r.OutputPath,
		Metadata:        r.Metadata.Clone(),
		Result:          r.Summary,
		CreatedAt:       r.CreatedAt,
		FinishedAt:      &completed,
	}
}

func summaryFrames(s *Summary) int {
	if s == nil {
		return 0
	}
	return s.TotalFramesAnalyzed
}

// NewJobID generates a unique job ID
func NewJobID() string {
	return uuid.New().String()
}
