package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func testConfig(fps, bucket float64) Config {
	return Config{
		FPS:           fps,
		BucketSeconds: bucket,
		DefectClasses: DefaultDefectClasses(),
		Rules:         DefaultRules(),
	}
}

func det(label string) models.Detection {
	return models.Detection{Label: label, Confidence: 0.9, Box: models.BoundingBox{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1}}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		total, defects int
		want           float64
	}{
		{0, 0, 100},
		{10, 0, 100},
		{10, 10, 0},
		{4, 1, 75},
		{2, 5, 0}, // inconsistent input still clamps
		{-1, 0, 100},
	}
	for _, tt := range tests {
		got := QualityScore(tt.total, tt.defects)
		if got != tt.want {
			t.Fatalf("QualityScore(%d,%d) = %v, want %v", tt.total, tt.defects, got, tt.want)
		}
		if got < 0 || got > 100 {
			t.Fatalf("QualityScore out of range: %v", got)
		}
	}
}

func TestScenarioTwoBucketsOfFiftyFrames(t *testing.T) {
	agg, err := New(testConfig(10, 5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := agg.Add(models.FrameDetections{Index: i, Detections: []models.Detection{det("BROWN")}}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	s := agg.Summary(100)

	if len(s.Timeline) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(s.Timeline))
	}
	for i, b := range s.Timeline {
		if b.FrameCount != 50 {
			t.Fatalf("bucket %d has %d frames, want 50", i, b.FrameCount)
		}
	}
	if s.Timeline[0].StartTime != 0 || s.Timeline[0].EndTime != 5 || s.Timeline[1].StartTime != 5 || s.Timeline[1].EndTime != 10 {
		t.Fatalf("unexpected bucket bounds: %+v", s.Timeline)
	}
}

func TestScenarioZeroDetections(t *testing.T) {
	agg, _ := New(testConfig(10, 5))
	for i := 0; i < 30; i += 10 {
		stats, err := agg.Add(models.FrameDetections{Index: i})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if stats.Quality != 100 {
			t.Fatalf("frame quality = %v, want 100", stats.Quality)
		}
	}
	s := agg.Summary(30)

	if s.TotalDetections != 0 || s.UniqueTrackedObjects != 0 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.AverageQualityScore != 100 {
		t.Fatalf("average quality = %v, want 100", s.AverageQualityScore)
	}
	for _, b := range s.Timeline {
		if b.AverageQuality != 100 {
			t.Fatalf("bucket quality = %v, want 100", b.AverageQuality)
		}
	}
	if len(s.Recommendations) != 1 || s.Recommendations[0] != "Excellent batch quality! Maintain current processing standards." {
		t.Fatalf("unexpected recommendations: %v", s.Recommendations)
	}
}

func TestTimelinePartitionsDuration(t *testing.T) {
	tests := []struct {
		name   string
		fps    float64
		bucket float64
		frames int
	}{
		{"even split", 10, 5, 100},
		{"short tail", 10, 5, 123},
		{"ntsc rate", 29.97, 5, 1000},
		{"single partial bucket", 30, 5, 45},
		{"one frame", 24, 2.5, 1},
		{"bucket wider than clip", 25, 60, 250},
		{"fractional width", 30, 0.7, 97},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := New(testConfig(tt.fps, tt.bucket))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			for i := 0; i < tt.frames; i++ {
				if _, err := agg.Add(models.FrameDetections{Index: i, Detections: []models.Detection{det("MOLD")}}); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}
			s := agg.Summary(tt.frames)
			duration := float64(tt.frames) / tt.fps
			want := int(math.Ceil(duration / tt.bucket))
			if len(s.Timeline) != want {
				t.Fatalf("got %d buckets, want %d", len(s.Timeline), want)
			}
			if err := checkPartition(s, tt.bucket, tt.frames); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestTimelinePartitionsFractionalRates(t *testing.T) {
	tests := []struct {
		name    string
		fps     float64
		bucket  float64
		frames  int
		buckets int
	}{
		{"ntsc lands a hair past a boundary", 29.97, 1, 2008, 67},
		{"slow rate rounds up to boundary", 0.7, 1, 21, 30},
		{"film rate", 23.976, 5, 1439, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := summarize(t, tt.fps, tt.bucket, tt.frames)
			if len(s.Timeline) != tt.buckets {
				t.Fatalf("got %d buckets, want %d (last %+v)", len(s.Timeline), tt.buckets, s.Timeline[len(s.Timeline)-1])
			}
			if err := checkPartition(s, tt.bucket, tt.frames); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestTimelinePartitionSweep(t *testing.T) {
	rates := []float64{0.7, 7.5, 23.976, 25, 29.97, 59.94}
	widths := []float64{0.7, 1, 2.5, 5}
	for _, fps := range rates {
		for _, width := range widths {
			for frames := 1; frames <= 300; frames++ {
				s := summarize(t, fps, width, frames)
				if err := checkPartition(s, width, frames); err != nil {
					t.Fatalf("fps=%v width=%v frames=%d: %v", fps, width, frames, err)
				}
			}
		}
	}
}

func summarize(t *testing.T, fps, width float64, frames int) *models.Summary {
	t.Helper()
	agg, err := New(testConfig(fps, width))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < frames; i++ {
		if _, err := agg.Add(models.FrameDetections{Index: i, Detections: []models.Detection{det("MOLD")}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return agg.Summary(frames)
}

// checkPartition verifies the timeline covers [0, duration) without gaps,
// overlaps or empty buckets and accounts for every frame exactly once
func checkPartition(s *models.Summary, width float64, frames int) error {
	if len(s.Timeline) == 0 {
		return fmt.Errorf("empty timeline")
	}
	attributed, detections := 0, 0
	for i, b := range s.Timeline {
		if i == 0 && b.StartTime != 0 {
			return fmt.Errorf("first bucket starts at %v", b.StartTime)
		}
		if i > 0 && b.StartTime != s.Timeline[i-1].EndTime {
			return fmt.Errorf("gap or overlap between bucket %d and %d: %v vs %v", i-1, i, s.Timeline[i-1].EndTime, b.StartTime)
		}
		if b.EndTime <= b.StartTime {
			return fmt.Errorf("empty bucket %d: [%v,%v)", i, b.StartTime, b.EndTime)
		}
		if i < len(s.Timeline)-1 && math.Abs((b.EndTime-b.StartTime)-width) > 1e-6 {
			return fmt.Errorf("bucket %d width %v, want %v", i, b.EndTime-b.StartTime, width)
		}
		attributed += b.FrameCount
		detections += b.TotalCount
	}
	last := s.Timeline[len(s.Timeline)-1]
	if last.EndTime != s.DurationSeconds {
		return fmt.Errorf("timeline ends at %v, duration is %v", last.EndTime, s.DurationSeconds)
	}
	if attributed != frames || detections != frames {
		return fmt.Errorf("frames %d detections %d attributed, want %d each", attributed, detections, frames)
	}
	return nil
}

func TestObserveTracksCountsBetweenAnalyzedFrames(t *testing.T) {
	agg, _ := New(testConfig(10, 5))
	agg.ObserveTracks([]models.Track{{ID: 7, Detection: det("BROWN")}})
	agg.ObserveTracks([]models.Track{{ID: 7, Detection: det("BROWN")}, {ID: 8, Detection: det("MOLD")}})
	if _, err := agg.Add(models.FrameDetections{Index: 9}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s := agg.Summary(20)
	if s.UniqueTrackedObjects != 2 {
		t.Fatalf("unique = %d, want 2", s.UniqueTrackedObjects)
	}
	if s.TotalFramesAnalyzed != 1 || s.TotalDetections != 0 {
		t.Fatalf("observed tracks must not count as analyzed frames: %+v", s)
	}
}

func TestSummaryIsDeterministic(t *testing.T) {
	labels := []string{"BROWN", "INSECT", "MOLD", "BROWN", "BLACK", "BROKEN", "HEAVYFM"}
	var frames []models.FrameDetections
	for i := 0; i < 200; i += 10 {
		fd := models.FrameDetections{Index: i}
		for j := 0; j <= i%7; j++ {
			d := det(labels[(i+j)%len(labels)])
			fd.Detections = append(fd.Detections, d)
			fd.Tracks = append(fd.Tracks, models.Track{ID: (i + j) % 13, Detection: d})
		}
		frames = append(frames, fd)
	}

	var first []byte
	for run := 0; run < 5; run++ {
		s, err := Compute(testConfig(30, 5), frames, 200)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		encoded, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if first == nil {
			first = encoded
			continue
		}
		if !bytes.Equal(first, encoded) {
			t.Fatalf("run %d produced different summary:\n%s\n%s", run, first, encoded)
		}
	}
}

func TestAddRejectsOutOfOrderFrames(t *testing.T) {
	agg, _ := New(testConfig(10, 5))
	if _, err := agg.Add(models.FrameDetections{Index: 10}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := agg.Add(models.FrameDetections{Index: 10, Detections: []models.Detection{det("MOLD")}}); err == nil {
		t.Fatal("expected duplicate frame to be rejected")
	}
	if _, err := agg.Add(models.FrameDetections{Index: 3}); err == nil {
		t.Fatal("expected earlier frame to be rejected")
	}
	if agg.Frames() != 1 || agg.RunningCounts()["MOLD"] != 0 {
		t.Fatalf("rejected frames were counted: frames=%d counts=%v", agg.Frames(), agg.RunningCounts())
	}
}

func TestUniqueObjectsCountsDistinctTracks(t *testing.T) {
	agg, _ := New(testConfig(10, 5))
	agg.Add(models.FrameDetections{Index: 0, Detections: []models.Detection{det("BROWN"), det("MOLD")}, Tracks: []models.Track{{ID: 1, Detection: det("BROWN")}, {ID: 2, Detection: det("MOLD")}}})
	agg.Add(models.FrameDetections{Index: 10, Detections: []models.Detection{det("BROWN")}, Tracks: []models.Track{{ID: 1, Detection: det("BROWN")}}})
	if got := agg.UniqueObjects(); got != 2 {
		t.Fatalf("UniqueObjects = %d, want 2", got)
	}
	if got := agg.Summary(20).UniqueTrackedObjects; got != 2 {
		t.Fatalf("summary unique = %d, want 2", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{FPS: 0, BucketSeconds: 5}); err == nil {
		t.Fatal("expected error for zero fps")
	}
	if _, err := New(Config{FPS: 30, BucketSeconds: 0}); err == nil {
		t.Fatal("expected error for zero bucket width")
	}
	bad := Config{FPS: 30, BucketSeconds: 5, Rules: []Rule{{Name: "x", Metric: "nope", Op: "gt", Message: "m"}}}
	if _, err := New(bad); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}
