package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func TestCreateAndGet(t *testing.T) {
	r := New()
	meta := models.JobMetadata{OwnerID: "farmer-1", Forwarded: map[string]string{"farm_id": "f1"}}

	job, err := r.Create("job-1", meta)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if job.State != models.StateQueued {
		t.Fatalf("expected queued, got %s", job.State)
	}

	meta.Forwarded["farm_id"] = "mutated"
	got, err := r.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Metadata.Forwarded["farm_id"] != "f1" {
		t.Fatalf("registry shares caller metadata map: %q", got.Metadata.Forwarded["farm_id"])
	}

	got.Metadata.Forwarded["farm_id"] = "changed by reader"
	again, _ := r.Get("job-1")
	if again.Metadata.Forwarded["farm_id"] != "f1" {
		t.Fatal("snapshot mutation leaked into registry")
	}

	if _, err := r.Create("job-1", meta); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	r := New()
	if _, err := r.Get("never-submitted"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Update("never-submitted", func(*models.Job) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Update, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []models.JobState
		wantErr bool
	}{
		{name: "happy path", path: []models.JobState{models.StateProcessing, models.StateCompleted}},
		{name: "fail while processing", path: []models.JobState{models.StateProcessing, models.StateFailed}},
		{name: "fail before loop", path: []models.JobState{models.StateFailed}},
		{name: "complete from queued", path: []models.JobState{models.StateCompleted}, wantErr: true},
		{name: "back to queued", path: []models.JobState{models.StateProcessing, models.StateQueued}, wantErr: true},
		{name: "second terminal", path: []models.JobState{models.StateProcessing, models.StateCompleted, models.StateFailed}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			if _, err := r.Create("job", models.JobMetadata{}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			var lastErr error
			for _, state := range tt.path {
				state := state
				if err := r.Update("job", func(j *models.Job) { j.State = state }); err != nil {
					lastErr = err
				}
			}
			if tt.wantErr {
				if !errors.Is(lastErr, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", lastErr)
				}
				return
			}
			if lastErr != nil {
				t.Fatalf("unexpected error: %v", lastErr)
			}
			job, _ := r.Get("job")
			if !job.State.IsTerminal() || job.FinishedAt == nil {
				t.Fatalf("expected terminal job with finish time, got %+v", job)
			}
		})
	}
}

func TestTerminalJobRejectsFurtherUpdates(t *testing.T) {
	r := New()
	r.Create("job", models.JobMetadata{})
	r.Update("job", func(j *models.Job) { j.State = models.StateFailed; j.Error = "boom" })

	err := r.Update("job", func(j *models.Job) { j.Error = "overwritten" })
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	job, _ := r.Get("job")
	if job.Error != "boom" {
		t.Fatalf("terminal error changed to %q", job.Error)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	r := New()
	r.Create("job", models.JobMetadata{})
	r.Update("job", func(j *models.Job) {
		j.State = models.StateProcessing
		j.Progress = 40
		j.ProcessedFrames = 40
	})
	r.Update("job", func(j *models.Job) {
		j.Progress = 10
		j.ProcessedFrames = 5
	})
	job, _ := r.Get("job")
	if job.Progress != 40 || job.ProcessedFrames != 40 {
		t.Fatalf("progress went backwards: %+v", job)
	}

	r.Update("job", func(j *models.Job) { j.Progress = 250 })
	job, _ = r.Get("job")
	if job.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %v", job.Progress)
	}
}

func TestResultOnlyWhenCompleted(t *testing.T) {
	r := New()
	r.Create("job", models.JobMetadata{})
	r.Update("job", func(j *models.Job) {
		j.State = models.StateProcessing
		j.Result = &models.Summary{}
		j.Error = "not yet"
	})
	job, _ := r.Get("job")
	if job.Result != nil || job.Error != "" {
		t.Fatalf("processing job carries result or error: %+v", job)
	}
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	r := New()
	r.Create("job", models.JobMetadata{})
	r.Update("job", func(j *models.Job) { j.State = models.StateProcessing; j.TotalFrames = 1000 })

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				job, err := r.Get("job")
				if err != nil {
					continue
				}
				// Writer keeps progress and processed frames in lockstep.
				if float64(job.ProcessedFrames)/10 != job.Progress {
					select {
					case errs <- "torn snapshot":
					default:
					}
					return
				}
				if job.ProcessedFrames < last {
					select {
					case errs <- "processed frames decreased":
					default:
					}
					return
				}
				last = job.ProcessedFrames
			}
		}()
	}

	for i := 1; i <= 1000; i++ {
		i := i
		r.Update("job", func(j *models.Job) {
			j.ProcessedFrames = i
			j.Progress = float64(i) / 10
		})
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestSweepEvictsExpiredTerminalJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var evicted []string
	r := New(
		WithRetention(time.Hour),
		WithClock(func() time.Time { return now }),
		WithEvictHook(func(id string) { evicted = append(evicted, id) }),
	)

	r.Create("done", models.JobMetadata{})
	r.Create("running", models.JobMetadata{})
	r.Update("done", func(j *models.Job) { j.State = models.StateFailed; j.Error = "x" })
	r.Update("running", func(j *models.Job) { j.State = models.StateProcessing })

	if got := r.Sweep(); len(got) != 0 {
		t.Fatalf("nothing should expire yet, got %v", got)
	}

	now = now.Add(2 * time.Hour)
	got := r.Sweep()
	if len(got) != 1 || got[0] != "done" {
		t.Fatalf("expected only done evicted, got %v", got)
	}
	if len(evicted) != 1 || evicted[0] != "done" {
		t.Fatalf("evict hook saw %v", evicted)
	}
	if _, err := r.Get("done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected evicted job to be NotFound, got %v", err)
	}
	if _, err := r.Get("running"); err != nil {
		t.Fatalf("running job must be retained: %v", err)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	r.Create("b", models.JobMetadata{})
	r.Create("a", models.JobMetadata{})

	jobs := r.List()
	if len(jobs) != 2 || jobs[0].ID != "b" || jobs[1].ID != "a" {
		t.Fatalf("unexpected order: %v, %v", jobs[0].ID, jobs[1].ID)
	}
	if r.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", r.Len())
	}
}
