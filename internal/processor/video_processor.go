// Package processor runs one analysis job end to end: decode, detect, track,
// annotate, encode, publish live progress, and freeze the summary.
package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/aggregator"
	"github.com/adverant/nexus/beanscan-worker/internal/annotate"
	"github.com/adverant/nexus/beanscan-worker/internal/clients"
	"github.com/adverant/nexus/beanscan-worker/internal/extractor"
	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
	"github.com/adverant/nexus/beanscan-worker/internal/tracking"
)

// ErrorPolicy decides what a detector failure does to the job
type ErrorPolicy string

const (
	// PolicyAbort fails the job on the first detector error
	PolicyAbort ErrorPolicy = "abort"
	// PolicySkip writes the frame unannotated and leaves it out of the statistics
	PolicySkip ErrorPolicy = "skip"
)

// ResultSaver persists completed jobs
type ResultSaver interface {
	SaveResult(ctx context.Context, record *models.ResultRecord) error
}

// Follower mirrors a job's live channel somewhere else, such as Redis pub/sub
type Follower interface {
	Follow(ch *livechannel.Channel)
}

// Options tune the frame loop
type Options struct {
	LiveStride    int     // Publish a live event every Nth frame
	StatsStride   int     // Feed the aggregator every Mth frame
	BucketSeconds float64 // Timeline bucket width
	DefectClasses []string
	Rules         []aggregator.Rule
	OnDetectorErr ErrorPolicy
	Profiles      []output.Profile
	OutputDir     string
	FileSuffix    string // Appended to the job id to name the output
	PreviewWidth  int
	PreviewHeight int
	PreviewJPEG   int
}

// DefaultOptions returns the standard loop settings
func DefaultOptions() Options {
	return Options{
		LiveStride:    2,
		StatsStride:   10,
		BucketSeconds: 5,
		DefectClasses: aggregator.DefaultDefectClasses(),
		Rules:         aggregator.DefaultRules(),
		OnDetectorErr: PolicyAbort,
		Profiles:      output.DefaultProfiles(),
		OutputDir:     "outputs",
		FileSuffix:    "_annotated",
		PreviewWidth:  1024,
		PreviewHeight: 768,
		PreviewJPEG:   85,
	}
}

// Dependencies are the collaborators a VideoProcessor drives
type Dependencies struct {
	Registry *registry.Registry
	Hub      *livechannel.Hub
	Sources  extractor.Opener
	Encoders output.EncoderOpener
	Detector clients.Detector
	Trackers tracking.Factory // nil disables tracking
	Store    ResultSaver      // optional
	Relay    Follower         // optional
	Logger   *slog.Logger
}

// VideoProcessor orchestrates video processing pipeline
type VideoProcessor struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger
	active sync.Map // job id -> struct{}, jobs with a running Process call
}

// NewVideoProcessor creates a new video processor
func NewVideoProcessor(deps Dependencies, opts Options) (*VideoProcessor, error) {
	if deps.Registry == nil || deps.Hub == nil || deps.Sources == nil || deps.Encoders == nil || deps.Detector == nil {
		return nil, errors.New("processor: registry, hub, sources, encoders and detector are required")
	}
	if opts.LiveStride <= 0 || opts.StatsStride <= 0 {
		return nil, fmt.Errorf("processor: strides must be positive (live=%d stats=%d)", opts.LiveStride, opts.StatsStride)
	}
	if opts.OnDetectorErr == "" {
		opts.OnDetectorErr = PolicyAbort
	}
	if opts.OnDetectorErr != PolicyAbort && opts.OnDetectorErr != PolicySkip {
		return nil, fmt.Errorf("processor: unknown detector error policy %q", opts.OnDetectorErr)
	}
	if deps.Trackers == nil {
		deps.Trackers = tracking.NoneFactory()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &VideoProcessor{deps: deps, opts: opts, logger: deps.Logger}, nil
}

// stage names the step a job is in, for logs
type stage string

const (
	stageValidating stage = "validating_input"
	stageSource     stage = "opening_source"
	stageSink       stage = "opening_sink"
	stageLooping    stage = "looping"
	stageFinalizing stage = "finalizing"
)

// jobRun carries the per-job state of one Process call
type jobRun struct {
	id      string
	logger  *slog.Logger
	channel *livechannel.Channel
	stage   stage
}

func (r *jobRun) enter(s stage) {
	r.stage = s
	r.logger.Debug("job stage", "stage", string(s))
}

// Process runs the job described by payload to a terminal state. The job is
// created in the registry if this process has not seen it yet. The returned
// error is the job's failure, already recorded in the registry.
func (vp *VideoProcessor) Process(ctx context.Context, payload models.JobPayload) (err error) {
	if payload.JobID == "" {
		return errors.New("job payload has no id")
	}
	if _, running := vp.active.LoadOrStore(payload.JobID, struct{}{}); running {
		return fmt.Errorf("job %s is already running", payload.JobID)
	}
	defer vp.active.Delete(payload.JobID)

	job, err := vp.deps.Registry.Get(payload.JobID)
	if errors.Is(err, registry.ErrNotFound) {
		job, err = vp.deps.Registry.Create(payload.JobID, payload.Metadata)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job.State != models.StateQueued {
		return fmt.Errorf("job %s is already %s", payload.JobID, job.State)
	}

	run := &jobRun{
		id:      payload.JobID,
		logger:  vp.logger.With("job_id", payload.JobID),
		channel: vp.deps.Hub.Open(payload.JobID),
	}
	if vp.deps.Relay != nil {
		vp.deps.Relay.Follow(run.channel)
	}
	if payload.CleanupInput {
		defer func() {
			if rmErr := os.Remove(payload.InputPath); rmErr != nil && !os.IsNotExist(rmErr) {
				run.logger.Warn("failed to remove input", "path", payload.InputPath, "error", rmErr)
			}
		}()
	}

	started := time.Now()
	run.logger.Info("job started", "input", payload.InputPath)

	defer func() {
		if p := recover(); p != nil {
			run.logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			err = &JobError{Kind: KindInternal, Err: fmt.Errorf("panic in %s: %v", run.stage, p)}
			vp.fail(run, err)
		}
	}()

	summary, outputPath, err := vp.run(ctx, run, payload.InputPath)
	if err != nil {
		vp.fail(run, err)
		return err
	}
	vp.complete(run, summary, outputPath, time.Since(started))
	return nil
}

// run executes everything up to the terminal transition. Handles are always
// released before it returns.
func (vp *VideoProcessor) run(ctx context.Context, run *jobRun, inputPath string) (*models.Summary, string, error) {
	run.enter(stageValidating)
	if strings.TrimSpace(inputPath) == "" {
		return nil, "", jobErr(KindInput, "no input file")
	}

	run.enter(stageSource)
	src, err := vp.deps.Sources.Open(ctx, inputPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &JobError{Kind: KindInternal, Err: ctx.Err()}
		}
		return nil, "", &JobError{Kind: KindInput, Err: err}
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			run.logger.Warn("source close failed", "error", cerr)
		}
	}()
	meta := src.Metadata()

	if err := vp.deps.Registry.Update(run.id, func(j *models.Job) {
		j.TotalFrames = meta.FrameCount
	}); err != nil {
		return nil, "", &JobError{Kind: KindInternal, Err: err}
	}

	run.enter(stageSink)
	writer, err := output.Open(ctx, vp.deps.Encoders, vp.opts.Profiles,
		output.Target{Dir: vp.opts.OutputDir, BaseName: run.id + vp.opts.FileSuffix},
		output.StreamSpec{Width: meta.Width, Height: meta.Height, FPS: meta.FrameRate},
		run.logger,
	)
	if err != nil {
		kind := KindOutput
		if errors.Is(err, output.ErrEncodingUnavailable) {
			kind = KindEncoding
		}
		return nil, "", &JobError{Kind: kind, Err: err}
	}
	// Abort is a no-op once Finalize has run
	defer writer.Abort()

	agg, err := aggregator.New(aggregator.Config{
		FPS:           meta.FrameRate,
		BucketSeconds: vp.opts.BucketSeconds,
		DefectClasses: vp.opts.DefectClasses,
		Rules:         vp.opts.Rules,
	})
	if err != nil {
		return nil, "", &JobError{Kind: KindInternal, Err: err}
	}

	if err := vp.deps.Registry.Update(run.id, func(j *models.Job) {
		j.State = models.StateProcessing
		j.OutputProfile = writer.Profile().Name
	}); err != nil {
		return nil, "", &JobError{Kind: KindInternal, Err: err}
	}

	run.enter(stageLooping)
	processed, err := vp.loop(ctx, run, src, writer, agg, meta.FrameCount)
	if err != nil {
		return nil, "", err
	}

	run.enter(stageFinalizing)
	path, err := writer.Finalize()
	if err != nil {
		return nil, "", &JobError{Kind: KindOutput, Err: err}
	}
	return agg.Summary(processed), path, nil
}

// loop reads every frame in source order. It returns the number of frames
// processed.
func (vp *VideoProcessor) loop(ctx context.Context, run *jobRun, src extractor.Source, writer *output.Writer, agg *aggregator.Aggregator, total int) (int, error) {
	tracker := vp.deps.Trackers()
	_, untracked := tracker.(tracking.None)
	preview := annotate.NewPreviewEncoder(vp.opts.PreviewWidth, vp.opts.PreviewHeight, vp.opts.PreviewJPEG)

	processed, skipped := 0, 0
	for index := 0; ; index++ {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return processed, &JobError{Kind: KindInternal, Err: fmt.Errorf("cancelled at frame %d: %w", index+1, ctx.Err())}
			}
			return processed, &JobError{Kind: KindInput, Err: fmt.Errorf("decode frame %d: %w", index+1, err)}
		}
		number := index + 1

		detections, tracks, derr := vp.detect(ctx, tracker, index, frame)
		var annotated *image.RGBA
		var stats aggregator.FrameStats
		if derr != nil {
			if vp.opts.OnDetectorErr == PolicyAbort || ctx.Err() != nil {
				return processed, &JobError{Kind: KindDetection, Err: fmt.Errorf("frame %d: %w", number, derr)}
			}
			skipped++
			detections = nil
			stats = agg.Inspect(nil)
			annotated = frame
			run.logger.Warn("detector failed, frame skipped", "frame", number, "error", derr)
		} else {
			agg.ObserveTracks(tracks)
			stats = agg.Inspect(detections)
			if number%vp.opts.StatsStride == 0 {
				if _, err := agg.Add(models.FrameDetections{Index: index, Detections: detections, Tracks: tracks}); err != nil {
					return processed, &JobError{Kind: KindInternal, Err: err}
				}
			}
			annotated = annotate.Annotate(frame, detections, tracks, annotate.Header{
				Frame:      number,
				Total:      total,
				Detections: len(detections),
				Quality:    stats.Quality,
				Unique:     agg.UniqueObjects(),
				Tracking:   !untracked,
			})
		}

		if err := writer.WriteFrame(annotated); err != nil {
			kind := KindOutput
			if errors.Is(err, output.ErrEncodingUnavailable) {
				kind = KindEncoding
			}
			return processed, &JobError{Kind: kind, Err: err}
		}
		processed = number
		progress := progressOf(processed, total)

		if number%vp.opts.LiveStride == 0 {
			ev := models.ProgressEvent{
				Type:          models.EventFrame,
				JobID:         run.id,
				State:         models.StateProcessing,
				FrameNumber:   number,
				TotalFrames:   total,
				Progress:      progress,
				Detections:    len(detections),
				QualityScore:  stats.Quality,
				UniqueObjects: agg.UniqueObjects(),
				RunningCounts: agg.RunningCounts(),
				Timestamp:     time.Now(),
			}
			if encoded, err := preview.Encode(annotated); err != nil {
				run.logger.Warn("preview encode failed", "frame", number, "error", err)
			} else {
				ev.Frame = encoded
			}
			run.channel.Publish(ev)
		}

		analyzed := agg.Frames()
		profile := writer.Profile().Name
		if err := vp.deps.Registry.Update(run.id, func(j *models.Job) {
			j.OutputProfile = profile
			j.ProcessedFrames = processed
			j.AnalyzedFrames = analyzed
			j.SkippedFrames = skipped
			j.Progress = progress
		}); err != nil {
			return processed, &JobError{Kind: KindInternal, Err: err}
		}
	}

	run.logger.Info("frame loop finished", "processed", processed, "analyzed", agg.Frames(), "skipped", skipped)
	return processed, nil
}

func (vp *VideoProcessor) detect(ctx context.Context, tracker tracking.Tracker, index int, frame *image.RGBA) ([]models.Detection, []models.Track, error) {
	detections, err := vp.deps.Detector.Detect(ctx, frame)
	if err != nil {
		return nil, nil, err
	}
	tracks, err := tracker.Update(ctx, index, detections)
	if err != nil {
		return nil, nil, fmt.Errorf("tracker: %w", err)
	}
	return detections, tracks, nil
}

// complete records the summary and ends the live stream
func (vp *VideoProcessor) complete(run *jobRun, summary *models.Summary, outputPath string, elapsed time.Duration) {
	err := vp.deps.Registry.Update(run.id, func(j *models.Job) {
		j.State = models.StateCompleted
		j.Progress = 100
		j.Result = summary
		j.OutputPath = outputPath
	})
	if err != nil {
		run.logger.Error("failed to mark job completed", "error", err)
	}

	job, err := vp.deps.Registry.Get(run.id)
	if err != nil {
		run.logger.Error("completed job vanished from registry", "error", err)
		job = &models.Job{ID: run.id, State: models.StateCompleted, Progress: 100, Result: summary, OutputPath: outputPath}
	}

	if vp.deps.Store != nil {
		record := &models.ResultRecord{
			JobID:       job.ID,
			Metadata:    job.Metadata,
			Summary:     summary,
			OutputPath:  outputPath,
			IsVideo:     true,
			TotalFrames: job.TotalFrames,
			Processed:   job.ProcessedFrames,
			CreatedAt:   job.CreatedAt,
			CompletedAt: time.Now(),
		}
		// The job is already complete; a store failure only loses the persisted copy
		storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := vp.deps.Store.SaveResult(storeCtx, record); err != nil {
			run.logger.Error("failed to persist result", "error", err)
		}
		cancel()
	}

	vp.closeChannel(run, models.TerminalEvent(job))
	run.logger.Info("job completed",
		"frames", job.ProcessedFrames,
		"analyzed", summary.TotalFramesAnalyzed,
		"quality", summary.AverageQualityScore,
		"output", outputPath,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

// fail records err on the job and ends the live stream
func (vp *VideoProcessor) fail(run *jobRun, err error) {
	kind := KindOf(err)
	message := err.Error()
	var je *JobError
	if errors.As(err, &je) {
		message = je.Err.Error()
	}

	if uerr := vp.deps.Registry.Update(run.id, func(j *models.Job) {
		j.State = models.StateFailed
		j.Error = message
		j.ErrorKind = string(kind)
	}); uerr != nil {
		run.logger.Error("failed to mark job failed", "error", uerr)
	}

	job, gerr := vp.deps.Registry.Get(run.id)
	if gerr != nil {
		job = &models.Job{ID: run.id, State: models.StateFailed, Error: message, ErrorKind: string(kind)}
	}
	vp.closeChannel(run, models.TerminalEvent(job))
	run.logger.Error("job failed", "kind", string(kind), "stage", string(run.stage), "error", message)
}

func (vp *VideoProcessor) closeChannel(run *jobRun, terminal models.ProgressEvent) {
	if err := run.channel.Close(terminal); err != nil && !errors.Is(err, livechannel.ErrClosed) {
		run.logger.Warn("failed to close live channel", "error", err)
	}
}

// progressOf is 0 while the total is unknown and never exceeds 100
func progressOf(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return float64(int(p*100)) / 100
}
