package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/clients"
	"github.com/adverant/nexus/beanscan-worker/internal/config"
	"github.com/adverant/nexus/beanscan-worker/internal/extractor"
	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
	"github.com/adverant/nexus/beanscan-worker/internal/processor"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
	"github.com/adverant/nexus/beanscan-worker/internal/relay"
	"github.com/adverant/nexus/beanscan-worker/internal/storage"
	"github.com/adverant/nexus/beanscan-worker/internal/tracking"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// workerRuntime holds the components shared by serve and analyze
type workerRuntime struct {
	cfg       *config.Config
	logger    *slog.Logger
	ffmpeg    *utils.FFmpegHelper
	registry  *registry.Registry
	hub       *livechannel.Hub
	processor *processor.VideoProcessor
	store     storage.ResultStore // nil when persistence is off
	relay     *relay.Redis        // nil when the relay is off

	closers []func() error
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*workerRuntime, error) {
	rt := &workerRuntime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	// Initialize FFmpeg helper
	ffmpeg, err := utils.NewFFmpegHelper(filepath.Join(cfg.Paths.DataDir, "tmp"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize FFmpeg: %w", err)
	}
	rt.ffmpeg = ffmpeg
	logger.Info("✓ FFmpeg initialized")

	rt.hub = livechannel.NewHub(cfg.Pipeline.SubscriberQueue)
	rt.registry = registry.New(
		registry.WithRetention(time.Duration(cfg.Registry.RetentionMinutes)*time.Minute),
		registry.WithEvictHook(rt.hub.Remove),
		registry.WithLogger(logger),
	)

	detector, err := buildDetector(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var trackers tracking.Factory
	if cfg.Tracker.Enabled {
		trackers = tracking.IOUFactory(tracking.Config{
			IOUThreshold:  cfg.Tracker.IOUThreshold,
			MaxLostFrames: cfg.Tracker.MaxLostFrames,
		})
		logger.Info("✓ Tracker initialized", "iou_threshold", cfg.Tracker.IOUThreshold)
	}

	store, err := storage.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	if store != nil {
		rt.store = store
		rt.closers = append(rt.closers, store.Close)
		logger.Info("✓ Result store initialized", "driver", cfg.Store.Driver)
	}

	if cfg.Relay.Enabled {
		client, err := relay.Dial(ctx, cfg.Relay.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect relay: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		rt.relay = relay.NewRedis(client, relay.Config{
			Prefix:        cfg.Relay.ChannelPrefix,
			IncludeFrames: cfg.Relay.IncludeFrames,
		}, logger)
		logger.Info("✓ Redis relay initialized", "prefix", cfg.Relay.ChannelPrefix)
	}

	deps := processor.Dependencies{
		Registry: rt.registry,
		Hub:      rt.hub,
		Sources:  extractor.NewFrameExtractor(ffmpeg, logger),
		Encoders: output.NewFFmpegEncoder(ffmpeg),
		Detector: detector,
		Trackers: trackers,
		Logger:   logger,
	}
	// Assigned only when set so the interfaces stay nil otherwise
	if rt.store != nil {
		deps.Store = rt.store
	}
	if rt.relay != nil {
		deps.Relay = rt.relay
	}

	vp, err := processor.NewVideoProcessor(deps, processorOptions(cfg))
	if err != nil {
		return nil, err
	}
	rt.processor = vp
	logger.Info("✓ Video processor initialized")

	ok = true
	return rt, nil
}

func buildDetector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (clients.Detector, error) {
	switch cfg.Detector.Kind {
	case "none":
		logger.Warn("detector disabled, frames will carry no detections")
		return clients.NullDetector{}, nil
	case "http":
		client := clients.NewDetectorClient(cfg.Detector.URL, clients.DetectorOptions{
			Timeout:       time.Duration(cfg.Detector.TimeoutSeconds) * time.Second,
			MinConfidence: cfg.Detector.MinConfidence,
			JPEGQuality:   cfg.Pipeline.JPEGQuality,
		})
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(healthCtx); err != nil {
			logger.Warn("detector health check failed", "url", cfg.Detector.URL, "error", err)
		} else {
			logger.Info("✓ Detector client initialized", "url", cfg.Detector.URL)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Detector.Kind)
	}
}

func processorOptions(cfg *config.Config) processor.Options {
	opts := processor.DefaultOptions()
	opts.LiveStride = cfg.Pipeline.LiveStride
	opts.StatsStride = cfg.Pipeline.StatsStride
	opts.BucketSeconds = cfg.Pipeline.BucketSeconds
	opts.DefectClasses = cfg.Quality.DefectClasses
	opts.Rules = cfg.Quality.Rules
	opts.OnDetectorErr = processor.ErrorPolicy(cfg.Detector.OnError)
	opts.Profiles = cfg.Output.Profiles
	opts.OutputDir = cfg.Paths.OutputDir
	opts.FileSuffix = cfg.Output.FileSuffix
	opts.PreviewWidth = cfg.Pipeline.LiveWidth
	opts.PreviewHeight = cfg.Pipeline.LiveHeight
	opts.PreviewJPEG = cfg.Pipeline.JPEGQuality
	return opts
}

// Close waits for relay forwarding to drain and releases connections
func (rt *workerRuntime) Close() error {
	if rt.relay != nil {
		rt.relay.Wait()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
