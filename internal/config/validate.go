package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateDetector(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateQuality(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	return c.validateStore()
}

func (c *Config) validateServer() error {
	if c.Server.Bind == "" {
		return errors.New("server.bind must be set")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	if len(c.Server.AllowedExtensions) == 0 {
		return errors.New("server.allowed_extensions must not be empty")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	if p.LiveStride <= 0 {
		return errors.New("pipeline.live_stride must be positive")
	}
	if p.StatsStride <= 0 {
		return errors.New("pipeline.stats_stride must be positive")
	}
	if p.BucketSeconds <= 0 {
		return errors.New("pipeline.bucket_seconds must be positive")
	}
	if p.LiveWidth <= 0 || p.LiveHeight <= 0 {
		return errors.New("pipeline.live_width and live_height must be positive")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("pipeline.jpeg_quality must be 1-100, got %d", p.JPEGQuality)
	}
	return nil
}

func (c *Config) validateDetector() error {
	switch c.Detector.Kind {
	case "http":
		if c.Detector.URL == "" {
			return errors.New("detector.url must be set when detector.kind is http")
		}
	case "none":
	default:
		return fmt.Errorf("detector.kind must be http or none, got %q", c.Detector.Kind)
	}
	if c.Detector.OnError != "abort" && c.Detector.OnError != "skip" {
		return fmt.Errorf("detector.on_error must be abort or skip, got %q", c.Detector.OnError)
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return errors.New("detector.min_confidence must be between 0 and 1")
	}
	if c.Tracker.Enabled && (c.Tracker.IOUThreshold <= 0 || c.Tracker.IOUThreshold > 1) {
		return errors.New("tracker.iou_threshold must be in (0, 1]")
	}
	return nil
}

func (c *Config) validateOutput() error {
	for i, p := range c.Output.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("output.profiles[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateQuality() error {
	for i, r := range c.Quality.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("quality.rules[%d] (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

func (c *Config) validateDispatch() error {
	switch c.Dispatch.Mode {
	case "local":
	case "asynq":
		if c.Dispatch.RedisURL == "" {
			return errors.New("dispatch.redis_url must be set when dispatch.mode is asynq")
		}
	default:
		return fmt.Errorf("dispatch.mode must be local or asynq, got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.New("dispatch.concurrency must be positive")
	}
	if c.Relay.Enabled && c.Relay.RedisURL == "" {
		return errors.New("relay.redis_url must be set when the relay is enabled")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be none, sqlite or postgres, got %q", c.Store.Driver)
	}
	return nil
}
