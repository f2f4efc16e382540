package config

import (
	"github.com/adverant/nexus/beanscan-worker/internal/aggregator"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Bind:              "127.0.0.1:8000",
			MaxUploadMB:       2048,
			AllowedExtensions: []string{".mp4", ".avi", ".mov", ".mkv"},
			DownloadRetries:   3,
			DownloadTimeout:   300,
		},
		Paths: Paths{
			DataDir: "~/.local/share/beanscan",
		},
		Pipeline: Pipeline{
			LiveStride:      2,
			StatsStride:     10,
			BucketSeconds:   5,
			LiveWidth:       1024,
			LiveHeight:      768,
			JPEGQuality:     85,
			SubscriberQueue: 16,
		},
		Detector: Detector{
			Kind:           "http",
			URL:            "http://127.0.0.1:9000",
			TimeoutSeconds: 30,
			OnError:        "abort",
			MinConfidence:  0.5,
		},
		Tracker: Tracker{
			Enabled:       true,
			IOUThreshold:  0.3,
			MaxLostFrames: 30,
		},
		Output: Output{
			FileSuffix: "_annotated",
			Profiles:   output.DefaultProfiles(),
		},
		Quality: Quality{
			DefectClasses: aggregator.DefaultDefectClasses(),
			Rules:         aggregator.DefaultRules(),
		},
		Registry: Registry{
			RetentionMinutes: 60,
			SweepSeconds:     60,
		},
		Dispatch: Dispatch{
			Mode:               "local",
			Concurrency:        2,
			RedisURL:           "redis://127.0.0.1:6379/0",
			Queue:              "beanscan",
			Consume:            true,
			TaskTimeoutMinutes: 120,
		},
		Relay: Relay{
			RedisURL:      "redis://127.0.0.1:6379/0",
			ChannelPrefix: "beanscan",
		},
		Store: Store{
			Driver: "sqlite",
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
