package config

import (
	"fmt"
	"os"
)

// applyEnv overrides file values with BEANSCAN_* environment variables
func (c *Config) applyEnv() {
	c.Server.Bind = getEnv("BEANSCAN_BIND", c.Server.Bind)
	c.Server.MaxUploadMB = getEnvInt("BEANSCAN_MAX_UPLOAD_MB", c.Server.MaxUploadMB)
	c.Paths.DataDir = getEnv("BEANSCAN_DATA_DIR", c.Paths.DataDir)
	c.Paths.OutputDir = getEnv("BEANSCAN_OUTPUT_DIR", c.Paths.OutputDir)
	c.Detector.Kind = getEnv("BEANSCAN_DETECTOR_KIND", c.Detector.Kind)
	c.Detector.URL = getEnv("BEANSCAN_DETECTOR_URL", c.Detector.URL)
	c.Detector.OnError = getEnv("BEANSCAN_DETECTOR_ON_ERROR", c.Detector.OnError)
	c.Tracker.Enabled = getEnvBool("BEANSCAN_TRACKER_ENABLED", c.Tracker.Enabled)
	c.Dispatch.Mode = getEnv("BEANSCAN_DISPATCH_MODE", c.Dispatch.Mode)
	c.Dispatch.Concurrency = getEnvInt("BEANSCAN_CONCURRENCY", c.Dispatch.Concurrency)
	if url := os.Getenv("BEANSCAN_REDIS_URL"); url != "" {
		c.Dispatch.RedisURL = url
		c.Relay.RedisURL = url
	}
	c.Relay.Enabled = getEnvBool("BEANSCAN_RELAY_ENABLED", c.Relay.Enabled)
	c.Store.Driver = getEnv("BEANSCAN_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("BEANSCAN_STORE_DSN", c.Store.DSN)
	c.Logging.Level = getEnv("BEANSCAN_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("BEANSCAN_LOG_FORMAT", c.Logging.Format)
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets boolean environment variable with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
