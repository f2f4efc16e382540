package config

import (
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/beanscan-worker/internal/aggregator"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeEnums()

	if len(c.Output.Profiles) == 0 {
		c.Output.Profiles = output.DefaultProfiles()
	}
	if c.Output.FileSuffix == "" {
		c.Output.FileSuffix = "_annotated"
	}
	if len(c.Quality.DefectClasses) == 0 {
		c.Quality.DefectClasses = aggregator.DefaultDefectClasses()
	}
	if len(c.Quality.Rules) == 0 {
		c.Quality.Rules = aggregator.DefaultRules()
	}
	if c.Relay.ChannelPrefix == "" {
		c.Relay.ChannelPrefix = "beanscan"
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "beanscan"
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.UploadDir == "" {
		c.Paths.UploadDir = filepath.Join(c.Paths.DataDir, "uploads")
	}
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return err
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = filepath.Join(c.Paths.DataDir, "outputs")
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return err
	}
	if c.Quality.RulesFile, err = expandPath(strings.TrimSpace(c.Quality.RulesFile)); err != nil {
		return err
	}
	if strings.EqualFold(c.Store.Driver, "sqlite") {
		if c.Store.DSN == "" {
			c.Store.DSN = filepath.Join(c.Paths.DataDir, "results.db")
		}
		if c.Store.DSN, err = expandPath(c.Store.DSN); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	exts := make([]string, 0, len(c.Server.AllowedExtensions))
	for _, ext := range c.Server.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.Server.AllowedExtensions = exts
}

func (c *Config) normalizeEnums() {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	c.Detector.Kind = lower(c.Detector.Kind)
	c.Detector.OnError = lower(c.Detector.OnError)
	c.Detector.URL = strings.TrimRight(strings.TrimSpace(c.Detector.URL), "/")
	c.Dispatch.Mode = lower(c.Dispatch.Mode)
	c.Store.Driver = lower(c.Store.Driver)
	c.Logging.Level = lower(c.Logging.Level)
	c.Logging.Format = lower(c.Logging.Format)
}
