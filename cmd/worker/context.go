package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/beanscan-worker/internal/config"
	"github.com/adverant/nexus/beanscan-worker/internal/logging"
)

type commandContext struct {
	configFlag    *string
	logLevelFlag  *string
	logFormatFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, logLevelFlag, logFormatFlag *string) *commandContext {
	return &commandContext{
		configFlag:    configFlag,
		logLevelFlag:  logLevelFlag,
		logFormatFlag: logFormatFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.Logging.Level = *c.logLevelFlag
		}
		if c.logFormatFlag != nil && *c.logFormatFlag != "" {
			cfg.Logging.Format = *c.logFormatFlag
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	})
	return c.logger, c.loggerErr
}

// serverURL returns the base URL of a running server, preferring flag
func (c *commandContext) serverURL(flag string) string {
	if flag = strings.TrimSpace(flag); flag != "" {
		return strings.TrimRight(flag, "/")
	}
	cfg, err := c.ensureConfig()
	if err != nil || cfg.Server.Bind == "" {
		return "http://127.0.0.1:8000"
	}
	bind := cfg.Server.Bind
	if strings.HasPrefix(bind, ":") || strings.HasPrefix(bind, "0.0.0.0:") {
		bind = "127.0.0.1:" + bind[strings.LastIndex(bind, ":")+1:]
	}
	return "http://" + bind
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
