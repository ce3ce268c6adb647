// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates service configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every operator-tunable knob of the analysis service.
type Config struct {
	// Addr is the listen address of the HTTP API.
	Addr string `yaml:"addr" validate:"required"`
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path" validate:"required"`
	// MediaRoot is the directory report files are written under.
	MediaRoot string `yaml:"media_root" validate:"required"`
	// MediaBaseURL is the public base URL that maps onto MediaRoot.
	MediaBaseURL string `yaml:"media_base_url" validate:"required,url"`
	// SandboxScript is the executable that drives one sandbox run.
	SandboxScript string `yaml:"sandbox_script" validate:"required"`
	// SandboxImage is the analysis image probed before each run to decide
	// whether the sandbox may skip pulling.
	SandboxImage string `yaml:"sandbox_image" validate:"required"`
	// ResultsDir is where the sandbox deposits raw result JSON.
	ResultsDir string `yaml:"results_dir" validate:"required"`

	// DefaultRateLimitPerHour seeds newly provisioned credentials.
	DefaultRateLimitPerHour int `yaml:"default_rate_limit_per_hour" validate:"gt=0"`
	// DefaultTimeoutMinutes bounds each analysis run.
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes" validate:"gt=0"`
	// DedupeWindowHours is how far back active submissions suppress
	// duplicates.
	DedupeWindowHours int `yaml:"dedupe_window_hours" validate:"gt=0"`

	WorkerIdlePollSeconds       int `yaml:"worker_idle_poll_seconds" validate:"gt=0"`
	WorkerErrorBackoffSeconds   int `yaml:"worker_error_backoff_seconds" validate:"gt=0"`
	HeartbeatIntervalSeconds    int `yaml:"heartbeat_interval_seconds" validate:"gt=0"`
	ContainerStopTimeoutSeconds int `yaml:"container_stop_timeout_seconds" validate:"gt=0"`
	ShutdownGracePeriodSeconds  int `yaml:"shutdown_grace_period_seconds" validate:"gt=0"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Addr:                        ":8000",
		DatabasePath:                "packamal.db",
		MediaRoot:                   "media",
		MediaBaseURL:                "http://localhost:8000/media/",
		SandboxScript:               "/usr/local/bin/run_analysis.sh",
		SandboxImage:                "docker.io/pakaremon/dynamic-analysis:latest",
		ResultsDir:                  "/tmp/results",
		DefaultRateLimitPerHour:     100,
		DefaultTimeoutMinutes:       30,
		DedupeWindowHours:           24,
		WorkerIdlePollSeconds:       5,
		WorkerErrorBackoffSeconds:   10,
		HeartbeatIntervalSeconds:    30,
		ContainerStopTimeoutSeconds: 10,
		ShutdownGracePeriodSeconds:  10,
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its structural constraints.
func (c *Config) Validate() error {
	return errors.Wrap(validator.New(validator.WithRequiredStructEnabled()).Struct(c), "validating config")
}

// IdlePoll is how long the worker sleeps when the queue is empty.
func (c *Config) IdlePoll() time.Duration {
	return time.Duration(c.WorkerIdlePollSeconds) * time.Second
}

// ErrorBackoff is how long the worker sleeps after a failed iteration.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.WorkerErrorBackoffSeconds) * time.Second
}

// HeartbeatInterval is the liveness update period for running tasks.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ContainerStopTimeout is the graceful stop window before a kill.
func (c *Config) ContainerStopTimeout() time.Duration {
	return time.Duration(c.ContainerStopTimeoutSeconds) * time.Second
}

// ShutdownGracePeriod bounds HTTP server drain on shutdown.
func (c *Config) ShutdownGracePeriod() time.Duration {
	return time.Duration(c.ShutdownGracePeriodSeconds) * time.Second
}

// DedupeWindow is how far back active submissions suppress duplicates.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowHours) * time.Hour
}
