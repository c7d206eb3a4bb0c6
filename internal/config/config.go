// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package config loads and validates procguard configuration using Koanf v2
// with layered sources: struct defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the procguard server.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Ingestion IngestionConfig `koanf:"ingestion"`
	Store     StoreConfig     `koanf:"store"`
	Sweep     SweepConfig     `koanf:"sweep"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// EngineConfig governs the idempotency coordinator's retry and liveness
// behavior. All values are overridable per Execute call.
type EngineConfig struct {
	// MaxRetryAttempts is the attempt budget before dead-lettering.
	MaxRetryAttempts int `koanf:"max_retry_attempts"`

	// BaseRetryDelay is the first retry delay; doubles each attempt.
	BaseRetryDelay time.Duration `koanf:"base_retry_delay"`

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration `koanf:"max_retry_delay"`

	// JitterRatio perturbs each delay by up to ±ratio to avoid retry storms.
	JitterRatio float64 `koanf:"jitter_ratio"`

	// LivenessWindow is how long a Processing claim is trusted before a
	// presumed-crashed worker's record becomes eligible for reclaim.
	LivenessWindow time.Duration `koanf:"liveness_window"`

	// ExecutionTimeout bounds a single work invocation.
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`

	// CancelConsumesBudget controls whether a cancelled attempt counts
	// against the retry budget.
	CancelConsumesBudget bool `koanf:"cancel_consumes_budget"`

	// RetentionDays is how long terminal records are kept before purge.
	RetentionDays int `koanf:"retention_days"`

	// DeadLetterRetentionDays is the longer retention for dead-lettered
	// records awaiting operator review.
	DeadLetterRetentionDays int `koanf:"dead_letter_retention_days"`

	// EnableDeadLetterQueue keeps exhausted records for operator review.
	// When disabled, exhausted records are still marked dead-lettered but
	// purged on the normal retention schedule.
	EnableDeadLetterQueue bool `koanf:"enable_dead_letter_queue"`
}

// IngestionConfig governs payload validation.
type IngestionConfig struct {
	// QualityThreshold flags (never rejects) valid payloads scoring below it.
	QualityThreshold float64 `koanf:"quality_threshold"`
}

// StoreConfig holds BadgerDB tuning for the processing record store.
type StoreConfig struct {
	Path             string        `koanf:"path"`
	SyncWrites       bool          `koanf:"sync_writes"`
	MemTableSize     int64         `koanf:"mem_table_size"`
	ValueLogFileSize int64         `koanf:"value_log_file_size"`
	NumCompactors    int           `koanf:"num_compactors"`
	Compression      bool          `koanf:"compression"`
	GCRatio          float64       `koanf:"gc_ratio"`
	GCInterval       time.Duration `koanf:"gc_interval"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`

	// ConflictRetries bounds internal retries of Badger transaction
	// conflicts before surfacing a concurrency error.
	ConflictRetries int `koanf:"conflict_retries"`
}

// SweepConfig governs the background retry sweep and retention purge.
type SweepConfig struct {
	Interval      time.Duration `koanf:"interval"`
	BatchSize     int           `koanf:"batch_size"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

// BreakerConfig configures the optional circuit breaker around work
// execution (sony/gobreaker).
type BreakerConfig struct {
	Enabled     bool          `koanf:"enabled"`
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
	Interval    time.Duration `koanf:"interval"`
}

// ServerConfig holds the operator API settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks cross-field constraints. Called by LoadWithKoanf; call it
// directly when constructing a Config by hand.
func (c *Config) Validate() error {
	if c.Engine.MaxRetryAttempts < 1 {
		return fmt.Errorf("engine.max_retry_attempts must be >= 1, got %d", c.Engine.MaxRetryAttempts)
	}
	if c.Engine.BaseRetryDelay <= 0 {
		return fmt.Errorf("engine.base_retry_delay must be positive, got %v", c.Engine.BaseRetryDelay)
	}
	if c.Engine.MaxRetryDelay < c.Engine.BaseRetryDelay {
		return fmt.Errorf("engine.max_retry_delay %v is below engine.base_retry_delay %v",
			c.Engine.MaxRetryDelay, c.Engine.BaseRetryDelay)
	}
	if c.Engine.JitterRatio < 0 || c.Engine.JitterRatio > 1 {
		return fmt.Errorf("engine.jitter_ratio must be in [0,1], got %v", c.Engine.JitterRatio)
	}
	if c.Engine.LivenessWindow <= 0 {
		return fmt.Errorf("engine.liveness_window must be positive, got %v", c.Engine.LivenessWindow)
	}
	if c.Engine.RetentionDays < 1 {
		return fmt.Errorf("engine.retention_days must be >= 1, got %d", c.Engine.RetentionDays)
	}
	if c.Engine.DeadLetterRetentionDays < c.Engine.RetentionDays {
		return fmt.Errorf("engine.dead_letter_retention_days %d is below engine.retention_days %d",
			c.Engine.DeadLetterRetentionDays, c.Engine.RetentionDays)
	}
	if c.Ingestion.QualityThreshold < 0 || c.Ingestion.QualityThreshold > 100 {
		return fmt.Errorf("ingestion.quality_threshold must be in [0,100], got %v", c.Ingestion.QualityThreshold)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.ConflictRetries < 1 {
		return fmt.Errorf("store.conflict_retries must be >= 1, got %d", c.Store.ConflictRetries)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %v", c.Sweep.Interval)
	}
	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("sweep.batch_size must be >= 1, got %d", c.Sweep.BatchSize)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1,65535], got %d", c.Server.Port)
	}
	return nil
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetryAttempts:        3,
			BaseRetryDelay:          30 * time.Second,
			MaxRetryDelay:           time.Hour,
			JitterRatio:             0.2,
			LivenessWindow:          5 * time.Minute,
			ExecutionTimeout:        30 * time.Second,
			CancelConsumesBudget:    false,
			RetentionDays:           30,
			DeadLetterRetentionDays: 90,
			EnableDeadLetterQueue:   true,
		},
		Ingestion: IngestionConfig{
			QualityThreshold: 80,
		},
		Store: StoreConfig{
			Path:             "/data/procguard",
			SyncWrites:       true,
			MemTableSize:     64 << 20,
			ValueLogFileSize: 256 << 20,
			NumCompactors:    4,
			Compression:      true,
			GCRatio:          0.5,
			GCInterval:       10 * time.Minute,
			CloseTimeout:     30 * time.Second,
			ConflictRetries:  5,
		},
		Sweep: SweepConfig{
			Interval:      30 * time.Second,
			BatchSize:     100,
			PurgeInterval: time.Hour,
		},
		Breaker: BreakerConfig{
			Enabled:     false,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			Interval:    time.Minute,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8744,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
