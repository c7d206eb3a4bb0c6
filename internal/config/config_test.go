// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration fails validation: %v", err)
	}
	if cfg.Engine.MaxRetryAttempts != 3 {
		t.Errorf("MaxRetryAttempts = %d, want 3", cfg.Engine.MaxRetryAttempts)
	}
	if cfg.Engine.BaseRetryDelay != 30*time.Second {
		t.Errorf("BaseRetryDelay = %v, want 30s", cfg.Engine.BaseRetryDelay)
	}
	if cfg.Engine.DeadLetterRetentionDays != 90 {
		t.Errorf("DeadLetterRetentionDays = %d, want 90", cfg.Engine.DeadLetterRetentionDays)
	}
}

func TestLoadWithKoanfEnvOverrides(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("BASE_RETRY_DELAY", "10s")
	t.Setenv("QUALITY_THRESHOLD", "90")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BREAKER_ENABLED", "true")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	if cfg.Engine.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d, want 5", cfg.Engine.MaxRetryAttempts)
	}
	if cfg.Engine.BaseRetryDelay != 10*time.Second {
		t.Errorf("BaseRetryDelay = %v, want 10s", cfg.Engine.BaseRetryDelay)
	}
	if cfg.Ingestion.QualityThreshold != 90 {
		t.Errorf("QualityThreshold = %v, want 90", cfg.Ingestion.QualityThreshold)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "https://a.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Breaker.Enabled {
		t.Error("Breaker.Enabled not overridden")
	}
}

func TestLoadWithKoanfConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("engine:\n  max_retry_attempts: 7\nserver:\n  port: 9000\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Env beats file.
	t.Setenv("HTTP_PORT", "9100")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	if cfg.Engine.MaxRetryAttempts != 7 {
		t.Errorf("MaxRetryAttempts = %d, want 7 from file", cfg.Engine.MaxRetryAttempts)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want env override 9100", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Engine.MaxRetryAttempts = 0 }},
		{"max below base delay", func(c *Config) { c.Engine.MaxRetryDelay = time.Second }},
		{"jitter out of range", func(c *Config) { c.Engine.JitterRatio = 1.5 }},
		{"dl retention below retention", func(c *Config) { c.Engine.DeadLetterRetentionDays = 1 }},
		{"quality threshold out of range", func(c *Config) { c.Ingestion.QualityThreshold = 200 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
