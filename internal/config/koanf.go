// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations checked in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/procguard/config.yaml",
	"/etc/procguard/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// LoadWithKoanf builds the configuration from three layers, later layers
// overriding earlier ones:
//  1. struct defaults
//  2. optional YAML config file
//  3. environment variables
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings into slices.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransform maps recognized environment variables to koanf paths.
// Unrecognized variables are dropped so stray environment noise cannot
// pollute the configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"max_retry_attempts":         "engine.max_retry_attempts",
		"base_retry_delay":           "engine.base_retry_delay",
		"max_retry_delay":            "engine.max_retry_delay",
		"retry_jitter_ratio":         "engine.jitter_ratio",
		"liveness_window":            "engine.liveness_window",
		"execution_timeout":          "engine.execution_timeout",
		"cancel_consumes_budget":     "engine.cancel_consumes_budget",
		"retention_days":             "engine.retention_days",
		"dead_letter_retention_days": "engine.dead_letter_retention_days",
		"enable_dead_letter_queue":   "engine.enable_dead_letter_queue",

		"quality_threshold": "ingestion.quality_threshold",

		"store_path":          "store.path",
		"store_sync_writes":   "store.sync_writes",
		"store_compression":   "store.compression",
		"store_gc_interval":   "store.gc_interval",
		"store_close_timeout": "store.close_timeout",

		"sweep_interval":   "sweep.interval",
		"sweep_batch_size": "sweep.batch_size",
		"purge_interval":   "sweep.purge_interval",

		"breaker_enabled":      "breaker.enabled",
		"breaker_max_failures": "breaker.max_failures",
		"breaker_open_timeout": "breaker.open_timeout",

		"http_host":           "server.host",
		"http_port":           "server.port",
		"http_timeout":        "server.timeout",
		"rate_limit_requests": "server.rate_limit_reqs",
		"rate_limit_window":   "server.rate_limit_window",
		"cors_origins":        "server.cors_origins",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
