// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the runtime configuration surface for the converge
// components: state persistence, cleanup, cross-node synchronization, and
// checkpoint compression.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loadable from YAML or JSON.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// NodeID identifies this node in merged results and backups.
	NodeID string `json:"node_id" yaml:"node_id" validate:"required"`

	// Persistence contains disk persistence settings.
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`

	// Cleanup contains agent timeout and cleanup loop settings.
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`

	// Synchronization contains cross-node sync batch settings.
	Synchronization SynchronizationConfig `json:"synchronization" yaml:"synchronization"`

	// Compression contains checkpoint compression settings.
	Compression CompressionConfig `json:"compression" yaml:"compression"`
}

// Duration is a time.Duration that decodes from either a bare number of
// seconds or a Go duration string such as "90s" or "2m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
		return nil
	case string:
		return d.parse(t)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// PersistenceConfig contains disk persistence settings.
type PersistenceConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Directory string `json:"directory" yaml:"directory"`
	MaxSizeMB int    `json:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	// TTL bounds the lifetime of backup and agent snapshot files; zero
	// keeps them forever.
	TTL                Duration `json:"ttl" yaml:"ttl"`
	CompressionEnabled bool     `json:"compression_enabled" yaml:"compression_enabled"`
}

// CleanupConfig contains agent lifecycle and cleanup loop settings.
type CleanupConfig struct {
	AgentTimeout          Duration `json:"agent_timeout" yaml:"agent_timeout"`
	StateRetention        Duration `json:"state_retention" yaml:"state_retention"`
	OrphanCleanupInterval Duration `json:"orphan_cleanup_interval" yaml:"orphan_cleanup_interval"`
	// MemoryThreshold is the heap usage fraction (0..1) above which a
	// cleanup pass is triggered inline with a store.
	MemoryThreshold float64 `json:"memory_threshold" yaml:"memory_threshold" validate:"min=0,max=1"`
}

// SynchronizationConfig contains cross-node sync settings.
type SynchronizationConfig struct {
	BatchSize          int     `json:"batch_size" yaml:"batch_size" validate:"min=1"`
	MaxRetries         int     `json:"max_retries" yaml:"max_retries" validate:"min=0"`
	BackoffMultiplier  float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" validate:"min=1"`
	ConflictBufferSize int     `json:"conflict_buffer_size" yaml:"conflict_buffer_size" validate:"min=1"`
}

// CompressionConfig contains checkpoint compression settings.
type CompressionConfig struct {
	GzipLevel             int  `json:"gzip_level" yaml:"gzip_level" validate:"min=0,max=9"`
	EnableDelta           bool `json:"enable_delta" yaml:"enable_delta"`
	EnableDeduplication   bool `json:"enable_deduplication" yaml:"enable_deduplication"`
	MinSizeForCompression int  `json:"min_size_for_compression" yaml:"min_size_for_compression" validate:"min=0"`
	MaxDeltaChain         int  `json:"max_delta_chain" yaml:"max_delta_chain" validate:"min=1"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		NodeID: defaultNodeID(),
		Persistence: PersistenceConfig{
			Enabled:            true,
			Directory:          "./state",
			MaxSizeMB:          100,
			TTL:                Duration(24 * time.Hour),
			CompressionEnabled: false,
		},
		Cleanup: CleanupConfig{
			AgentTimeout:          Duration(5 * time.Minute),
			StateRetention:        Duration(time.Hour),
			OrphanCleanupInterval: Duration(time.Minute),
			MemoryThreshold:       0.8,
		},
		Synchronization: SynchronizationConfig{
			BatchSize:          50,
			MaxRetries:         3,
			BackoffMultiplier:  2.0,
			ConflictBufferSize: 1000,
		},
		Compression: CompressionConfig{
			GzipLevel:             6,
			EnableDelta:           true,
			EnableDeduplication:   true,
			MinSizeForCompression: 100,
			MaxDeltaChain:         8,
		},
	}
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-local"
}

// Load reads configuration from configPath, layered defaults-then-file-
// then-environment, and validates the result.
//
// Inputs:
//
//	configPath - YAML or JSON file path. Empty or missing file uses
//	             defaults.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Non-nil on parse or validation failure.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CONVERGE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("CONVERGE_STATE_DIR"); v != "" {
		cfg.Persistence.Directory = v
	}
	if v := os.Getenv("CONVERGE_PERSISTENCE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Persistence.Enabled = b
		}
	}
	if v := os.Getenv("CONVERGE_SYNC_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Synchronization.BatchSize = i
		}
	}
	if v := os.Getenv("CONVERGE_GZIP_LEVEL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Compression.GzipLevel = i
		}
	}
}

var validate = validator.New()

// Validate checks structural constraints plus a few relations the tags
// cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Persistence.Enabled && c.Persistence.Directory == "" {
		return fmt.Errorf("persistence.directory is required when persistence is enabled")
	}
	if c.Cleanup.OrphanCleanupInterval <= 0 {
		return fmt.Errorf("cleanup.orphan_cleanup_interval must be positive")
	}
	if c.Cleanup.AgentTimeout <= 0 {
		return fmt.Errorf("cleanup.agent_timeout must be positive")
	}
	return nil
}
