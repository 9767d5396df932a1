// Package config loads the predictd configuration file, validates it and
// watches it for changes.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"predictd/internal/registry"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir       string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelURLPattern string   `json:"model_url_pattern" yaml:"model_url_pattern" toml:"model_url_pattern"`
	AdmissionWait   Duration `json:"admission_wait" yaml:"admission_wait" toml:"admission_wait"`
	DrainTimeout    Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	PredictTimeout  Duration `json:"predict_timeout" yaml:"predict_timeout" toml:"predict_timeout"`
	MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	DefaultPool PoolConfig    `json:"default_pool" yaml:"default_pool" toml:"default_pool"`
	Runtime     RuntimeConfig `json:"runtime" yaml:"runtime" toml:"runtime"`
	Log         LogConfig     `json:"log" yaml:"log" toml:"log"`
	CORS        CORSConfig    `json:"cors" yaml:"cors" toml:"cors"`
	Models      []ModelConfig `json:"models" yaml:"models" toml:"models"`
}

// PoolConfig sizes the shared pool used by models without a dedicated one.
type PoolConfig struct {
	MaxWorkers  int      `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
}

// RuntimeConfig is passed through to the model runtime.
type RuntimeConfig struct {
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads     int `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers   int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	MaxTokens   int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	Format     string `json:"format" yaml:"format" toml:"format"`
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
}

// ModelConfig is a startup model. MaxWorkers > 0 gives it a dedicated pool.
type ModelConfig struct {
	Name          string   `json:"name" yaml:"name" toml:"name"`
	URL           string   `json:"url" yaml:"url" toml:"url"`
	MinWorkers    int      `json:"min_workers" yaml:"min_workers" toml:"min_workers"`
	MaxWorkers    int      `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	MaxBatchDelay Duration `json:"max_batch_delay" yaml:"max_batch_delay" toml:"max_batch_delay"`
}

const (
	DefaultAddr         = ":8080"
	DefaultDrainTimeout = 30 * time.Second
	DefaultMaxWorkers   = 5
	DefaultIdleTimeout  = 10 * time.Second
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
)

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	if c.DefaultPool.MaxWorkers == 0 {
		c.DefaultPool.MaxWorkers = DefaultMaxWorkers
	}
	if c.DefaultPool.IdleTimeout == 0 {
		c.DefaultPool.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks constraints the schema cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.ModelURLPattern != "" {
		if _, err := regexp.Compile(c.ModelURLPattern); err != nil {
			errs = append(errs, fmt.Errorf("model_url_pattern: %w", err))
		}
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models[%d]: name is required", i))
		} else if _, dup := seen[m.Name]; dup {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name))
		}
		seen[m.Name] = struct{}{}
		if m.URL == "" {
			errs = append(errs, fmt.Errorf("models[%d]: url is required", i))
		}
		if m.MinWorkers < 0 || m.MaxWorkers < 0 {
			errs = append(errs, fmt.Errorf("models[%d]: worker counts must not be negative", i))
		}
		if m.MaxWorkers > 0 && m.MinWorkers > m.MaxWorkers {
			errs = append(errs, fmt.Errorf("models[%d]: min_workers %d exceeds max_workers %d", i, m.MinWorkers, m.MaxWorkers))
		}
	}
	return errors.Join(errs...)
}

// Specs converts the configured models into registry specs.
func (c Config) Specs() []registry.Spec {
	specs := make([]registry.Spec, 0, len(c.Models))
	for _, m := range c.Models {
		specs = append(specs, registry.Spec{
			Name:          m.Name,
			URL:           m.URL,
			MinWorkers:    m.MinWorkers,
			MaxWorkers:    m.MaxWorkers,
			MaxBatchDelay: m.MaxBatchDelay.D(),
		})
	}
	return specs
}

// MergeSpecs appends discovered specs whose names are not already configured.
// Configured entries win.
func MergeSpecs(configured, discovered []registry.Spec) []registry.Spec {
	out := append([]registry.Spec(nil), configured...)
	have := make(map[string]struct{}, len(configured))
	for _, s := range configured {
		have[s.Name] = struct{}{}
	}
	for _, s := range discovered {
		if _, ok := have[s.Name]; ok {
			continue
		}
		have[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out
}
