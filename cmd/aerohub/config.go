package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aerohub/aerohub/engine"
	"github.com/aerohub/aerohub/engine/adapters/httppull"
	"github.com/aerohub/aerohub/engine/adapters/intervalfetch"
	"github.com/aerohub/aerohub/engine/adapters/wspush"
)

// fileConfig is the on-disk YAML shape for bootstrapping engine.Config. It
// only exposes the fields an operator plausibly needs to set per
// deployment; everything else keeps the module's own DefaultConfig.
type fileConfig struct {
	MetricsBackend           string   `yaml:"metrics_backend"`
	SubscriberAllowedOrigins []string `yaml:"subscriber_allowed_origins"`
	HFGCSRegistryPath        string   `yaml:"hfgcs_registry_path"`

	RateLimit *struct {
		Enabled    bool    `yaml:"enabled"`
		InitialRPS float64 `yaml:"initial_rps"`
		MinRPS     float64 `yaml:"min_rps"`
		MaxRPS     float64 `yaml:"max_rps"`
	} `yaml:"rate_limit"`

	HTTPPullSources      map[string]httpPullSourceFile      `yaml:"http_pull_sources"`
	WSPushSources        map[string]wsPushSourceFile        `yaml:"ws_push_sources"`
	IntervalFetchSources map[string]intervalFetchSourceFile `yaml:"interval_fetch_sources"`
}

type httpPullSourceFile struct {
	Enabled      bool    `yaml:"enabled"`
	BaseURL      string  `yaml:"base_url"`
	Lat          float64 `yaml:"lat"`
	Lon          float64 `yaml:"lon"`
	DistanceNM   float64 `yaml:"distance_nm"`
	APIKey       string  `yaml:"api_key"`
	PollInterval string  `yaml:"poll_interval"`
}

type wsPushSourceFile struct {
	Enabled    bool     `yaml:"enabled"`
	Endpoints  []string `yaml:"endpoints"`
	SourceType string   `yaml:"source_type"`
}

type intervalFetchSourceFile struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	BearerToken  string `yaml:"bearer_token"`
	PollInterval string `yaml:"poll_interval"`
}

// loadFileConfig reads and parses the YAML config at path. An empty path
// is not an error; callers fall back to engine.DefaultConfig() entirely.
func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// applyFileConfig merges fc onto base, producing the engine.Config that New
// receives. A nil fc returns base unchanged.
func applyFileConfig(base engine.Config, fc *fileConfig) (engine.Config, error) {
	if fc == nil {
		return base, nil
	}
	if fc.MetricsBackend != "" {
		base.MetricsBackend = fc.MetricsBackend
	}
	if len(fc.SubscriberAllowedOrigins) > 0 {
		base.SubscriberAllowedOrigins = fc.SubscriberAllowedOrigins
	}
	if fc.HFGCSRegistryPath != "" {
		base.HFGCSRegistryPath = fc.HFGCSRegistryPath
	}
	if fc.RateLimit != nil {
		base.RateLimit.Enabled = fc.RateLimit.Enabled
		if fc.RateLimit.InitialRPS > 0 {
			base.RateLimit.InitialRPS = fc.RateLimit.InitialRPS
		}
		if fc.RateLimit.MinRPS > 0 {
			base.RateLimit.MinRPS = fc.RateLimit.MinRPS
		}
		if fc.RateLimit.MaxRPS > 0 {
			base.RateLimit.MaxRPS = fc.RateLimit.MaxRPS
		}
	}

	for name, src := range fc.HTTPPullSources {
		cfg := httppull.DefaultConfig()
		cfg.BaseURL = src.BaseURL
		cfg.Lat = src.Lat
		cfg.Lon = src.Lon
		cfg.DistanceNM = src.DistanceNM
		cfg.APIKey = src.APIKey
		if src.PollInterval != "" {
			d, err := time.ParseDuration(src.PollInterval)
			if err != nil {
				return base, fmt.Errorf("http_pull_sources[%s].poll_interval: %w", name, err)
			}
			cfg.PollInterval = d
		}
		base.HTTPPullSources[name] = engine.HTTPPullSourceConfig{Enabled: src.Enabled, Config: cfg}
	}

	for name, src := range fc.WSPushSources {
		cfg := wspush.DefaultConfig()
		cfg.Endpoints = src.Endpoints
		if src.SourceType != "" {
			cfg.SourceType = src.SourceType
		}
		base.WSPushSources[name] = engine.WSPushSourceConfig{Enabled: src.Enabled, Config: cfg}
	}

	for name, src := range fc.IntervalFetchSources {
		cfg := intervalfetch.DefaultConfig()
		cfg.BaseURL = src.BaseURL
		cfg.BearerToken = src.BearerToken
		if src.PollInterval != "" {
			d, err := time.ParseDuration(src.PollInterval)
			if err != nil {
				return base, fmt.Errorf("interval_fetch_sources[%s].poll_interval: %w", name, err)
			}
			cfg.PollInterval = d
		}
		base.IntervalFetchSources[name] = engine.IntervalFetchSourceConfig{Enabled: src.Enabled, Config: cfg}
	}

	return base, nil
}
