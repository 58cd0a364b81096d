// Package models holds the types shared across source adapters, the
// processor, the trackers, the broadcast hub, and the persistence facade.
// Field shapes for the ADS-B-derived types follow the dump1090-style JSON
// used by common console and firehose feeds.
package models

import "time"

// RateLimitConfig defines adaptive per-key rate limiting behavior for a
// source adapter's outbound HTTP calls: token-bucket AIMD tuning plus a
// circuit breaker, keyed per source rather than per web-crawl domain.
type RateLimitConfig struct {
	Enabled             bool    `json:"enabled"`
	InitialRPS          float64 `json:"initial_rps"`
	MinRPS              float64 `json:"min_rps"`
	MaxRPS              float64 `json:"max_rps"`
	TokenBucketCapacity float64 `json:"token_bucket_capacity"`

	AIMDIncrease         float64       `json:"aimd_increase"`
	AIMDDecrease         float64       `json:"aimd_decrease"`
	LatencyTarget        time.Duration `json:"latency_target"`
	LatencyDegradeFactor float64       `json:"latency_degrade_factor"`

	ErrorRateThreshold       float64       `json:"error_rate_threshold"`
	MinSamplesToTrip         int           `json:"min_samples_to_trip"`
	ConsecutiveFailThreshold int           `json:"consecutive_fail_threshold"`
	OpenStateDuration        time.Duration `json:"open_state_duration"`
	HalfOpenProbes           int           `json:"half_open_probes"`

	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
	RetryMaxAttempts int           `json:"retry_max_attempts"`

	StatsWindow    time.Duration `json:"stats_window"`
	StatsBucket    time.Duration `json:"stats_bucket"`
	DomainStateTTL time.Duration `json:"domain_state_ttl"`
	Shards         int           `json:"shards"`
}

// DefaultRateLimitConfig is a conservative starting point tuned for a
// handful of outbound sources rather than thousands of crawl domains.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		InitialRPS:               1,
		MinRPS:                   0.1,
		MaxRPS:                   5,
		TokenBucketCapacity:      5,
		AIMDIncrease:             0.2,
		AIMDDecrease:             0.5,
		LatencyTarget:            2 * time.Second,
		LatencyDegradeFactor:     0.5,
		ErrorRateThreshold:       0.3,
		MinSamplesToTrip:         5,
		ConsecutiveFailThreshold: 3,
		OpenStateDuration:        30 * time.Second,
		HalfOpenProbes:           1,
		RetryBaseDelay:           500 * time.Millisecond,
		RetryMaxDelay:            15 * time.Second,
		RetryMaxAttempts:         5,
		StatsWindow:              time.Minute,
		StatsBucket:              5 * time.Second,
		DomainStateTTL:           10 * time.Minute,
		Shards:                   8,
	}
}
