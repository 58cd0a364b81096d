package engine

import (
	"log/slog"
	"time"

	"github.com/aerohub/aerohub/engine/adapters/httppull"
	"github.com/aerohub/aerohub/engine/adapters/intervalfetch"
	"github.com/aerohub/aerohub/engine/adapters/wspush"
	"github.com/aerohub/aerohub/engine/eam"
	"github.com/aerohub/aerohub/engine/hfgcs"
	"github.com/aerohub/aerohub/engine/hub"
	"github.com/aerohub/aerohub/engine/internal/resources"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/processor"
	"github.com/aerohub/aerohub/engine/tracker"
)

// HTTPPullSourceConfig names and optionally enables one HTTP-pull source.
// Name is the map key the caller registers it under; it is also what
// shows up in Status() and log/event correlation.
type HTTPPullSourceConfig struct {
	Enabled bool
	Config  httppull.Config
}

// WSPushSourceConfig names and optionally enables one WebSocket-push
// source.
type WSPushSourceConfig struct {
	Enabled bool
	Config  wspush.Config
}

// IntervalFetchSourceConfig names and optionally enables one interval-fetch
// source.
type IntervalFetchSourceConfig struct {
	Enabled bool
	Config  intervalfetch.Config
}

// Config wires every module's tunables into a single engine bootstrap
// value. Zero-value fields fall back to each module's own DefaultConfig.
type Config struct {
	HTTPPullSources      map[string]HTTPPullSourceConfig
	WSPushSources        map[string]WSPushSourceConfig
	IntervalFetchSources map[string]IntervalFetchSourceConfig

	Processor processor.Config
	Tracker   tracker.Config
	HFGCS     hfgcs.Config
	// HFGCSRegistryPath, if non-empty, enables hot-reload of the HFGCS
	// aircraft-type registry from a YAML file on disk.
	HFGCSRegistryPath string
	EAM               eam.Config
	Hub               hub.Config
	Resources         resources.Config
	RateLimit         models.RateLimitConfig

	// SubscriberAllowedOrigins restricts WebSocket subscriber admission by
	// Origin header; empty means unrestricted.
	SubscriberAllowedOrigins []string

	// MetricsBackend selects the telemetry/metrics.Provider implementation:
	// "prometheus" (default), "otel", or "none".
	MetricsBackend string
	HealthCacheTTL time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a Config with every module defaulted and no
// sources registered; callers populate HTTPPullSources etc. before New.
func DefaultConfig() Config {
	return Config{
		HTTPPullSources:      make(map[string]HTTPPullSourceConfig),
		WSPushSources:        make(map[string]WSPushSourceConfig),
		IntervalFetchSources: make(map[string]IntervalFetchSourceConfig),
		Processor:            processor.DefaultConfig(),
		Tracker:              tracker.DefaultConfig(),
		HFGCS:                hfgcs.DefaultConfig(),
		EAM:                  eam.DefaultConfig(),
		Hub:                  hub.DefaultConfig(),
		Resources:            resources.Config{},
		RateLimit:            models.DefaultRateLimitConfig(),
		MetricsBackend:       "prometheus",
		HealthCacheTTL:       2 * time.Second,
	}
}
