// Package engine assembles every module (source adapters, the message
// processor, the aircraft and HFGCS trackers, the EAM pipeline, the
// broadcast hub, persistence, and telemetry) into one bootable unit: the
// Engine facade. Callers construct a Config, call New, then Start/Stop it
// around a context.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/adapters/httppull"
	"github.com/aerohub/aerohub/engine/adapters/intervalfetch"
	"github.com/aerohub/aerohub/engine/adapters/subscriberws"
	"github.com/aerohub/aerohub/engine/adapters/wspush"
	"github.com/aerohub/aerohub/engine/configx"
	"github.com/aerohub/aerohub/engine/eam"
	"github.com/aerohub/aerohub/engine/hfgcs"
	"github.com/aerohub/aerohub/engine/hub"
	"github.com/aerohub/aerohub/engine/internal/ratelimit"
	"github.com/aerohub/aerohub/engine/internal/resources"
	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	imetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/persistence"
	"github.com/aerohub/aerohub/engine/processor"
	"github.com/aerohub/aerohub/engine/sources"
	telemetryhealth "github.com/aerohub/aerohub/engine/telemetry/health"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
	telemetrymetrics "github.com/aerohub/aerohub/engine/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/tracker"
)

// Engine is the single object an embedder constructs and drives. It owns
// every subsystem's lifecycle and exposes the narrow surface cmd/aerohub
// and the HTTP adapters need: health, metrics, the subscriber transport,
// and ingestion entry points for out-of-band producers (e.g. a voice
// transcription pipeline feeding the EAM module).
type Engine struct {
	cfg Config

	logger          logging.Logger
	metricsProvider telemetrymetrics.Provider
	internal        imetrics.Provider
	bus             events.Bus
	registry        *configx.Registry

	persistence persistence.Facade
	resources   *resources.Manager
	rateLimiter ratelimit.RateLimiter

	tracker   *tracker.Tracker
	hfgcs     *hfgcs.Tracker
	eam       *eam.Pipeline
	hub       *hub.Hub
	processor *processor.Processor
	sources   *sources.Manager

	health *telemetryhealth.Evaluator

	mu         sync.Mutex
	runningCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs every module per cfg but does not start anything; call
// Start to launch the background actors and the enabled source adapters.
func New(cfg Config) (*Engine, error) {
	if cfg.HTTPPullSources == nil {
		cfg.HTTPPullSources = map[string]HTTPPullSourceConfig{}
	}
	if cfg.WSPushSources == nil {
		cfg.WSPushSources = map[string]WSPushSourceConfig{}
	}
	if cfg.IntervalFetchSources == nil {
		cfg.IntervalFetchSources = map[string]IntervalFetchSourceConfig{}
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = 2 * time.Second
	}

	logger := logging.New(cfg.Logger)

	metricsProvider, err := buildMetricsProvider(cfg.MetricsBackend)
	if err != nil {
		return nil, err
	}
	internal := bridgeProvider{inner: metricsProvider}

	bus := events.NewBus(internal)

	registry := configx.NewRegistry()
	registry.SetDefault("metrics", "backend", cfg.MetricsBackend)
	registry.SetDefault("ratelimit", "enabled", cfg.RateLimit.Enabled)
	registry.SetDefault("hub", "queue_hard_limit", cfg.Hub.QueueHardLimit)

	resMgr, err := resources.NewManager(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("engine: resources manager: %w", err)
	}

	store := persistence.NewInMemory()
	gatedStore := &gatedPersistence{Facade: store, res: resMgr}

	h := hub.New(cfg.Hub, hub.Deps{Logger: logger, Metrics: internal})
	gh := &gatedHub{Hub: h, res: resMgr}

	trk := tracker.New(cfg.Tracker, tracker.Deps{
		Persistence: gatedStore,
		Bus:         bus,
		Logger:      logger,
		Metrics:     internal,
	})

	hfgcsTracker, err := hfgcs.New(cfg.HFGCS, hfgcs.Deps{
		Persistence: gatedStore,
		Hub:         gh,
		Bus:         bus,
		Logger:      logger,
		Metrics:     internal,
		ConfigPath:  cfg.HFGCSRegistryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: hfgcs tracker: %w", err)
	}

	eamPipeline := eam.New(cfg.EAM, eam.Deps{
		Persistence: gatedStore,
		Hub:         gh,
		Bus:         bus,
		Logger:      logger,
		Metrics:     internal,
	})

	proc := processor.New(cfg.Processor, processor.Deps{
		Persistence: gatedStore,
		Tracker:     trk,
		HFGCS:       hfgcsTracker,
		Hub:         gh,
		Logger:      logger,
		Metrics:     internal,
	})

	var limiter ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewAdaptiveRateLimiter(cfg.RateLimit)
	}

	mgr := sources.NewManager(proc.Handle, nil, bus, logger)
	for name, sc := range cfg.HTTPPullSources {
		hc := sc.Config
		if limiter != nil {
			hc.HTTPClient = rateLimitedClient(limiter, name, hc.HTTPClient)
		}
		mgr.Register(name, httppull.New(hc, mgr.HandleMessage(name), mgr.HandleError(name)), sc.Enabled)
	}
	for name, sc := range cfg.WSPushSources {
		mgr.Register(name, wspush.New(sc.Config, mgr.HandleMessage(name), mgr.HandleError(name)), sc.Enabled)
	}
	for name, sc := range cfg.IntervalFetchSources {
		ic := sc.Config
		if limiter != nil {
			ic.HTTPClient = rateLimitedClient(limiter, name, ic.HTTPClient)
		}
		mgr.Register(name, intervalfetch.New(ic, mgr.HandleMessage(name), mgr.HandleError(name)), sc.Enabled)
	}

	e := &Engine{
		cfg:             cfg,
		logger:          logger,
		metricsProvider: metricsProvider,
		internal:        internal,
		bus:             bus,
		registry:        registry,
		persistence:     gatedStore,
		resources:       resMgr,
		rateLimiter:     limiter,
		tracker:         trk,
		hfgcs:           hfgcsTracker,
		eam:             eamPipeline,
		hub:             h,
		processor:       proc,
		sources:         mgr,
	}

	e.health = telemetryhealth.NewEvaluator(cfg.HealthCacheTTL,
		telemetryhealth.ProbeFunc(e.sourcesProbe),
		telemetryhealth.ProbeFunc(e.hubProbe),
		telemetryhealth.ProbeFunc(e.metricsProbe),
	)

	return e, nil
}

func buildMetricsProvider(backend string) (telemetrymetrics.Provider, error) {
	switch backend {
	case "", "prometheus":
		return telemetrymetrics.NewPrometheusProvider(telemetrymetrics.PrometheusProviderOptions{}), nil
	case "otel":
		return telemetrymetrics.NewOTelProvider(telemetrymetrics.OTelProviderOptions{ServiceName: "aerohub"}), nil
	case "none":
		return telemetrymetrics.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("engine: unknown metrics backend %q", backend)
	}
}

// Start launches every periodic actor (tracker eviction, hub batching and
// heartbeats, HFGCS config watch and idle eviction, EAM draft sweeping)
// and starts every enabled source adapter. It returns the first adapter
// start error, if any, after every adapter has been attempted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	e.runningCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.spawn(runCtx, func(ctx context.Context) { e.tracker.Run(ctx) })
	e.spawn(runCtx, func(ctx context.Context) { e.hub.Run(ctx) })
	e.spawn(runCtx, func(ctx context.Context) { e.hfgcs.WatchConfig(ctx) })
	e.spawn(runCtx, e.runHFGCSEviction)
	e.spawn(runCtx, e.runEAMSweep)

	return e.sources.StartEnabled(runCtx)
}

func (e *Engine) spawn(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

const hfgcsEvictionInterval = 5 * time.Minute

func (e *Engine) runHFGCSEviction(ctx context.Context) {
	ticker := time.NewTicker(hfgcsEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.hfgcs.EvictIdle(now)
		}
	}
}

func (e *Engine) runEAMSweep(ctx context.Context) {
	interval := e.cfg.EAM.Window / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.eam.SweepExpired(now)
		}
	}
}

// Stop cancels every background actor and waits for them to exit, or for
// ctx to expire. Source adapters and the rate limiter's eviction loop are
// stopped synchronously before the wait.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.sources.StopAll()
	if e.rateLimiter != nil {
		_ = e.rateLimiter.Close()
	}
	_ = e.resources.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthSnapshot implements the contract engine/adapters/telemetryhttp
// expects.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	return e.health.Evaluate(ctx)
}

// MetricsProvider exposes the selected backend for telemetryhttp's
// /metrics handler.
func (e *Engine) MetricsProvider() telemetrymetrics.Provider { return e.metricsProvider }

// Registry exposes the configuration registry for runtime overrides.
func (e *Engine) Registry() *configx.Registry { return e.registry }

// SubscriberHandler builds the WebSocket endpoint subscriber clients
// connect to.
func (e *Engine) SubscriberHandler() http.Handler {
	return subscriberws.NewHandler(e.hub, e.logger, e.cfg.SubscriberAllowedOrigins, nil)
}

// IngestTranscription feeds one voice-transcription segment into the EAM
// pipeline; the segment's own source (an STT pipeline) is out of scope
// for this module and is expected to call this directly.
func (e *Engine) IngestTranscription(seg eam.Segment) {
	e.eam.Ingest(seg)
}

// Aircraft returns the tracker's union view of ADS-B and recent ACARS
// positions.
func (e *Engine) Aircraft(ctx context.Context) []models.AircraftTrack {
	return e.tracker.Positions(ctx)
}

// ActiveHFGCS returns the HFGCS tracker's currently tracked aircraft.
func (e *Engine) ActiveHFGCS() []models.HFGCSAircraft {
	return e.hfgcs.Active()
}

func (e *Engine) sourcesProbe(ctx context.Context) telemetryhealth.ProbeResult {
	statuses := e.sources.Status()
	for name, st := range statuses {
		if st.Enabled && !st.Connected {
			return telemetryhealth.Degraded("sources", fmt.Sprintf("%s disconnected: %s", name, st.LastError))
		}
	}
	return telemetryhealth.Healthy("sources")
}

func (e *Engine) hubProbe(ctx context.Context) telemetryhealth.ProbeResult {
	depth := e.hub.QueueDepth()
	if depth >= e.cfg.Hub.QueueHardLimit {
		return telemetryhealth.Unhealthy("hub", "adsb batch queue at hard limit")
	}
	if depth >= e.cfg.Hub.QueueWarnThreshold {
		return telemetryhealth.Degraded("hub", "adsb batch queue above warn threshold")
	}
	return telemetryhealth.Healthy("hub")
}

func (e *Engine) metricsProbe(ctx context.Context) telemetryhealth.ProbeResult {
	if err := e.internal.Health(ctx); err != nil {
		return telemetryhealth.Degraded("metrics", err.Error())
	}
	return telemetryhealth.Healthy("metrics")
}
