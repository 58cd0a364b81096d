package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/aerohub/aerohub/engine/hub"
	"github.com/aerohub/aerohub/engine/internal/ratelimit"
	"github.com/aerohub/aerohub/engine/internal/resources"
	imetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/persistence"
	telemetrymetrics "github.com/aerohub/aerohub/engine/telemetry/metrics"
)

// bridgeProvider adapts the public telemetry/metrics.Provider an embedder
// selects via Config.MetricsBackend to the narrower internal/telemetry
// metrics.Provider every module actually depends on. Counter, Gauge and
// Histogram values are interface-assignable across the two packages
// directly (identical method sets); only the *Opts structs and NewTimer's
// factory function need explicit translation.
type bridgeProvider struct {
	inner telemetrymetrics.Provider
}

func bridgeCommon(o imetrics.CommonOpts) telemetrymetrics.CommonOpts {
	return telemetrymetrics.CommonOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Labels:    o.Labels,
	}
}

func (b bridgeProvider) NewCounter(o imetrics.CounterOpts) imetrics.Counter {
	return b.inner.NewCounter(telemetrymetrics.CounterOpts{CommonOpts: bridgeCommon(o.CommonOpts)})
}

func (b bridgeProvider) NewGauge(o imetrics.GaugeOpts) imetrics.Gauge {
	return b.inner.NewGauge(telemetrymetrics.GaugeOpts{CommonOpts: bridgeCommon(o.CommonOpts)})
}

func (b bridgeProvider) NewHistogram(o imetrics.HistogramOpts) imetrics.Histogram {
	return b.inner.NewHistogram(telemetrymetrics.HistogramOpts{
		CommonOpts: bridgeCommon(o.CommonOpts),
		Buckets:    o.Buckets,
	})
}

func (b bridgeProvider) NewTimer(o imetrics.HistogramOpts) func() imetrics.Timer {
	factory := b.inner.NewTimer(telemetrymetrics.HistogramOpts{
		CommonOpts: bridgeCommon(o.CommonOpts),
		Buckets:    o.Buckets,
	})
	return func() imetrics.Timer { return factory() }
}

func (b bridgeProvider) Health(ctx context.Context) error { return b.inner.Health(ctx) }

// gatedPersistence wraps persistence.Facade, bounding concurrent write
// calls through the shared resources.Manager semaphore. Every read method
// passes through unchanged via the embedded interface.
type gatedPersistence struct {
	persistence.Facade
	res *resources.Manager
}

func (g *gatedPersistence) SaveMessage(ctx context.Context, msg models.Message) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.SaveMessage(ctx, msg)
}

func (g *gatedPersistence) UpdateAircraftTracking(ctx context.Context, msg models.Message) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.UpdateAircraftTracking(ctx, msg)
}

func (g *gatedPersistence) SaveHFGCSAircraft(ctx context.Context, a models.HFGCSAircraft) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.SaveHFGCSAircraft(ctx, a)
}

func (g *gatedPersistence) SaveEAMMessage(ctx context.Context, e models.EAMMessage) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.SaveEAMMessage(ctx, e)
}

func (g *gatedPersistence) UpdateEAMRepeat(ctx context.Context, id string, recordingIDs []string) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.UpdateEAMRepeat(ctx, id, recordingIDs)
}

func (g *gatedPersistence) SaveATCRecording(ctx context.Context, r models.ATCRecording) error {
	if err := g.res.Acquire(ctx); err != nil {
		return err
	}
	defer g.res.Release()
	return g.Facade.SaveATCRecording(ctx, r)
}

// gatedHub wraps hub.Hub's publish methods with the same semaphore,
// bounding subscriber fan-out. It satisfies processor.Broadcaster,
// hfgcs.Broadcaster and eam.Broadcaster at once since Go interface
// satisfaction is structural.
type gatedHub struct {
	*hub.Hub
	res *resources.Manager
}

func (g *gatedHub) PublishMessage(msg models.Message) {
	if err := g.res.Acquire(context.Background()); err != nil {
		return
	}
	defer g.res.Release()
	g.Hub.PublishMessage(msg)
}

func (g *gatedHub) PublishHFGCSEvent(ev models.HFGCSLifecycleEvent) {
	if err := g.res.Acquire(context.Background()); err != nil {
		return
	}
	defer g.res.Release()
	g.Hub.PublishHFGCSEvent(ev)
}

func (g *gatedHub) PublishEAMEvent(eventType models.SubscriptionEventType, e models.EAMMessage) {
	if err := g.res.Acquire(context.Background()); err != nil {
		return
	}
	defer g.res.Release()
	g.Hub.PublishEAMEvent(eventType, e)
}

// rateLimitedTransport gates outbound HTTP calls for one named source
// through the shared adaptive rate limiter, feeding observed status and
// latency back in so AIMD and the circuit breaker can react to upstream
// behavior.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter ratelimit.RateLimiter
	source  string
}

func rateLimitedClient(limiter ratelimit.RateLimiter, source string, client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out := *client
	out.Transport = &rateLimitedTransport{base: base, limiter: limiter, source: source}
	return &out
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	permit, err := t.limiter.Acquire(req.Context(), t.source)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	latency := time.Since(start)

	fb := ratelimit.Feedback{Latency: latency, Err: err}
	if resp != nil {
		fb.StatusCode = resp.StatusCode
	}
	t.limiter.Feedback(t.source, fb)
	return resp, err
}
