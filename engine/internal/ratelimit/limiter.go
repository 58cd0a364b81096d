// Package ratelimit implements an adaptive per-source-name rate limiter
// with a circuit breaker, used by HTTP-pull and interval-fetch source
// adapters to back off on 429s and suspend on sustained failures without
// the adapter itself having to track fill rates.
package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	engmodels "github.com/aerohub/aerohub/engine/models"
)

var ErrCircuitOpen = errors.New("ratelimit: circuit open")

type RateLimiter interface {
	Acquire(ctx context.Context, source string) (Permit, error)
	Feedback(source string, fb Feedback)
	Snapshot() LimiterSnapshot
	Close() error
}

type Permit interface{ Release() }

// Feedback reports the outcome of a request made after Acquire returned a
// Permit, driving AIMD fill-rate adjustment and circuit breaker transitions.
type Feedback struct {
	StatusCode int
	Latency    time.Duration
	Err        error
	RetryAfter time.Duration
}

type LimiterSnapshot struct {
	TotalRequests    int64
	Throttled        int64
	Denied           int64
	OpenCircuits     int64
	HalfOpenCircuits int64
	Sources          []SourceSummary
}

type SourceSummary struct {
	Source       string
	FillRate     float64
	CircuitState string
	LastActivity time.Time
}

// AdaptiveRateLimiter shards per-source state across a fixed power-of-two
// number of shards to keep lock contention low when many sources are
// active concurrently.
type AdaptiveRateLimiter struct {
	cfg           engmodels.RateLimitConfig
	clock         Clock
	shards        []*sourceShard
	mask          uint64
	metricsMu     sync.Mutex
	metrics       LimiterSnapshot
	stopCh        chan struct{}
	evictWG       sync.WaitGroup
	evictInterval time.Duration
	stopOnce      sync.Once
}

type sourceShard struct {
	mu      sync.RWMutex
	sources map[string]*sourceState
}

func (l *AdaptiveRateLimiter) shardIndex(source string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return uint64(h.Sum32()) & l.mask
}

func (l *AdaptiveRateLimiter) getOrCreateSourceState(source string) *sourceState {
	idx := l.shardIndex(source)
	shard := l.shards[idx]
	shard.mu.RLock()
	state := shard.sources[source]
	shard.mu.RUnlock()
	if state != nil {
		return state
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if state = shard.sources[source]; state == nil {
		state = newSourceState(l.cfg, l.clock.Now())
		shard.sources[source] = state
	}
	return state
}

func (l *AdaptiveRateLimiter) withMetrics(mutator func(*LimiterSnapshot)) {
	l.metricsMu.Lock()
	mutator(&l.metrics)
	l.metricsMu.Unlock()
}

func NewAdaptiveRateLimiter(cfg engmodels.RateLimitConfig) *AdaptiveRateLimiter {
	if cfg.Shards <= 0 || (cfg.Shards&(cfg.Shards-1)) != 0 {
		cfg.Shards = 16
	}
	if cfg.DomainStateTTL <= 0 {
		cfg.DomainStateTTL = 2 * time.Minute
	}
	shards := make([]*sourceShard, cfg.Shards)
	for i := range shards {
		shards[i] = &sourceShard{sources: make(map[string]*sourceState)}
	}
	interval := cfg.DomainStateTTL / 2
	if interval <= 0 {
		interval = cfg.DomainStateTTL
	}
	if interval <= 0 {
		interval = time.Minute
	}
	limiter := &AdaptiveRateLimiter{cfg: cfg, clock: realClock{}, shards: shards, mask: uint64(cfg.Shards - 1), stopCh: make(chan struct{}), evictInterval: interval}
	limiter.startEvictionLoop()
	return limiter
}

func (l *AdaptiveRateLimiter) WithClock(clock Clock) *AdaptiveRateLimiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

func (l *AdaptiveRateLimiter) Acquire(ctx context.Context, source string) (Permit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.cfg.Enabled {
		return immediatePermit{}, nil
	}
	normalized, err := normalizeSourceName(source)
	if err != nil {
		return nil, err
	}
	state := l.getOrCreateSourceState(normalized)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		now := l.clock.Now()
		wait, err := state.planRequest(l.cfg, now)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				l.withMetrics(func(m *LimiterSnapshot) { m.Denied++ })
			}
			return nil, err
		}
		if wait <= 0 {
			l.withMetrics(func(m *LimiterSnapshot) { m.TotalRequests++ })
			return immediatePermit{}, nil
		}
		l.withMetrics(func(m *LimiterSnapshot) { m.Throttled++ })
		if !sleepWithContext(ctx, l.clock, wait) {
			return nil, ctx.Err()
		}
	}
}

// Feedback reports a completed request's outcome. A transport error, a 5xx
// or a 429 multiplies the fill rate by AIMDDecrease (floored at MinRPS) and
// counts toward tripping the circuit breaker; any other response multiplies
// it by 1+AIMDIncrease (capped at MaxRPS). Each clean response raises the
// rate on its own; no run of successes is required first.
func (l *AdaptiveRateLimiter) Feedback(source string, fb Feedback) {
	if !l.cfg.Enabled {
		return
	}
	normalized, err := normalizeSourceName(source)
	if err != nil {
		return
	}
	state := l.getOrCreateSourceState(normalized)
	state.applyFeedback(l.cfg, fb, l.clock.Now())
}

func (l *AdaptiveRateLimiter) Snapshot() LimiterSnapshot {
	base := func() LimiterSnapshot { l.metricsMu.Lock(); defer l.metricsMu.Unlock(); return l.metrics }()
	var open, halfOpen int64
	var sources []SourceSummary
	for _, shard := range l.shards {
		shard.mu.RLock()
		for name, state := range shard.sources {
			state.mu.Lock()
			cs := "closed"
			switch state.breaker.state {
			case circuitOpen:
				cs = "open"
				open++
			case circuitHalfOpen:
				cs = "half-open"
				halfOpen++
			}
			sources = append(sources, SourceSummary{Source: name, FillRate: state.fillRate, CircuitState: cs, LastActivity: state.lastActivity})
			state.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	if len(sources) > 1 {
		for i := 1; i < len(sources); i++ {
			j := i
			for j > 0 && sources[j-1].LastActivity.Before(sources[j].LastActivity) {
				sources[j-1], sources[j] = sources[j], sources[j-1]
				j--
			}
		}
	}
	if len(sources) > 10 {
		sources = append([]SourceSummary(nil), sources[:10]...)
	}
	base.Sources = sources
	base.OpenCircuits = open
	base.HalfOpenCircuits = halfOpen
	return base
}

type immediatePermit struct{}

func (immediatePermit) Release() {}

func (l *AdaptiveRateLimiter) startEvictionLoop() { l.evictWG.Add(1); go l.evictLoop() }

func (l *AdaptiveRateLimiter) evictLoop() {
	defer l.evictWG.Done()
	ticker := time.NewTicker(l.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdleSources()
		case <-l.stopCh:
			return
		}
	}
}

func (l *AdaptiveRateLimiter) evictIdleSources() {
	ttl := l.cfg.DomainStateTTL
	if ttl <= 0 {
		return
	}
	now := l.clock.Now()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for source, state := range shard.sources {
			state.mu.Lock()
			idle := now.Sub(state.lastActivity)
			state.mu.Unlock()
			if idle >= ttl {
				delete(shard.sources, source)
			}
		}
		shard.mu.Unlock()
	}
}

func (l *AdaptiveRateLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh); l.evictWG.Wait() })
	return nil
}

func sleepWithContext(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	if ctx == nil {
		clock.Sleep(d)
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

type breakerState struct {
	state       int
	nextAttempt time.Time
	failures    int
	successes   int
}

type sourceState struct {
	mu           sync.Mutex
	lastActivity time.Time
	fillRate     float64
	breaker      breakerState
	tokens       float64
	lastRefill   time.Time
}

func newSourceState(cfg engmodels.RateLimitConfig, now time.Time) *sourceState {
	rate := cfg.InitialRPS
	if rate <= 0 {
		rate = 1
	}
	capacity := cfg.TokenBucketCapacity
	if capacity <= 0 {
		capacity = 10
	}
	return &sourceState{lastActivity: now, fillRate: rate, tokens: capacity, lastRefill: now}
}

func (d *sourceState) planRequest(cfg engmodels.RateLimitConfig, now time.Time) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now
	if d.breaker.state == circuitOpen {
		if now.After(d.breaker.nextAttempt) {
			d.breaker.state = circuitHalfOpen
		} else {
			return 0, ErrCircuitOpen
		}
	}
	capacity := cfg.TokenBucketCapacity
	if capacity <= 0 {
		capacity = 10
	}
	elapsed := now.Sub(d.lastRefill).Seconds()
	if elapsed > 0 {
		d.tokens += elapsed * d.fillRate
		if d.tokens > capacity {
			d.tokens = capacity
		}
		d.lastRefill = now
	}
	if d.tokens >= 1 {
		d.tokens -= 1
		return 0, nil
	}
	waitSeconds := (1 - d.tokens) / math.Max(d.fillRate, 0.05)
	return time.Duration(waitSeconds * float64(time.Second)), nil
}

// applyFeedback implements AIMD: a congestion signal (429, 5xx, transport
// error) multiplicatively decreases fillRate; a clean response additively
// increases it, per cfg.AIMDDecrease/AIMDIncrease. The circuit breaker
// trips open after ConsecutiveFailThreshold failures and requires
// HalfOpenProbes consecutive successes to fully close again.
func (d *sourceState) applyFeedback(cfg engmodels.RateLimitConfig, fb Feedback, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now

	minRPS := cfg.MinRPS
	if minRPS <= 0 {
		minRPS = 0.1
	}
	maxRPS := cfg.MaxRPS
	if maxRPS <= 0 {
		maxRPS = 5
	}
	decrease := cfg.AIMDDecrease
	if decrease <= 0 {
		decrease = 0.5
	}
	increase := cfg.AIMDIncrease
	if increase <= 0 {
		increase = 0.2
	}
	failThreshold := cfg.ConsecutiveFailThreshold
	if failThreshold <= 0 {
		failThreshold = 5
	}
	halfOpenProbes := cfg.HalfOpenProbes
	if halfOpenProbes <= 0 {
		halfOpenProbes = 2
	}
	openDuration := cfg.OpenStateDuration
	if openDuration <= 0 {
		openDuration = 5 * time.Second
	}

	congested := fb.Err != nil || fb.StatusCode >= 500 || fb.StatusCode == 429
	if congested {
		d.fillRate *= decrease
		if d.fillRate < minRPS {
			d.fillRate = minRPS
		}
		d.breaker.failures++
		d.breaker.successes = 0
	} else {
		d.fillRate *= 1 + increase
		if d.fillRate > maxRPS {
			d.fillRate = maxRPS
		}
		if d.breaker.state == circuitHalfOpen {
			d.breaker.successes++
		}
		d.breaker.failures = 0
	}

	switch d.breaker.state {
	case circuitHalfOpen:
		if d.breaker.successes >= halfOpenProbes {
			d.breaker = breakerState{state: circuitClosed}
		} else if congested {
			d.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(openDuration)}
		}
	case circuitClosed:
		if d.breaker.failures >= failThreshold {
			d.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(openDuration)}
		}
	}
}

func normalizeSourceName(source string) (string, error) {
	if source == "" {
		return "", errors.New("empty source name")
	}
	return source, nil
}
