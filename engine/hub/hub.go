// Package hub implements the broadcast hub: the subscriber-facing
// fan-out of normalized messages and lifecycle events, distinct from the
// internal diagnostic event bus. ADS-B traffic is batched on a ticker;
// ACARS, HFGCS, EAM, and conflict events are dispatched immediately.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	internalmetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// Config tunes the batching, backpressure, and heartbeat behavior.
type Config struct {
	BroadcastInterval      time.Duration
	BatchLimit             int
	QueueWarnThreshold     int
	QueueHardLimit         int
	BackpressureThreshold  int64 // bytes
	HeartbeatInterval      time.Duration
	MaxMissedHeartbeats    int
}

func DefaultConfig() Config {
	return Config{
		BroadcastInterval:     500 * time.Millisecond,
		BatchLimit:            100,
		QueueWarnThreshold:    100,
		QueueHardLimit:        10000,
		BackpressureThreshold: 100 * 1024,
		HeartbeatInterval:     30 * time.Second,
		MaxMissedHeartbeats:   2,
	}
}

// subscriberState is the per-subscriber state machine: connecting -> open
// -> closing -> closed.
type subscriberState int

const (
	stateConnecting subscriberState = iota
	stateOpen
	stateClosing
	stateClosed
)

type subscriberEntry struct {
	sub           models.Subscriber
	state         subscriberState
	missedBeats   int
	originOK      bool
}

// Hub owns the subscriber set and the ADS-B batch queue. It is designed to
// be driven by one logical actor (Run) plus whatever goroutines call the
// Publish* methods concurrently.
type Hub struct {
	cfg Config

	logger logging.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriberEntry
	queue       []models.Message

	slowSubscriber internalmetrics.Counter
	queueWarnings  internalmetrics.Counter
	queueDrops     internalmetrics.Counter
	terminated     internalmetrics.Counter
}

type Deps struct {
	Logger  logging.Logger
	Metrics internalmetrics.Provider
}

func New(cfg Config, deps Deps) *Hub {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 500 * time.Millisecond
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.QueueWarnThreshold <= 0 {
		cfg.QueueWarnThreshold = 100
	}
	if cfg.QueueHardLimit <= 0 {
		cfg.QueueHardLimit = 10000
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = 100 * 1024
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 2
	}
	h := &Hub{
		cfg:         cfg,
		logger:      deps.Logger,
		subscribers: make(map[string]*subscriberEntry),
	}
	if deps.Metrics != nil {
		h.slowSubscriber = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "hub", Name: "slow_subscriber_total", Help: "Sends skipped due to subscriber backpressure",
		}})
		h.queueWarnings = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "hub", Name: "queue_warnings_total", Help: "Times the ADS-B batch queue exceeded the warn threshold",
		}})
		h.queueDrops = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "hub", Name: "queue_drops_total", Help: "Oldest messages dropped when the ADS-B batch queue hit its hard limit",
		}})
		h.terminated = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "hub", Name: "subscribers_terminated_total", Help: "Subscribers terminated for missed heartbeats", Labels: []string{"reason"},
		}})
	}
	return h
}

// AdmitOptions controls subscriber admission.
type AdmitOptions struct {
	Origin            string
	AllowedOrigins    []string // empty means unrestricted
	ConnectionToken   string   // recorded for audit, never gates admission
}

// Admit registers a subscriber in the open state, rejecting it if a
// restricted origin policy is configured and Origin doesn't match.
func (h *Hub) Admit(sub models.Subscriber, opts AdmitOptions) bool {
	if len(opts.AllowedOrigins) > 0 && !originAllowed(opts.Origin, opts.AllowedOrigins) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID()] = &subscriberEntry{sub: sub, state: stateOpen, originOK: true}
	return true
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// Remove marks a subscriber closing, drops it from the set, and closes its
// transport with reason.
func (h *Hub) Remove(id string, reason string) {
	h.mu.Lock()
	entry, ok := h.subscribers[id]
	if ok {
		entry.state = stateClosing
	}
	delete(h.subscribers, id)
	h.mu.Unlock()
	if ok {
		_ = entry.sub.Close(reason)
	}
}

// PublishMessage implements processor.Broadcaster. ADS-B messages are
// queued for batching; every other source type is dispatched directly.
func (h *Hub) PublishMessage(msg models.Message) {
	if msg.Source.Type == models.SourceADSB {
		h.enqueueADSB(msg)
		return
	}
	h.broadcastDirect(models.EventACARS, msg)
}

func (h *Hub) enqueueADSB(msg models.Message) {
	h.mu.Lock()
	h.queue = append(h.queue, msg)
	n := len(h.queue)
	if n > h.cfg.QueueHardLimit {
		excess := n - h.cfg.QueueHardLimit
		h.queue = h.queue[excess:]
		if h.queueDrops != nil {
			h.queueDrops.Inc(float64(excess))
		}
	} else if n > h.cfg.QueueWarnThreshold {
		if h.queueWarnings != nil {
			h.queueWarnings.Inc(1)
		}
	}
	h.mu.Unlock()
}

// drainBatch removes up to BatchLimit queued ADS-B messages and dispatches
// them as one adsb_batch event per subscriber.
func (h *Hub) drainBatch() {
	h.mu.Lock()
	n := len(h.queue)
	if n == 0 {
		h.mu.Unlock()
		return
	}
	if n > h.cfg.BatchLimit {
		n = h.cfg.BatchLimit
	}
	batch := h.queue[:n]
	h.queue = h.queue[n:]
	h.mu.Unlock()

	h.broadcastBatch(models.EventADSBBatch, batch)
}

// PublishHFGCSEvent implements hfgcs.Broadcaster.
func (h *Hub) PublishHFGCSEvent(ev models.HFGCSLifecycleEvent) {
	h.broadcastDirect(models.EventHFGCSAircraft, ev)
}

// PublishEAMEvent implements eam.Broadcaster.
func (h *Hub) PublishEAMEvent(eventType models.SubscriptionEventType, e models.EAMMessage) {
	h.broadcastDirect(eventType, e)
}

// PublishConflictEvent dispatches conflict lifecycle events directly.
func (h *Hub) PublishConflictEvent(eventType models.SubscriptionEventType, data interface{}) {
	h.broadcastDirect(eventType, data)
}

func (h *Hub) broadcastDirect(eventType models.SubscriptionEventType, data interface{}) {
	h.broadcast(models.SubscriptionEvent{Type: eventType, Data: data, Timestamp: time.Now()})
}

// broadcastBatch emits a count-bearing event whose data is the batch itself,
// not wrapped in any envelope field.
func (h *Hub) broadcastBatch(eventType models.SubscriptionEventType, batch []models.Message) {
	h.broadcast(models.SubscriptionEvent{Type: eventType, Data: batch, Count: len(batch), Timestamp: time.Now()})
}

func (h *Hub) broadcast(event models.SubscriptionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		if h.logger != nil {
			h.logger.ErrorCtx(context.Background(), "hub: marshal event failed", "type", string(event.Type), "err", err.Error())
		}
		return
	}

	h.mu.Lock()
	entries := make([]*subscriberEntry, 0, len(h.subscribers))
	for _, e := range h.subscribers {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		h.sendTo(e, payload)
	}
}

// sendTo applies the per-subscriber backpressure policy before sending:
// above BackpressureThreshold buffered bytes, the send is skipped (not a
// disconnect) and a slow-subscriber counter increments.
func (h *Hub) sendTo(e *subscriberEntry, payload []byte) {
	if e.sub.BufferedBytes() > h.cfg.BackpressureThreshold {
		if h.slowSubscriber != nil {
			h.slowSubscriber.Inc(1)
		}
		return
	}
	if err := e.sub.Send(payload); err != nil && h.logger != nil {
		h.logger.ErrorCtx(context.Background(), "hub: subscriber send failed", "subscriber", e.sub.ID(), "err", err.Error())
	}
}

// Heartbeat probes every subscriber's liveness; a subscriber that misses
// MaxMissedHeartbeats consecutive probes is terminated.
func (h *Hub) Heartbeat() {
	h.mu.Lock()
	var toRemove []string
	for id, e := range h.subscribers {
		if e.sub.Liveness() {
			e.missedBeats = 0
			e.sub.MarkPing()
			continue
		}
		e.missedBeats++
		if e.missedBeats >= h.cfg.MaxMissedHeartbeats {
			toRemove = append(toRemove, id)
		}
	}
	h.mu.Unlock()

	for _, id := range toRemove {
		if h.terminated != nil {
			h.terminated.Inc(1, "missed_heartbeat")
		}
		h.Remove(id, "missed heartbeat")
	}
}

// Run drives the batch ticker and heartbeat ticker until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	batchTicker := time.NewTicker(h.cfg.BroadcastInterval)
	defer batchTicker.Stop()
	heartbeatTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-batchTicker.C:
			h.drainBatch()
		case <-heartbeatTicker.C:
			h.Heartbeat()
		}
	}
}

// SubscriberCount reports the current subscriber set size.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// QueueDepth reports the current ADS-B batch queue size.
func (h *Hub) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
