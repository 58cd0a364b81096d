// Package tracker implements the aircraft tracker: an in-memory
// hex -> Track index fed by the message processor, with periodic staleness
// eviction and a union view over tracked ADS-B positions and recent ACARS
// positions pulled from persistence.
package tracker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	internalmetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// PositionSource is the persistence slice positions() needs: recent ACARS
// fixes to union with the currently tracked ADS-B set.
type PositionSource interface {
	GetAircraftPositions(ctx context.Context) ([]models.AircraftTrack, error)
}

// Config tunes the cap and eviction behavior.
type Config struct {
	MaxTrackPoints int
	ADSBTrackTTL   time.Duration
	HFGCSTrackTTL  time.Duration
	EvictionPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTrackPoints: 1000,
		ADSBTrackTTL:   time.Hour,
		HFGCSTrackTTL:  24 * time.Hour,
		EvictionPeriod: 30 * time.Second,
	}
}

// track is the tracker's private mutable state for one aircraft; Snapshot
// returns an immutable copy to external callers so concurrent readers
// never observe a track mid-update.
type track struct {
	aircraftID   string
	hex          string
	flight       string
	tail         string
	aircraftType string
	sourceType   models.SourceType

	firstSeen time.Time
	lastSeen  time.Time

	positionCount int
	current       *models.Position
	groundSpeedKt float64
	headingDeg    float64
	onGround      bool

	points []models.TrackPoint
}

func (t *track) snapshot() models.AircraftTrack {
	points := make([]models.TrackPoint, len(t.points))
	copy(points, t.points)
	return models.AircraftTrack{
		AircraftID:      t.aircraftID,
		Hex:             t.hex,
		Flight:          t.flight,
		Tail:            t.tail,
		AircraftType:    t.aircraftType,
		FirstSeen:       t.firstSeen,
		LastSeen:        t.lastSeen,
		PositionCount:   t.positionCount,
		CurrentPosition: t.current,
		GroundSpeedKt:   t.groundSpeedKt,
		HeadingDeg:      t.headingDeg,
		OnGround:        t.onGround,
		TrackPoints:     points,
	}
}

// Tracker owns the hex -> track index. It is designed to be driven by one
// logical actor (a single goroutine calling Upsert and a periodic eviction
// loop); external readers only ever see Snapshot copies.
type Tracker struct {
	cfg Config

	persistence PositionSource
	bus         events.Bus
	logger      logging.Logger

	mu     sync.Mutex
	tracks map[string]*track

	evicted internalmetrics.Counter
}

type Deps struct {
	Persistence PositionSource
	Bus         events.Bus
	Logger      logging.Logger
	Metrics     internalmetrics.Provider
}

func New(cfg Config, deps Deps) *Tracker {
	if cfg.MaxTrackPoints <= 0 {
		cfg.MaxTrackPoints = 1000
	}
	if cfg.ADSBTrackTTL <= 0 {
		cfg.ADSBTrackTTL = time.Hour
	}
	if cfg.HFGCSTrackTTL <= 0 {
		cfg.HFGCSTrackTTL = 24 * time.Hour
	}
	if cfg.EvictionPeriod <= 0 {
		cfg.EvictionPeriod = 30 * time.Second
	}
	tr := &Tracker{
		cfg:         cfg,
		persistence: deps.Persistence,
		bus:         deps.Bus,
		logger:      deps.Logger,
		tracks:      make(map[string]*track),
	}
	if deps.Metrics != nil {
		tr.evicted = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "tracker", Name: "evicted_total", Help: "Tracks removed by staleness eviction",
		}})
	}
	return tr
}

// Upsert creates or updates the track for msg.Hex. A track point is
// appended only when the position actually changed, and the point list is
// capped FIFO at cfg.MaxTrackPoints.
func (tr *Tracker) Upsert(msg models.Message) {
	if msg.Hex == "" {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tracks[msg.Hex]
	if !ok {
		t = &track{
			aircraftID: msg.Hex,
			hex:        msg.Hex,
			firstSeen:  msg.Timestamp,
			sourceType: msg.Source.Type,
		}
		tr.tracks[msg.Hex] = t
	}
	if msg.Flight != "" {
		t.flight = msg.Flight
	}
	if msg.Tail != "" {
		t.tail = msg.Tail
	}
	if msg.AircraftType != "" {
		t.aircraftType = msg.AircraftType
	}
	t.lastSeen = msg.Timestamp
	t.groundSpeedKt = msg.GroundSpeedKt
	t.headingDeg = msg.HeadingDeg
	t.onGround = msg.OnGround

	if msg.Position != nil && positionChanged(t.current, msg.Position) {
		t.current = msg.Position
		t.positionCount++
		t.points = append(t.points, models.TrackPoint{
			Lat: msg.Position.Lat, Lon: msg.Position.Lon,
			AltitudeFt: msg.Position.AltitudeFt, Timestamp: msg.Timestamp,
		})
		if len(t.points) > tr.cfg.MaxTrackPoints {
			excess := len(t.points) - tr.cfg.MaxTrackPoints
			t.points = t.points[excess:]
		}
	}
}

func positionChanged(prev, next *models.Position) bool {
	if prev == nil {
		return true
	}
	return prev.Lat != next.Lat || prev.Lon != next.Lon || prev.AltitudeFt != next.AltitudeFt
}

// Snapshot returns an immutable copy of the track for hex, if any.
func (tr *Tracker) Snapshot(hex string) (models.AircraftTrack, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tracks[hex]
	if !ok {
		return models.AircraftTrack{}, false
	}
	return t.snapshot(), true
}

// All returns immutable copies of every currently tracked aircraft.
func (tr *Tracker) All() []models.AircraftTrack {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]models.AircraftTrack, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		out = append(out, t.snapshot())
	}
	return out
}

// EvictStale removes tracks idle longer than the configured TTL for their
// source type, emitting an aircraft_lost event per eviction. Intended to
// be called by a periodic ticker loop (Run).
func (tr *Tracker) EvictStale(now time.Time) {
	tr.mu.Lock()
	var lost []models.AircraftTrack
	for hex, t := range tr.tracks {
		ttl := tr.cfg.ADSBTrackTTL
		if t.sourceType == models.SourceHF {
			ttl = tr.cfg.HFGCSTrackTTL
		}
		if now.Sub(t.lastSeen) > ttl {
			lost = append(lost, t.snapshot())
			delete(tr.tracks, hex)
		}
	}
	tr.mu.Unlock()

	for _, snap := range lost {
		if tr.evicted != nil {
			tr.evicted.Inc(1)
		}
		if tr.logger != nil {
			tr.logger.InfoCtx(context.Background(), "aircraft track evicted", "hex", snap.Hex, "last_seen", snap.LastSeen)
		}
		if tr.bus != nil {
			_ = tr.bus.Publish(events.Event{
				Category: events.CategoryTracker,
				Type:     "aircraft_lost",
				Labels:   map[string]string{"hex": snap.Hex},
				Fields:   map[string]interface{}{"aircraft_id": snap.AircraftID, "last_seen": snap.LastSeen},
			})
		}
	}
}

// Run drives periodic eviction until ctx is canceled. Callers that want
// the tracker's staleness sweep simply launch this in its own goroutine.
func (tr *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(tr.cfg.EvictionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tr.EvictStale(now)
		}
	}
}

// Positions returns the union of recent ACARS positions (joined from
// persistence, deduplicated by flight+tail+lat+lon) and every currently
// tracked ADS-B position.
func (tr *Tracker) Positions(ctx context.Context) []models.AircraftTrack {
	seen := make(map[string]struct{})
	var out []models.AircraftTrack

	for _, snap := range tr.adsbPositions() {
		out = append(out, snap)
		seen[positionDedupeKey(snap)] = struct{}{}
	}

	if tr.persistence != nil {
		acars, err := tr.persistence.GetAircraftPositions(ctx)
		if err != nil {
			if tr.logger != nil {
				tr.logger.ErrorCtx(ctx, "tracker: load acars positions failed", "err", err.Error())
			}
		} else {
			for _, snap := range acars {
				key := positionDedupeKey(snap)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, snap)
			}
		}
	}
	return out
}

func (tr *Tracker) adsbPositions() []models.AircraftTrack {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]models.AircraftTrack, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		if t.sourceType != models.SourceADSB || t.current == nil {
			continue
		}
		out = append(out, t.snapshot())
	}
	return out
}

func positionDedupeKey(t models.AircraftTrack) string {
	if t.CurrentPosition == nil {
		return t.Flight + "|" + t.Tail
	}
	return t.Flight + "|" + t.Tail + "|" +
		formatCoord(t.CurrentPosition.Lat) + "|" + formatCoord(t.CurrentPosition.Lon)
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', 5, 64)
}
