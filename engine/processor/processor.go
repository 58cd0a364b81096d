// Package processor implements the single normalization point between
// raw adapter records and the canonical Message shape consumed by the
// trackers, the broadcast hub, and persistence.
package processor

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/sources"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
	internalmetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
)

// Persister is the narrow slice of the persistence facade the
// processor needs.
type Persister interface {
	SaveMessage(ctx context.Context, msg models.Message) error
}

// Tracker is the aircraft tracker's ingestion surface.
type Tracker interface {
	Upsert(msg models.Message)
}

// HFGCSClassifier is the HFGCS tracker's ingestion surface. Observe
// reports whether msg matched a configured HFGCS type.
type HFGCSClassifier interface {
	Observe(msg models.Message) bool
}

// Broadcaster is the broadcast hub's ingestion surface.
type Broadcaster interface {
	PublishMessage(msg models.Message)
}

// Config tunes the significant-change thresholds.
type Config struct {
	PositionThresholdMeters float64
	AltitudeThresholdFt     float64
	SpeedThresholdKt        float64
	HeadingThresholdDeg     float64
	HeartbeatInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PositionThresholdMeters: 100,
		AltitudeThresholdFt:     50,
		SpeedThresholdKt:        5,
		HeadingThresholdDeg:     2,
		HeartbeatInterval:       30 * time.Second,
	}
}

// Processor is the single normalization point. It is safe for concurrent
// use by multiple adapter goroutines.
type Processor struct {
	cfg Config

	persistence Persister
	tracker     Tracker
	hfgcs       HFGCSClassifier
	hub         Broadcaster
	logger      logging.Logger

	mu        sync.Mutex
	lastEmit  map[string]snapshot
	firstSeen map[string]time.Time

	discarded internalmetrics.Counter
	emitted   internalmetrics.Counter
}

type snapshot struct {
	msg models.Message
	at  time.Time
}

type Deps struct {
	Persistence Persister
	Tracker     Tracker
	HFGCS       HFGCSClassifier
	Hub         Broadcaster
	Logger      logging.Logger
	Metrics     internalmetrics.Provider
}

func New(cfg Config, deps Deps) *Processor {
	p := &Processor{
		cfg:         cfg,
		persistence: deps.Persistence,
		tracker:     deps.Tracker,
		hfgcs:       deps.HFGCS,
		hub:         deps.Hub,
		logger:      deps.Logger,
		lastEmit:    make(map[string]snapshot),
		firstSeen:   make(map[string]time.Time),
	}
	if deps.Metrics != nil {
		p.discarded = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "processor", Name: "discarded_total", Help: "Records discarded during normalization", Labels: []string{"reason"},
		}})
		p.emitted = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "processor", Name: "emitted_total", Help: "Normalized messages emitted downstream",
		}})
	}
	return p
}

// Handle normalizes one raw record and, if it passes validation and (for
// streaming sources) the significant-change test, dispatches it to
// persistence, the trackers, and the broadcast hub. A normalization
// failure is logged with the raw record's source and discarded; it never
// stops the pipeline.
func (p *Processor) Handle(raw sources.RawRecord) {
	msg, err := p.normalize(raw)
	if err != nil {
		p.count(p.discarded, "invalid")
		if p.logger != nil {
			p.logger.ErrorCtx(context.Background(), "discarding invalid record", "source", raw.SourceName, "err", err.Error())
		}
		return
	}

	if isStreaming(raw.SourceType) {
		if !p.significantChange(msg) {
			return
		}
	}

	p.dispatch(msg)
	p.count(p.emitted, "")
}

func (p *Processor) count(c internalmetrics.Counter, label string) {
	if c == nil {
		return
	}
	if label == "" {
		c.Inc(1)
		return
	}
	c.Inc(1, label)
}

func isStreaming(sourceType string) bool {
	return sourceType == string(models.SourceADSB)
}

func (p *Processor) dispatch(msg models.Message) {
	if p.persistence != nil {
		if err := p.persistence.SaveMessage(context.Background(), msg); err != nil && p.logger != nil {
			p.logger.ErrorCtx(context.Background(), "persist message failed", "id", msg.ID, "err", err.Error())
		}
	}
	if p.tracker != nil {
		p.tracker.Upsert(msg)
	}
	if p.hfgcs != nil {
		p.hfgcs.Observe(msg)
	}
	if p.hub != nil {
		p.hub.PublishMessage(msg)
	}
}

// normalize coerces identifiers, validates required fields, and derives
// and derive on_ground/military/flight_phase.
func (p *Processor) normalize(raw sources.RawRecord) (models.Message, error) {
	payload := raw.Payload
	sourceType := models.SourceType(raw.SourceType)

	hex := models.CanonicalHex(firstString(payload, "hex", "icao"))
	flight := strings.TrimSpace(firstString(payload, "flight", "call", "callsign"))
	tail := strings.TrimSpace(firstString(payload, "tail", "reg", "r", "registration"))

	var posPtr *models.Position
	lat, latOK := firstFloat(payload, "lat")
	lon, lonOK := firstFloat(payload, "lon")
	if latOK && lonOK {
		alt, _ := firstFloat(payload, "alt", "alt_baro", "galt", "altitude_ft")
		pos := models.Position{Lat: lat, Lon: lon, AltitudeFt: alt}
		if !pos.Valid() {
			return models.Message{}, errInvalidPosition
		}
		posPtr = &pos
	}

	switch sourceType {
	case models.SourceADSB:
		if hex == "" || posPtr == nil {
			return models.Message{}, errMissingRequiredFields
		}
	case models.SourceACARS:
		if tail == "" && flight == "" {
			return models.Message{}, errMissingRequiredFields
		}
	}

	onGround := firstBool(payload, "on_ground", "gnd")
	gs, _ := firstFloat(payload, "gs", "ground_speed_kt", "spd")
	heading, _ := firstFloat(payload, "trak", "track", "heading_deg")
	vrate, _ := firstFloat(payload, "vsi", "baro_rate", "vertical_rate_fpm")
	squawk := firstString(payload, "sqk", "squawk")

	military := firstBool(payload, "mil", "military") || models.IsMilitaryHex(hex)
	phase := models.DeriveFlightPhase(onGround, vrate)

	firstSeen := p.firstSeenFor(hex, raw.ReceivedAt)
	id := models.MessageID(orDefault(raw.StationID, raw.SourceName), hex, firstSeen)
	if id == "__" || hex == "" {
		id = models.MessageID(orDefault(raw.StationID, raw.SourceName), flight, firstSeen)
	}

	msg := models.Message{
		ID:        id,
		Timestamp: timeOrNow(raw.ReceivedAt),
		Source: models.Source{
			Type:      sourceType,
			StationID: raw.StationID,
			API:       raw.API,
		},
		Hex:             hex,
		Tail:            tail,
		Flight:          flight,
		Position:        posPtr,
		GroundSpeedKt:   gs,
		HeadingDeg:      normalizeHeading(heading),
		VerticalRateFpm: vrate,
		OnGround:        onGround,
		Squawk:          squawk,
		Military:        military,
		FlightPhase:     string(phase),
		Validation:      models.Validation{Valid: true},
		RawSourceID:     raw.SourceName,
	}
	if msg.Position != nil {
		msg.Coordinates = formatCoordinates(msg.Position.Lat, msg.Position.Lon)
	}
	return msg, nil
}

func (p *Processor) firstSeenFor(hex string, now time.Time) time.Time {
	if hex == "" {
		return timeOrNow(now)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.firstSeen[hex]; ok {
		return t
	}
	t := timeOrNow(now)
	p.firstSeen[hex] = t
	return t
}

// significantChange reports whether to emit: only when the new
// message differs meaningfully from the last emitted snapshot for the
// same hex, or 30s have elapsed since the last emission (heartbeat).
func (p *Processor) significantChange(msg models.Message) bool {
	if msg.Hex == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.lastEmit[msg.Hex]
	now := timeOrNow(msg.Timestamp)
	if !ok {
		p.lastEmit[msg.Hex] = snapshot{msg: msg, at: now}
		return true
	}
	if now.Sub(prev.at) >= p.cfg.HeartbeatInterval {
		p.lastEmit[msg.Hex] = snapshot{msg: msg, at: now}
		return true
	}
	if p.differsSignificantly(prev.msg, msg) {
		p.lastEmit[msg.Hex] = snapshot{msg: msg, at: now}
		return true
	}
	return false
}

func (p *Processor) differsSignificantly(a, b models.Message) bool {
	if a.Position != nil && b.Position != nil {
		if haversineMeters(a.Position.Lat, a.Position.Lon, b.Position.Lat, b.Position.Lon) > p.cfg.PositionThresholdMeters {
			return true
		}
		if math.Abs(a.Position.AltitudeFt-b.Position.AltitudeFt) >= p.cfg.AltitudeThresholdFt {
			return true
		}
	} else if (a.Position == nil) != (b.Position == nil) {
		return true
	}
	if math.Abs(a.GroundSpeedKt-b.GroundSpeedKt) >= p.cfg.SpeedThresholdKt {
		return true
	}
	if headingDelta(a.HeadingDeg, b.HeadingDeg) >= p.cfg.HeadingThresholdDeg {
		return true
	}
	if a.OnGround != b.OnGround {
		return true
	}
	return false
}

func headingDelta(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func normalizeHeading(h float64) float64 {
	for h < 0 {
		h += 360
	}
	for h >= 360 {
		h -= 360
	}
	return h
}

// haversineMeters computes great-circle distance in meters between two
// lat/lon points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
