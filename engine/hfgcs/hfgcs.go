// Package hfgcs implements the HFGCS tracker: a configurable registry
// of military HF aircraft types classified by 24-bit hex range or callsign
// prefix, and the detected/updated/lost state machine per matched aircraft.
package hfgcs

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/internal/runtime"
	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	internalmetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// HexRange is an inclusive [Start, End] pair over 24-bit ICAO hex IDs.
type HexRange struct {
	Start uint32
	End   uint32
}

// TypeDefinition is one configured HFGCS aircraft type.
type TypeDefinition struct {
	ID               string     `yaml:"id"`
	Name             string     `yaml:"name"`
	HexRangesRaw     []string   `yaml:"hex_ranges"`
	CallsignPrefixes []string   `yaml:"callsign_prefixes"`
	hexRanges        []HexRange `yaml:"-"`
}

// registryFile is the on-disk shape DecodeYAML fills.
type registryFile struct {
	Types []TypeDefinition `yaml:"types"`
}

// DefaultTypes returns the built-in E-6B and E-4B definitions; it seeds
// the registry when no config file is present yet.
func DefaultTypes() []TypeDefinition {
	return []TypeDefinition{
		{
			ID: "e6b", Name: "E-6B Mercury",
			HexRangesRaw:     []string{"AE0C6E-AE0C7D", "AE1026-AE1027", "AE140B-AE1422"},
			CallsignPrefixes: []string{"IRON", "GOTO"},
		},
		{
			ID: "e4b", Name: "E-4B Nightwatch",
			HexRangesRaw:     []string{"ADFEB3-ADFEB6"},
			CallsignPrefixes: []string{"GORDO", "TITAN", "SLICK"},
		},
	}
}

// Classification is the result of matching a message against the registry.
type Classification struct {
	TypeID          string
	DetectionMethod models.DetectionMethod
}

// Persister is the narrow HFGCS slice of the persistence facade.
type Persister interface {
	SaveHFGCSAircraft(ctx context.Context, a models.HFGCSAircraft) error
}

// Broadcaster is the hub's ingestion surface for HFGCS lifecycle events;
// detected/updated/lost transitions dispatch there, separately from the
// internal diagnostic bus.
type Broadcaster interface {
	PublishHFGCSEvent(ev models.HFGCSLifecycleEvent)
}

type Config struct {
	// IdleTTL is how long an aircraft may go unobserved before its state
	// transitions from updated to lost.
	IdleTTL time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTTL: 24 * time.Hour}
}

// Tracker owns the type registry and the detected/updated/lost state
// machine per aircraft_id.
type Tracker struct {
	cfg Config

	persistence Persister
	hub         Broadcaster
	bus         events.Bus
	logger      logging.Logger

	regMu sync.RWMutex
	types []TypeDefinition

	stateMu sync.Mutex
	state   map[string]*aircraftState

	hotReload *runtime.HotReloadSystem

	detected internalmetrics.Counter
}

type aircraftState struct {
	aircraft models.HFGCSAircraft
}

type Deps struct {
	Persistence Persister
	Hub         Broadcaster
	Bus         events.Bus
	Logger      logging.Logger
	Metrics     internalmetrics.Provider
	ConfigPath  string // optional; enables hot-reload when non-empty
}

func New(cfg Config, deps Deps) (*Tracker, error) {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	tr := &Tracker{
		cfg:         cfg,
		persistence: deps.Persistence,
		hub:         deps.Hub,
		bus:         deps.Bus,
		logger:      deps.Logger,
		types:       compileRanges(DefaultTypes()),
		state:       make(map[string]*aircraftState),
	}
	if deps.Metrics != nil {
		tr.detected = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "hfgcs", Name: "transitions_total", Help: "HFGCS aircraft state transitions", Labels: []string{"transition"},
		}})
	}
	if deps.ConfigPath != "" {
		hrs, err := runtime.NewHotReloadSystem(deps.ConfigPath)
		if err != nil {
			return nil, err
		}
		tr.hotReload = hrs
		if fc, err := hrs.LoadNow(); err == nil && fc != nil && len(fc.Raw) > 0 {
			var rf registryFile
			if err := runtime.DecodeYAML(fc, &rf); err == nil && len(rf.Types) > 0 {
				tr.SetTypes(rf.Types)
			}
		}
	}
	return tr, nil
}

// SetTypes replaces the registry, compiling each type's hex ranges.
func (tr *Tracker) SetTypes(types []TypeDefinition) {
	compiled := compileRanges(types)
	tr.regMu.Lock()
	tr.types = compiled
	tr.regMu.Unlock()
}

func compileRanges(types []TypeDefinition) []TypeDefinition {
	out := make([]TypeDefinition, len(types))
	for i, t := range types {
		t.hexRanges = make([]HexRange, 0, len(t.HexRangesRaw))
		for _, raw := range t.HexRangesRaw {
			if r, ok := parseHexRange(raw); ok {
				t.hexRanges = append(t.hexRanges, r)
			}
		}
		out[i] = t
	}
	return out
}

func parseHexRange(raw string) (HexRange, bool) {
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return HexRange{}, false
	}
	start, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 32)
	end, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 32)
	if err1 != nil || err2 != nil {
		return HexRange{}, false
	}
	return HexRange{Start: uint32(start), End: uint32(end)}, true
}

// WatchConfig launches the hot-reload loop, if configured, until ctx is
// canceled. A no-op when New was constructed without a ConfigPath.
func (tr *Tracker) WatchConfig(ctx context.Context) {
	if tr.hotReload == nil {
		return
	}
	changes, errs := tr.hotReload.WatchConfigChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			var rf registryFile
			if err := runtime.DecodeYAML(ch.Config, &rf); err != nil {
				if tr.logger != nil {
					tr.logger.ErrorCtx(ctx, "hfgcs registry decode failed", "err", err.Error())
				}
				continue
			}
			if len(rf.Types) > 0 {
				tr.SetTypes(rf.Types)
			}
		case err, ok := <-errs:
			if !ok {
				continue
			}
			if err != nil && tr.logger != nil {
				tr.logger.ErrorCtx(ctx, "hfgcs config watch error", "err", err.Error())
			}
		}
	}
}

// classify returns the first matching type by hex range, then callsign
// prefix.
func (tr *Tracker) classify(msg models.Message) (Classification, bool) {
	tr.regMu.RLock()
	defer tr.regMu.RUnlock()

	hexVal, hexOK := parseHex(msg.Hex)
	if hexOK {
		for _, t := range tr.types {
			for _, r := range t.hexRanges {
				if hexVal >= r.Start && hexVal <= r.End {
					return Classification{TypeID: t.ID, DetectionMethod: models.DetectionHexRange}, true
				}
			}
		}
	}
	callsign := strings.ToUpper(strings.TrimSpace(msg.Flight))
	if callsign != "" {
		for _, t := range tr.types {
			for _, prefix := range t.CallsignPrefixes {
				if strings.HasPrefix(callsign, strings.ToUpper(prefix)) {
					return Classification{TypeID: t.ID, DetectionMethod: models.DetectionCallsignPrefix}, true
				}
			}
		}
	}
	return Classification{}, false
}

func parseHex(hex string) (uint32, bool) {
	hex = strings.TrimSpace(hex)
	if hex == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Observe classifies msg and drives the detected -> updated -> lost state
// machine for the matched aircraft. It returns true when msg matched a
// configured type.
func (tr *Tracker) Observe(msg models.Message) bool {
	class, ok := tr.classify(msg)
	if !ok {
		return false
	}

	tr.stateMu.Lock()
	st, existed := tr.state[msg.Hex]
	transition := "detected"
	if existed {
		transition = "updated"
	} else {
		st = &aircraftState{aircraft: models.HFGCSAircraft{
			AircraftID:    msg.Hex,
			AircraftType:  class.TypeID,
			Hex:           msg.Hex,
			FirstDetected: msg.Timestamp,
		}}
		tr.state[msg.Hex] = st
	}
	st.aircraft.Callsign = orString(msg.Flight, st.aircraft.Callsign)
	st.aircraft.Tail = orString(msg.Tail, st.aircraft.Tail)
	st.aircraft.LastSeen = msg.Timestamp
	st.aircraft.TotalMessages++
	st.aircraft.DetectionMethod = class.DetectionMethod
	snapshot := st.aircraft
	tr.stateMu.Unlock()

	tr.emit(transition, snapshot)
	return true
}

func orString(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// EvictIdle transitions any aircraft idle longer than cfg.IdleTTL to lost
// and removes it from state, emitting the corresponding event.
func (tr *Tracker) EvictIdle(now time.Time) {
	tr.stateMu.Lock()
	var lost []models.HFGCSAircraft
	for hex, st := range tr.state {
		if now.Sub(st.aircraft.LastSeen) > tr.cfg.IdleTTL {
			lost = append(lost, st.aircraft)
			delete(tr.state, hex)
		}
	}
	tr.stateMu.Unlock()

	for _, a := range lost {
		tr.emit("lost", a)
	}
}

func (tr *Tracker) emit(transition string, a models.HFGCSAircraft) {
	if tr.detected != nil {
		tr.detected.Inc(1, transition)
	}
	if tr.persistence != nil && transition != "lost" {
		if err := tr.persistence.SaveHFGCSAircraft(context.Background(), a); err != nil && tr.logger != nil {
			tr.logger.ErrorCtx(context.Background(), "hfgcs persist failed", "aircraft_id", a.AircraftID, "err", err.Error())
		}
	}
	if tr.bus != nil {
		_ = tr.bus.Publish(events.Event{
			Category: events.CategoryHFGCS,
			Type:     transition,
			Labels:   map[string]string{"aircraft_id": a.AircraftID, "aircraft_type": a.AircraftType},
			Fields:   map[string]interface{}{"aircraft": a},
		})
	}
	if tr.hub != nil {
		aircraft := a
		tr.hub.PublishHFGCSEvent(models.HFGCSLifecycleEvent{Event: transition, Data: &aircraft})
	}
}

// Active returns a snapshot of every currently tracked (non-lost) aircraft.
func (tr *Tracker) Active() []models.HFGCSAircraft {
	tr.stateMu.Lock()
	defer tr.stateMu.Unlock()
	out := make([]models.HFGCSAircraft, 0, len(tr.state))
	for _, st := range tr.state {
		out = append(out, st.aircraft)
	}
	return out
}
