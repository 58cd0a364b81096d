package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/sources"
)

type fakeHub struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (f *fakeHub) PublishMessage(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeTracker struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (f *fakeTracker) Upsert(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

type fakePersister struct{}

func (fakePersister) SaveMessage(ctx context.Context, msg models.Message) error { return nil }

func adsbRecord(hex string, lat, lon, alt, gs, trak float64, at time.Time) sources.RawRecord {
	return sources.RawRecord{
		SourceName: "adsb-primary",
		SourceType: "adsb",
		StationID:  "adsb-primary",
		ReceivedAt: at,
		Payload: map[string]interface{}{
			"hex": hex, "lat": lat, "lon": lon, "alt": alt, "gs": gs, "trak": trak,
		},
	}
}

func TestHandleEmitsSingleTickAndTracks(t *testing.T) {
	hub := &fakeHub{}
	tr := &fakeTracker{}
	p := New(DefaultConfig(), Deps{Persistence: fakePersister{}, Tracker: tr, Hub: hub})

	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, time.Now()))

	assert.Equal(t, 1, hub.count())
	require.Len(t, tr.msgs, 1)
	assert.Equal(t, "a1b2c3", tr.msgs[0].Hex)
	assert.True(t, tr.msgs[0].Validation.Valid)
}

func TestHandleSuppressesUnchangedTick(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Persistence: fakePersister{}, Hub: hub})
	now := time.Now()

	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, now))
	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, now.Add(5*time.Second)))

	assert.Equal(t, 1, hub.count(), "second tick within 30s with no change must not emit")
}

func TestHandleEmitsOnSignificantPositionChange(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Persistence: fakePersister{}, Hub: hub})
	now := time.Now()

	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, now))
	p.Handle(adsbRecord("a1b2c3", 55.87, -4.25, 35000, 450, 90, now.Add(2*time.Second)))

	assert.Equal(t, 2, hub.count())
}

func TestHandleEmitsOnHeartbeat(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Persistence: fakePersister{}, Hub: hub})
	now := time.Now()

	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, now))
	p.Handle(adsbRecord("a1b2c3", 55.86, -4.25, 35000, 450, 90, now.Add(31*time.Second)))

	assert.Equal(t, 2, hub.count(), "30s heartbeat must force an emission even with no change")
}

func TestHandleDiscardsInvalidADSBRecord(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	p.Handle(sources.RawRecord{
		SourceName: "adsb-primary", SourceType: "adsb", ReceivedAt: time.Now(),
		Payload: map[string]interface{}{"flight": "UAL123"}, // missing hex and position
	})
	assert.Equal(t, 0, hub.count())
}

func TestHandleAcceptsZeroZeroPosition(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	p.Handle(adsbRecord("a1b2c3", 0, 0, 0, 0, 0, time.Now()))
	assert.Equal(t, 1, hub.count(), "(0,0) is a legal position")
}

func TestHandleRejectsNaNPosition(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	nan := 0.0
	nan = nan / nan
	p.Handle(sources.RawRecord{
		SourceName: "adsb-primary", SourceType: "adsb", ReceivedAt: time.Now(),
		Payload: map[string]interface{}{"hex": "a1b2c3", "lat": nan, "lon": 1.0},
	})
	assert.Equal(t, 0, hub.count())
}

func TestHandleACARSRequiresTailOrFlight(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	p.Handle(sources.RawRecord{
		SourceName: "acars-feed", SourceType: "acars", ReceivedAt: time.Now(),
		Payload: map[string]interface{}{"label": "H1", "text": "hello"},
	})
	assert.Equal(t, 0, hub.count())

	p.Handle(sources.RawRecord{
		SourceName: "acars-feed", SourceType: "acars", ReceivedAt: time.Now(),
		Payload: map[string]interface{}{"flight": "UAL123", "label": "H1", "text": "hello"},
	})
	assert.Equal(t, 1, hub.count())
}

func TestDeriveFlightPhase(t *testing.T) {
	assert.Equal(t, models.PhaseGround, models.DeriveFlightPhase(true, 0))
	assert.Equal(t, models.PhaseClimb, models.DeriveFlightPhase(false, 1200))
	assert.Equal(t, models.PhaseDescent, models.DeriveFlightPhase(false, -1200))
	assert.Equal(t, models.PhaseCruise, models.DeriveFlightPhase(false, 0))
}
