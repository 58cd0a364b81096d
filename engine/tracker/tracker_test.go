package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	"github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
)

func adsbMsg(hex string, lat, lon float64, at time.Time) models.Message {
	return models.Message{
		Hex:       hex,
		Timestamp: at,
		Source:    models.Source{Type: models.SourceADSB},
		Position:  &models.Position{Lat: lat, Lon: lon, AltitudeFt: 35000},
	}
}

func TestUpsertCreatesTrackAndAppendsPoint(t *testing.T) {
	tr := New(DefaultConfig(), Deps{})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 55.86, -4.25, now))

	snap, ok := tr.Snapshot("a1b2c3")
	require.True(t, ok)
	assert.Equal(t, 1, snap.PositionCount)
	require.Len(t, snap.TrackPoints, 1)
	assert.Equal(t, now, snap.LastSeen)
}

func TestUpsertSkipsPointWhenPositionUnchanged(t *testing.T) {
	tr := New(DefaultConfig(), Deps{})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 55.86, -4.25, now))
	tr.Upsert(adsbMsg("a1b2c3", 55.86, -4.25, now.Add(time.Second)))

	snap, ok := tr.Snapshot("a1b2c3")
	require.True(t, ok)
	assert.Equal(t, 1, snap.PositionCount, "unchanged position must not append a new track point")
	assert.Equal(t, now.Add(time.Second), snap.LastSeen, "last_seen still advances")
}

func TestTrackPointsCappedFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTrackPoints = 3
	tr := New(cfg, Deps{})
	base := time.Now()
	for i := 0; i < 5; i++ {
		tr.Upsert(adsbMsg("a1b2c3", float64(i), float64(i), base.Add(time.Duration(i)*time.Second)))
	}
	snap, ok := tr.Snapshot("a1b2c3")
	require.True(t, ok)
	require.Len(t, snap.TrackPoints, 3)
	assert.Equal(t, 2.0, snap.TrackPoints[0].Lat, "oldest points must be dropped FIFO")
	assert.Equal(t, 4.0, snap.TrackPoints[2].Lat)
}

func TestEvictStaleRemovesIdleTrackAndEmitsEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ADSBTrackTTL = time.Minute
	bus := events.NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()
	tr := New(cfg, Deps{Bus: bus})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 1, 1, now))

	tr.EvictStale(now.Add(2 * time.Minute))

	_, ok := tr.Snapshot("a1b2c3")
	assert.False(t, ok, "stale track must be evicted")
	select {
	case ev := <-sub.C():
		assert.Equal(t, "aircraft_lost", ev.Type)
		assert.Equal(t, "a1b2c3", ev.Labels["hex"])
	default:
		t.Fatal("expected an aircraft_lost event")
	}
}

func TestEvictStaleKeepsFreshTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ADSBTrackTTL = time.Hour
	tr := New(cfg, Deps{})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 1, 1, now))

	tr.EvictStale(now.Add(30 * time.Second))

	_, ok := tr.Snapshot("a1b2c3")
	assert.True(t, ok)
}

func TestReappearanceReusesSameAircraftID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ADSBTrackTTL = time.Minute
	tr := New(cfg, Deps{})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 1, 1, now))
	tr.EvictStale(now.Add(2 * time.Minute))
	tr.Upsert(adsbMsg("a1b2c3", 2, 2, now.Add(3*time.Minute)))

	snap, ok := tr.Snapshot("a1b2c3")
	require.True(t, ok)
	assert.Equal(t, "a1b2c3", snap.AircraftID)
}

type fakePositionSource struct {
	positions []models.AircraftTrack
}

func (f fakePositionSource) GetAircraftPositions(ctx context.Context) ([]models.AircraftTrack, error) {
	return f.positions, nil
}

func TestPositionsUnionsADSBAndACARSDeduplicated(t *testing.T) {
	tr := New(DefaultConfig(), Deps{Persistence: fakePositionSource{positions: []models.AircraftTrack{
		{Flight: "UAL123", Tail: "N123UA", CurrentPosition: &models.Position{Lat: 10, Lon: 20}},
		{Flight: "UAL999", Tail: "N999UA", CurrentPosition: &models.Position{Lat: 30, Lon: 40}},
	}}})
	now := time.Now()
	tr.Upsert(adsbMsg("a1b2c3", 1, 1, now))

	positions := tr.Positions(context.Background())
	assert.Len(t, positions, 3)
}
