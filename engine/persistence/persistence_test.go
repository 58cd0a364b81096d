package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/models"
)

func TestSaveAndGetAircraftPositionsOnlyReturnsWithPosition(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()

	require.NoError(t, db.UpdateAircraftTracking(ctx, models.Message{
		Hex: "a1b2c3", Timestamp: time.Now(), Position: &models.Position{Lat: 1, Lon: 2},
	}))
	require.NoError(t, db.UpdateAircraftTracking(ctx, models.Message{
		Hex: "d4e5f6", Timestamp: time.Now(),
	}))

	positions, err := db.GetAircraftPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "a1b2c3", positions[0].Hex)
}

func TestSaveHFGCSAircraftAndGetActiveFiltersByRecency(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()

	require.NoError(t, db.SaveHFGCSAircraft(ctx, models.HFGCSAircraft{
		AircraftID: "recent", AircraftType: "e6b", LastSeen: time.Now(),
	}))
	require.NoError(t, db.SaveHFGCSAircraft(ctx, models.HFGCSAircraft{
		AircraftID: "old", AircraftType: "e4b", LastSeen: time.Now().Add(-48 * time.Hour),
	}))

	active, err := db.GetActiveHFGCSAircraft(ctx, 10, 24)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "recent", active[0].AircraftID)
}

func TestUpdateEAMRepeatMergesRecordingIDsWithoutDuplicates(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()

	require.NoError(t, db.SaveEAMMessage(ctx, models.EAMMessage{
		ID: "eam-1", RecordingIDs: []string{"seg-1"}, LastDetected: time.Now(),
	}))
	require.NoError(t, db.UpdateEAMRepeat(ctx, "eam-1", []string{"seg-1", "seg-2"}))

	msgs, err := db.GetEAMMessages(ctx, EAMQueryOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RepeatCount)
	assert.ElementsMatch(t, []string{"seg-1", "seg-2"}, msgs[0].RecordingIDs)
}

func TestClearEAMsRemovesOnlyOlderThanCutoff(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()

	require.NoError(t, db.SaveEAMMessage(ctx, models.EAMMessage{ID: "old", LastDetected: time.Now().AddDate(0, 0, -10)}))
	require.NoError(t, db.SaveEAMMessage(ctx, models.EAMMessage{ID: "new", LastDetected: time.Now()}))

	removed, err := db.ClearEAMs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	msgs, err := db.GetEAMMessages(ctx, EAMQueryOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].ID)
}

func TestGetRecordingsInTimeWindow(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()
	center := time.Now()

	require.NoError(t, db.SaveATCRecording(ctx, models.ATCRecording{SegmentID: "in", FeedID: "f1", Timestamp: center}))
	require.NoError(t, db.SaveATCRecording(ctx, models.ATCRecording{SegmentID: "out", FeedID: "f1", Timestamp: center.Add(time.Hour)}))

	recs, err := db.GetRecordingsInTimeWindow(ctx, "f1", center, 60)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "in", recs[0].SegmentID)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := NewInMemory()
	ctx := context.Background()

	require.NoError(t, db.SetSetting(ctx, "hfgcs", "idle_ttl_hours", 24))
	v, ok, err := db.GetSetting(ctx, "hfgcs", "idle_ttl_hours")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 24, v)

	_, ok, err = db.GetSetting(ctx, "hfgcs", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := db.GetSettingsByCategory(ctx, "hfgcs")
	require.NoError(t, err)
	assert.Equal(t, 24, all["idle_ttl_hours"])
}
