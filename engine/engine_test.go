package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/eam"
	telemetryhealth "github.com/aerohub/aerohub/engine/telemetry/health"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MetricsBackend = "none"
	cfg.RateLimit.Enabled = false
	cfg.Hub.QueueWarnThreshold = 100
	cfg.Hub.QueueHardLimit = 200
	return cfg
}

func TestNewBuildsEngineWithNoSources(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)
	require.NotNil(t, eng)
	assert.NotNil(t, eng.MetricsProvider())
	assert.NotNil(t, eng.Registry())
}

func TestNewRejectsUnknownMetricsBackend(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsBackend = "bogus"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, eng.Stop(stopCtx))
}

func TestHealthSnapshotReportsHealthyWithNoSources(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = eng.Stop(stopCtx)
	}()

	snap := eng.HealthSnapshot(context.Background())
	assert.NotEmpty(t, snap.Probes)
	assert.Equal(t, telemetryhealth.StatusHealthy, snap.Overall)
}

func TestIngestTranscriptionFeedsEAMPipeline(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		eng.IngestTranscription(eam.Segment{
			SegmentID:  "seg-1",
			FeedID:     "hf-1",
			Timestamp:  time.Now(),
			Text:       "SKYKING SKYKING DO NOT ANSWER",
			Confidence: 0.9,
		})
	})
}

func TestAircraftAndActiveHFGCSStartEmpty(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)

	assert.Empty(t, eng.Aircraft(context.Background()))
	assert.Empty(t, eng.ActiveHFGCS())
}

func TestSubscriberHandlerIsNotNil(t *testing.T) {
	eng, err := New(testConfig())
	require.NoError(t, err)
	assert.NotNil(t, eng.SubscriberHandler())
}
