package hfgcs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/models"
)

type fakeHub struct {
	mu     sync.Mutex
	events []models.HFGCSLifecycleEvent
}

func (f *fakeHub) PublishHFGCSEvent(ev models.HFGCSLifecycleEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeHub) last() models.HFGCSLifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func TestClassifyByHexRange(t *testing.T) {
	tr, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)

	class, ok := tr.classify(models.Message{Hex: "ae0c70"})
	require.True(t, ok)
	assert.Equal(t, "e6b", class.TypeID)
	assert.Equal(t, models.DetectionHexRange, class.DetectionMethod)
}

func TestClassifyByCallsignPrefix(t *testing.T) {
	tr, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)

	class, ok := tr.classify(models.Message{Flight: "GORDO21"})
	require.True(t, ok)
	assert.Equal(t, "e4b", class.TypeID)
	assert.Equal(t, models.DetectionCallsignPrefix, class.DetectionMethod)
}

func TestClassifyNoMatch(t *testing.T) {
	tr, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)
	_, ok := tr.classify(models.Message{Hex: "000001", Flight: "UAL123"})
	assert.False(t, ok)
}

func TestObserveTransitionsDetectedThenUpdated(t *testing.T) {
	hub := &fakeHub{}
	tr, err := New(DefaultConfig(), Deps{Hub: hub})
	require.NoError(t, err)

	now := time.Now()
	matched := tr.Observe(models.Message{Hex: "ae0c70", Flight: "IRON11", Timestamp: now})
	require.True(t, matched)
	assert.Equal(t, "detected", hub.last().Event)

	tr.Observe(models.Message{Hex: "ae0c70", Flight: "IRON11", Timestamp: now.Add(time.Minute)})
	assert.Equal(t, "updated", hub.last().Event)
	assert.Equal(t, 2, hub.last().Data.TotalMessages)
}

func TestObserveReturnsFalseForUnmatchedAircraft(t *testing.T) {
	tr, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)
	assert.False(t, tr.Observe(models.Message{Hex: "000001", Flight: "UAL123"}))
}

func TestEvictIdleEmitsLost(t *testing.T) {
	hub := &fakeHub{}
	cfg := DefaultConfig()
	cfg.IdleTTL = time.Minute
	tr, err := New(cfg, Deps{Hub: hub})
	require.NoError(t, err)

	now := time.Now()
	tr.Observe(models.Message{Hex: "ae0c70", Flight: "IRON11", Timestamp: now})
	tr.EvictIdle(now.Add(2 * time.Minute))

	assert.Equal(t, "lost", hub.last().Event)
	assert.Empty(t, tr.Active())
}

type fakePersister struct {
	mu    sync.Mutex
	saved []models.HFGCSAircraft
}

func (f *fakePersister) SaveHFGCSAircraft(ctx context.Context, a models.HFGCSAircraft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return nil
}

func TestObservePersistsOnEachTransition(t *testing.T) {
	p := &fakePersister{}
	tr, err := New(DefaultConfig(), Deps{Persistence: p})
	require.NoError(t, err)
	tr.Observe(models.Message{Hex: "ae0c70", Flight: "IRON11", Timestamp: time.Now()})
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.saved, 1)
}
