package sources

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	"github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

type fakeAdapter struct {
	mu       sync.Mutex
	started  bool
	startErr error
	stopErr  error
	status   Status
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return f.stopErr
}

func (f *fakeAdapter) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func newTestManager() (*Manager, *[]RawRecord, *sync.Mutex) {
	var mu sync.Mutex
	var received []RawRecord
	mgr := NewManager(func(r RawRecord) {
		mu.Lock()
		received = append(received, r)
		mu.Unlock()
	}, nil, events.NewBus(metrics.NewNoopProvider()), logging.New(nil))
	return mgr, &received, &mu
}

func TestManagerHandleMessageTagsSourceName(t *testing.T) {
	mgr, received, mu := newTestManager()
	handler := mgr.HandleMessage("feed-a")
	handler(RawRecord{SourceType: "adsb"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *received, 1)
	assert.Equal(t, "feed-a", (*received)[0].SourceName)
}

func TestManagerHandleMessageDeliversToCallback(t *testing.T) {
	var mu sync.Mutex
	var got []RawRecord
	mgr := NewManager(func(r RawRecord) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, nil, events.NewBus(metrics.NewNoopProvider()), logging.New(nil))

	mgr.HandleMessage("feed-a")(RawRecord{SourceType: "adsb"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "feed-a", got[0].SourceName)
	assert.Equal(t, "adsb", got[0].SourceType)
}

func TestManagerHandleErrorInvokesCallbackAndIgnoresNil(t *testing.T) {
	var called bool
	var gotErr error
	mgr := NewManager(nil, func(name string, err error) {
		called = true
		gotErr = err
	}, events.NewBus(metrics.NewNoopProvider()), logging.New(nil))

	mgr.HandleError("feed-a")("feed-a", nil)
	assert.False(t, called)

	mgr.HandleError("feed-a")("feed-a", errors.New("boom"))
	assert.True(t, called)
	assert.EqualError(t, gotErr, "boom")
}

func TestManagerStartEnabledSkipsDisabledAndAggregatesFirstError(t *testing.T) {
	mgr, _, _ := newTestManager()
	good := &fakeAdapter{}
	bad := &fakeAdapter{startErr: errors.New("refused")}
	disabled := &fakeAdapter{}

	mgr.Register("good", good, true)
	mgr.Register("bad", bad, true)
	mgr.Register("disabled", disabled, false)

	err := mgr.StartEnabled(context.Background())
	assert.Error(t, err)
	assert.True(t, good.started)
	assert.False(t, disabled.started)
}

func TestManagerStopAllContinuesPastErrors(t *testing.T) {
	mgr, _, _ := newTestManager()
	a := &fakeAdapter{started: true}
	b := &fakeAdapter{started: true, stopErr: errors.New("stuck")}
	mgr.Register("a", a, true)
	mgr.Register("b", b, true)

	assert.NotPanics(t, mgr.StopAll)
	assert.False(t, a.started)
}

func TestManagerStatusReturnsPerAdapterSnapshot(t *testing.T) {
	mgr, _, _ := newTestManager()
	mgr.Register("a", &fakeAdapter{status: Status{Enabled: true, Connected: true}}, true)

	status := mgr.Status()
	require.Contains(t, status, "a")
	assert.True(t, status["a"].Connected)
}

func TestManagerStartUnknownAdapterErrors(t *testing.T) {
	mgr, _, _ := newTestManager()
	err := mgr.Start(context.Background(), "missing")
	assert.Error(t, err)
}
