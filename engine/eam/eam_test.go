package eam

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
	events []models.SubscriptionEventType
	msgs   []models.EAMMessage
}

func (f *fakeHub) PublishEAMEvent(eventType models.SubscriptionEventType, e models.EAMMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	f.msgs = append(f.msgs, e)
}

func (f *fakeHub) lastEvent() models.SubscriptionEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPreprocessUppercasesAndNormalizesDigitWords(t *testing.T) {
	out := Preprocess("eight alpha, eight alpha, eight alpha")
	assert.Equal(t, "8 ALPHA 8 ALPHA 8 ALPHA", out)
}

func TestDetectSkyking(t *testing.T) {
	codeword, timeCode, auth, ok := detectSkyking("SKYKING SKYKING DO NOT ANSWER CODEWORD TIME 14 AUTHENTICATION XY")
	require.True(t, ok)
	assert.Equal(t, "CODEWORD", codeword)
	assert.Equal(t, "14", timeCode)
	assert.Equal(t, "XY", auth)
}

func TestDetectEAMFindsHeaderAndBlocksAndSentinel(t *testing.T) {
	header, blocks, closed, ok := detectEAM("8A8A8A ABCDE FGHIJ KLMNO 8A8A8A", []string{"8A8A8A"})
	require.True(t, ok)
	assert.Equal(t, "8A8A8A", header)
	assert.Equal(t, []string{"ABCDE", "FGHIJ", "KLMNO"}, blocks)
	assert.True(t, closed)
}

func TestIngestSingleSegmentClosedBySentinelPromotes(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	p.Ingest(Segment{
		SegmentID: "seg-1", FeedID: "feed-a", Timestamp: time.Now(),
		Text: "8A8A8A ABCDE FGHIJ KLMNO 8A8A8A", Confidence: 0.9, DurationSeconds: 12,
	})
	assert.Equal(t, 1, hub.count())
	assert.Equal(t, models.EventEAMDetected, hub.lastEvent())
}

func TestIngestMultiSegmentAggregatesAcrossWindow(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	base := time.Now()
	p.Ingest(Segment{SegmentID: "s1", FeedID: "feed-a", Timestamp: base, Text: "8A8A8A ABCDE", Confidence: 0.9, DurationSeconds: 4})
	p.Ingest(Segment{SegmentID: "s2", FeedID: "feed-a", Timestamp: base.Add(10 * time.Second), Text: "FGHIJ", Confidence: 0.9, DurationSeconds: 4})
	p.Ingest(Segment{SegmentID: "s3", FeedID: "feed-a", Timestamp: base.Add(20 * time.Second), Text: "KLMNO 8A8A8A", Confidence: 0.9, DurationSeconds: 4})

	require.Equal(t, 1, hub.count())
	msg := hub.msgs[0]
	assert.True(t, msg.MultiSegment)
	assert.Equal(t, 3, msg.SegmentCount)
	assert.Equal(t, "ABCDE FGHIJ KLMNO", msg.MessageBody)
	assert.GreaterOrEqual(t, msg.ConfidenceScore, 50)
}

func TestSweepExpiredDropsStaleDraftWithoutPromoting(t *testing.T) {
	hub := &fakeHub{}
	cfg := DefaultConfig()
	cfg.Window = 10 * time.Second
	p := New(cfg, Deps{Hub: hub})
	now := time.Now()
	p.Ingest(Segment{SegmentID: "s1", FeedID: "feed-a", Timestamp: now, Text: "8A8A8A ABCDE", Confidence: 0.9})

	p.SweepExpired(now.Add(25 * time.Second)) // > 2*Window, dropped silently

	assert.Equal(t, 0, hub.count())
}

func TestSweepExpiredClosesDraftAtWindowExpiry(t *testing.T) {
	hub := &fakeHub{}
	cfg := DefaultConfig()
	cfg.Window = 10 * time.Second
	p := New(cfg, Deps{Hub: hub})
	now := time.Now()
	p.Ingest(Segment{SegmentID: "s1", FeedID: "feed-a", Timestamp: now, Text: "8A8A8A ABCDE FGHIJ", Confidence: 0.95})

	p.SweepExpired(now.Add(15 * time.Second))

	assert.Equal(t, 1, hub.count())
}

func TestDeduplicationIncrementsRepeatCount(t *testing.T) {
	hub := &fakeHub{}
	p := New(DefaultConfig(), Deps{Hub: hub})
	base := time.Now()
	msg := "8A8A8A ABCDE FGHIJ KLMNO 8A8A8A"
	p.Ingest(Segment{SegmentID: "s1", FeedID: "feed-a", Timestamp: base, Text: msg, Confidence: 0.95})
	p.Ingest(Segment{SegmentID: "s2", FeedID: "feed-a", Timestamp: base.Add(time.Minute), Text: msg, Confidence: 0.95})

	require.Equal(t, 2, hub.count())
	assert.Equal(t, models.EventEAMRepeatDetected, hub.lastEvent())
	assert.Equal(t, 2, hub.msgs[1].RepeatCount)
	assert.Len(t, hub.msgs[1].RecordingIDs, 2)
}

type fakePersister struct {
	mu    sync.Mutex
	saved []models.EAMMessage
}

func (f *fakePersister) SaveEAMMessage(ctx context.Context, e models.EAMMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, e)
	return nil
}

func (f *fakePersister) UpdateEAMRepeat(ctx context.Context, id string, recordingIDs []string) error {
	return nil
}

func TestPromotePersistsNewMessage(t *testing.T) {
	p := &fakePersister{}
	pipe := New(DefaultConfig(), Deps{Persistence: p})
	pipe.Ingest(Segment{SegmentID: "s1", FeedID: "feed-a", Timestamp: time.Now(), Text: "8A8A8A ABCDE FGHIJ 8A8A8A", Confidence: 0.95})
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.saved, 1)
}
