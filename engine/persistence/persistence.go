// Package persistence defines the narrow storage facade used by the
// processor, trackers, and EAM pipeline, and provides an in-memory
// implementation suitable for tests and small deployments.
package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/models"
)

// EAMQueryOptions filters getEAMMessages.
type EAMQueryOptions struct {
	MessageType models.MessageType
	Since       time.Time
	Limit       int
}

// Facade is the full persistence contract shared by C3/C4/C5/C6. Every
// call is atomic from the caller's perspective; the in-memory
// implementation below guards all state with a single mutex.
type Facade interface {
	SaveMessage(ctx context.Context, msg models.Message) error
	UpdateAircraftTracking(ctx context.Context, msg models.Message) error
	SaveAircraftTrack(ctx context.Context, track models.AircraftTrack) error
	GetAircraftByIdentifier(ctx context.Context, id string) (models.AircraftTrack, bool, error)
	GetAircraftPositions(ctx context.Context) ([]models.AircraftTrack, error)

	SaveHFGCSAircraft(ctx context.Context, a models.HFGCSAircraft) error
	GetActiveHFGCSAircraft(ctx context.Context, limit int, hoursBack int) ([]models.HFGCSAircraft, error)
	GetHFGCSStatistics(ctx context.Context) (map[string]int, error)

	SaveEAMMessage(ctx context.Context, e models.EAMMessage) error
	UpdateEAMRepeat(ctx context.Context, id string, recordingIDs []string) error
	GetEAMMessages(ctx context.Context, opts EAMQueryOptions) ([]models.EAMMessage, error)
	SearchEAMs(ctx context.Context, query string, limit int) ([]models.EAMMessage, error)
	ClearEAMs(ctx context.Context, olderThanDays int) (int, error)

	SaveATCRecording(ctx context.Context, r models.ATCRecording) error
	UpdateRecordingTranscription(ctx context.Context, segmentID string, data models.TranscriptionUpdate) error
	GetRecordings(ctx context.Context, feedID string, limit int) ([]models.ATCRecording, error)
	GetRecordingsInTimeWindow(ctx context.Context, feedID string, centerTs time.Time, windowSec int) ([]models.ATCRecording, error)

	GetSetting(ctx context.Context, category, key string) (interface{}, bool, error)
	SetSetting(ctx context.Context, category, key string, value interface{}) error
	GetSettingsByCategory(ctx context.Context, category string) (map[string]interface{}, error)
}

// InMemory is a Facade backed by plain maps guarded by a single mutex,
// grounded on the sync.Mutex-guarded map idiom used throughout the pack.
// It is not durable across restarts; intended for tests and small
// single-process deployments.
type InMemory struct {
	mu sync.Mutex

	messages []models.Message
	tracks   map[string]models.AircraftTrack // keyed by aircraft_id

	hfgcsAircraft map[string]models.HFGCSAircraft // keyed by aircraft_id

	eams       []models.EAMMessage
	eamByID    map[string]int // index into eams

	recordings []models.ATCRecording

	settings map[string]map[string]interface{} // category -> key -> value
}

func NewInMemory() *InMemory {
	return &InMemory{
		tracks:        make(map[string]models.AircraftTrack),
		hfgcsAircraft: make(map[string]models.HFGCSAircraft),
		eamByID:       make(map[string]int),
		settings:      make(map[string]map[string]interface{}),
	}
}

func (m *InMemory) SaveMessage(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *InMemory) UpdateAircraftTracking(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[msg.Hex]
	if !ok {
		t = models.AircraftTrack{AircraftID: msg.Hex, Hex: msg.Hex, FirstSeen: msg.Timestamp}
	}
	t.Flight = orExisting(msg.Flight, t.Flight)
	t.Tail = orExisting(msg.Tail, t.Tail)
	t.AircraftType = orExisting(msg.AircraftType, t.AircraftType)
	t.LastSeen = msg.Timestamp
	t.GroundSpeedKt = msg.GroundSpeedKt
	t.HeadingDeg = msg.HeadingDeg
	t.OnGround = msg.OnGround
	if msg.Position != nil {
		t.CurrentPosition = msg.Position
		t.PositionCount++
	}
	m.tracks[msg.Hex] = t
	return nil
}

func orExisting(candidate, existing string) string {
	if candidate != "" {
		return candidate
	}
	return existing
}

func (m *InMemory) SaveAircraftTrack(ctx context.Context, track models.AircraftTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[track.AircraftID] = track
	return nil
}

func (m *InMemory) GetAircraftByIdentifier(ctx context.Context, id string) (models.AircraftTrack, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[id]
	return t, ok, nil
}

func (m *InMemory) GetAircraftPositions(ctx context.Context) ([]models.AircraftTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AircraftTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		if t.CurrentPosition != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *InMemory) SaveHFGCSAircraft(ctx context.Context, a models.HFGCSAircraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hfgcsAircraft[a.AircraftID] = a
	return nil
}

func (m *InMemory) GetActiveHFGCSAircraft(ctx context.Context, limit int, hoursBack int) ([]models.HFGCSAircraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(hoursBack) * time.Hour)
	out := make([]models.HFGCSAircraft, 0, len(m.hfgcsAircraft))
	for _, a := range m.hfgcsAircraft {
		if a.LastSeen.After(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) GetHFGCSStatistics(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int)
	for _, a := range m.hfgcsAircraft {
		stats[a.AircraftType]++
	}
	return stats, nil
}

func (m *InMemory) SaveEAMMessage(ctx context.Context, e models.EAMMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eams = append(m.eams, e)
	m.eamByID[e.ID] = len(m.eams) - 1
	return nil
}

func (m *InMemory) UpdateEAMRepeat(ctx context.Context, id string, recordingIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.eamByID[id]
	if !ok {
		return nil
	}
	e := m.eams[idx]
	e.RepeatCount++
	e.LastDetected = time.Now()
	e.RecordingIDs = mergeUnique(e.RecordingIDs, recordingIDs)
	m.eams[idx] = e
	return nil
}

func mergeUnique(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	out := existing
	for _, id := range additions {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (m *InMemory) GetEAMMessages(ctx context.Context, opts EAMQueryOptions) ([]models.EAMMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EAMMessage
	for _, e := range m.eams {
		if opts.MessageType != "" && e.MessageType != opts.MessageType {
			continue
		}
		if !opts.Since.IsZero() && e.LastDetected.Before(opts.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastDetected.After(out[j].LastDetected) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *InMemory) SearchEAMs(ctx context.Context, query string, limit int) ([]models.EAMMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToUpper(query)
	var out []models.EAMMessage
	for _, e := range m.eams {
		if strings.Contains(strings.ToUpper(e.MessageBody), q) || strings.Contains(strings.ToUpper(e.Header), q) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) ClearEAMs(ctx context.Context, olderThanDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	kept := m.eams[:0]
	removed := 0
	for _, e := range m.eams {
		if e.LastDetected.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.eams = kept
	m.eamByID = make(map[string]int, len(m.eams))
	for i, e := range m.eams {
		m.eamByID[e.ID] = i
	}
	return removed, nil
}

func (m *InMemory) SaveATCRecording(ctx context.Context, r models.ATCRecording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings = append(m.recordings, r)
	return nil
}

func (m *InMemory) UpdateRecordingTranscription(ctx context.Context, segmentID string, data models.TranscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.recordings {
		if r.SegmentID == segmentID {
			r.Text = data.Text
			r.Confidence = data.Confidence
			r.TranscribedAt = data.TranscribedAt
			m.recordings[i] = r
			return nil
		}
	}
	return nil
}

func (m *InMemory) GetRecordings(ctx context.Context, feedID string, limit int) ([]models.ATCRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ATCRecording
	for _, r := range m.recordings {
		if feedID != "" && r.FeedID != feedID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) GetRecordingsInTimeWindow(ctx context.Context, feedID string, centerTs time.Time, windowSec int) ([]models.ATCRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	half := time.Duration(windowSec) * time.Second / 2
	start, end := centerTs.Add(-half), centerTs.Add(half)
	var out []models.ATCRecording
	for _, r := range m.recordings {
		if feedID != "" && r.FeedID != feedID {
			continue
		}
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *InMemory) GetSetting(ctx context.Context, category, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.settings[category]
	if !ok {
		return nil, false, nil
	}
	v, ok := cat[key]
	return v, ok, nil
}

func (m *InMemory) SetSetting(ctx context.Context, category, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings[category] == nil {
		m.settings[category] = make(map[string]interface{})
	}
	m.settings[category][key] = value
	return nil
}

func (m *InMemory) GetSettingsByCategory(ctx context.Context, category string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.settings[category]))
	for k, v := range m.settings[category] {
		out[k] = v
	}
	return out, nil
}
