// Package eam implements the EAM pipeline: preprocessing of voice
// transcription segments into EAM/SKYKING envelopes, a windowed multi-
// segment aggregator with a confidence scorer, and a deduplicator against
// recently promoted messages.
package eam

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	internalmetrics "github.com/aerohub/aerohub/engine/internal/telemetry/metrics"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// Segment is one voice-transcription unit handed to the pipeline.
type Segment struct {
	SegmentID       string
	FeedID          string
	Timestamp       time.Time
	Text            string
	Confidence      float64 // 0..1 transcription confidence
	DurationSeconds float64
}

// Config tunes the aggregator, scorer, and deduplicator.
type Config struct {
	Window              time.Duration // W
	PromotionThreshold  int
	DedupeRecentCount   int // R
	DedupeWindow        time.Duration // T
	KnownHeaders        []string
}

func DefaultConfig() Config {
	return Config{
		Window:             120 * time.Second,
		PromotionThreshold: 50,
		DedupeRecentCount:  20,
		DedupeWindow:       time.Hour,
		KnownHeaders:       []string{"8A8A8A", "YANKEE", "FOXTROT", "METAL", "GRANITE"},
	}
}

// Persister is the narrow EAM slice of the persistence facade.
type Persister interface {
	SaveEAMMessage(ctx context.Context, e models.EAMMessage) error
	UpdateEAMRepeat(ctx context.Context, id string, recordingIDs []string) error
}

// Broadcaster is the hub's ingestion surface for EAM events.
type Broadcaster interface {
	PublishEAMEvent(eventType models.SubscriptionEventType, e models.EAMMessage)
}

var preprocessFilter = regexp.MustCompile(`[^A-Z0-9 ]+`)
var numberWords = map[string]string{
	"ZERO": "0", "ONE": "1", "TWO": "2", "THREE": "3", "FOUR": "4",
	"FIVE": "5", "SIX": "6", "SEVEN": "7", "EIGHT": "8", "NINE": "9",
}

// Preprocess uppercases raw transcription text, strips punctuation, and
// normalizes spelled-out digit words so downstream header/body matching
// sees a consistent alphanumeric stream.
func Preprocess(raw string) string {
	upper := strings.ToUpper(raw)
	cleaned := preprocessFilter.ReplaceAllString(upper, " ")
	words := strings.Fields(cleaned)
	for i, w := range words {
		if digit, ok := numberWords[w]; ok {
			words[i] = digit
		}
	}
	return strings.Join(words, " ")
}

var skykingPattern = regexp.MustCompile(`SKYKING(?:\s+\S+)*?\s+(\S+)\s+TIME\s+(\d{2})\s+AUTHENTICATION\s+(\S{2})`)

// detectSkyking matches the literal SKYKING envelope. Words between the
// first SKYKING and the codeword (a repeated SKYKING, DO NOT ANSWER) are
// skipped; the codeword is the word right before TIME.
func detectSkyking(text string) (codeword, timeCode, auth string, ok bool) {
	m := skykingPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// detectEAM finds the first known header token and collects the
// five-character body blocks that follow, stopping (and reporting closed)
// if the header repeats as a sentinel.
func detectEAM(text string, knownHeaders []string) (header string, blocks []string, closed bool, ok bool) {
	tokens := strings.Fields(text)
	headerIdx := -1
	for i, tok := range tokens {
		if isKnownHeader(tok, knownHeaders) {
			header = tok
			headerIdx = i
			break
		}
	}
	if headerIdx == -1 {
		return "", nil, false, false
	}
	for _, tok := range tokens[headerIdx+1:] {
		if tok == header {
			closed = true
			break
		}
		if isFiveCharBlock(tok) {
			blocks = append(blocks, tok)
		}
	}
	return header, blocks, closed, true
}

func isKnownHeader(tok string, knownHeaders []string) bool {
	for _, h := range knownHeaders {
		if tok == h {
			return true
		}
	}
	return false
}

func isFiveCharBlock(tok string) bool {
	if len(tok) != 5 {
		return false
	}
	for _, c := range tok {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

type draftKey struct {
	feedID string
	header string
}

type draft struct {
	messageType models.MessageType
	header      string
	blocks      []string
	segments    []Segment
	openedAt    time.Time
	lastUpdate  time.Time
	codeword    string
	timeCode    string
	auth        string
}

func (d *draft) body() string {
	return strings.Join(d.blocks, " ")
}

// Pipeline owns draft aggregation, scoring, deduplication, and dispatch for
// one logical actor.
type Pipeline struct {
	cfg Config

	persistence Persister
	hub         Broadcaster
	bus         events.Bus
	logger      logging.Logger

	mu      sync.Mutex
	drafts  map[draftKey]*draft
	recent  map[models.MessageType][]models.EAMMessage

	promoted internalmetrics.Counter
	dropped  internalmetrics.Counter
}

type Deps struct {
	Persistence Persister
	Hub         Broadcaster
	Bus         events.Bus
	Logger      logging.Logger
	Metrics     internalmetrics.Provider
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Window <= 0 {
		cfg.Window = 120 * time.Second
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 50
	}
	if cfg.DedupeRecentCount <= 0 {
		cfg.DedupeRecentCount = 20
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Hour
	}
	if len(cfg.KnownHeaders) == 0 {
		cfg.KnownHeaders = DefaultConfig().KnownHeaders
	}
	p := &Pipeline{
		cfg:         cfg,
		persistence: deps.Persistence,
		hub:         deps.Hub,
		bus:         deps.Bus,
		logger:      deps.Logger,
		drafts:      make(map[draftKey]*draft),
		recent:      make(map[models.MessageType][]models.EAMMessage),
	}
	if deps.Metrics != nil {
		p.promoted = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "eam", Name: "promoted_total", Help: "EAM drafts promoted to messages", Labels: []string{"message_type"},
		}})
		p.dropped = deps.Metrics.NewCounter(internalmetrics.CounterOpts{CommonOpts: internalmetrics.CommonOpts{
			Namespace: "aerohub", Subsystem: "eam", Name: "dropped_total", Help: "Drafts dropped without closing",
		}})
	}
	return p
}

// Ingest processes one transcription segment, opening, extending, or
// closing a draft as needed. A continuation segment need not repeat the
// header; it is matched to whichever draft is currently open for its
// feed. Transcription errors (an empty or unparseable segment) never
// abort the pipeline; they simply fail to match any envelope and are
// discarded.
func (p *Pipeline) Ingest(seg Segment) {
	text := Preprocess(seg.Text)

	if codeword, timeCode, auth, ok := detectSkyking(text); ok {
		p.closeDraft(&draft{
			messageType: models.MessageTypeSKYKING,
			header:      "SKYKING",
			segments:    []Segment{seg},
			openedAt:    seg.Timestamp,
			lastUpdate:  seg.Timestamp,
			codeword:    codeword,
			timeCode:    timeCode,
			auth:        auth,
		})
		return
	}

	tokens := strings.Fields(text)
	headerIdx, headerToken := findHeaderToken(tokens, p.cfg.KnownHeaders)

	p.mu.Lock()
	var key draftKey
	var d *draft
	if headerToken != "" {
		key = draftKey{feedID: seg.FeedID, header: headerToken}
		d = p.drafts[key]
	}
	if d == nil {
		for k, existing := range p.drafts {
			if k.feedID == seg.FeedID {
				key, d = k, existing
				break
			}
		}
	}

	closed := false
	switch {
	case d == nil && headerToken == "":
		p.mu.Unlock()
		return
	case d == nil:
		header, blocks, sentinelClosed, _ := detectEAM(text, p.cfg.KnownHeaders)
		d = &draft{messageType: models.MessageTypeEAM, header: header, openedAt: seg.Timestamp, blocks: blocks}
		key = draftKey{feedID: seg.FeedID, header: header}
		p.drafts[key] = d
		closed = sentinelClosed
	case headerToken != "" && headerToken == d.header:
		closed = true
		for _, tok := range tokens[:headerIdx] {
			if isFiveCharBlock(tok) {
				d.blocks = append(d.blocks, tok)
			}
		}
	default:
		for _, tok := range tokens {
			if isFiveCharBlock(tok) {
				d.blocks = append(d.blocks, tok)
			}
		}
	}
	d.segments = append(d.segments, seg)
	d.lastUpdate = seg.Timestamp
	if closed {
		delete(p.drafts, key)
	}
	p.mu.Unlock()

	if closed {
		p.closeDraft(d)
	}
}

func findHeaderToken(tokens []string, knownHeaders []string) (idx int, token string) {
	for i, tok := range tokens {
		if isKnownHeader(tok, knownHeaders) {
			return i, tok
		}
	}
	return -1, ""
}

// SweepExpired closes drafts whose window has expired at now, and drops
// (without promoting) any draft idle past 2*Window.
func (p *Pipeline) SweepExpired(now time.Time) {
	p.mu.Lock()
	var toClose, toDrop []*draft
	for key, d := range p.drafts {
		age := now.Sub(d.lastUpdate)
		switch {
		case age > 2*p.cfg.Window:
			toDrop = append(toDrop, d)
			delete(p.drafts, key)
		case age > p.cfg.Window:
			toClose = append(toClose, d)
			delete(p.drafts, key)
		}
	}
	p.mu.Unlock()

	for range toDrop {
		if p.dropped != nil {
			p.dropped.Inc(1)
		}
	}
	for _, d := range toClose {
		p.closeDraft(d)
	}
}

func (p *Pipeline) closeDraft(d *draft) {
	score := scoreDraft(d, p.cfg.KnownHeaders)
	if score < p.cfg.PromotionThreshold {
		if p.dropped != nil {
			p.dropped.Inc(1)
		}
		return
	}
	p.promote(d, score)
}

func (p *Pipeline) promote(d *draft, score int) {
	recordingIDs := make([]string, 0, len(d.segments))
	for _, s := range d.segments {
		recordingIDs = append(recordingIDs, s.SegmentID)
	}
	normalizedBody := normalizeBody(d.body())
	var duration float64
	for _, s := range d.segments {
		duration += s.DurationSeconds
	}

	p.mu.Lock()
	dupe, dupeIdx := p.findDuplicate(d.messageType, normalizedBody, d.lastUpdate)
	var result models.EAMMessage
	eventType := promotionEventType(d.messageType)
	if dupe != nil {
		dupe.RepeatCount++
		dupe.LastDetected = d.lastUpdate
		dupe.RecordingIDs = append(dupe.RecordingIDs, recordingIDs...)
		p.recent[d.messageType][dupeIdx] = *dupe
		result = *dupe
		eventType = models.EventEAMRepeatDetected
	} else {
		result = models.EAMMessage{
			ID:               generateID(d),
			MessageType:      d.messageType,
			Header:           d.header,
			MessageBody:      d.body(),
			MessageLength:    len(d.blocks),
			ConfidenceScore:  score,
			FirstDetected:    d.openedAt,
			LastDetected:     d.lastUpdate,
			RepeatCount:      1,
			RecordingIDs:     recordingIDs,
			Codeword:         d.codeword,
			TimeCode:         d.timeCode,
			Authentication:   d.auth,
			MultiSegment:     len(d.segments) > 1,
			SegmentCount:     len(d.segments),
			DurationSeconds:  duration,
		}
		p.recent[d.messageType] = appendCapped(p.recent[d.messageType], result, p.cfg.DedupeRecentCount)
	}
	p.mu.Unlock()

	if p.promoted != nil {
		p.promoted.Inc(1, string(d.messageType))
	}
	if dupe != nil && p.persistence != nil {
		if err := p.persistence.UpdateEAMRepeat(context.Background(), result.ID, recordingIDs); err != nil && p.logger != nil {
			p.logger.ErrorCtx(context.Background(), "eam repeat update failed", "id", result.ID, "err", err.Error())
		}
	} else if p.persistence != nil {
		if err := p.persistence.SaveEAMMessage(context.Background(), result); err != nil && p.logger != nil {
			p.logger.ErrorCtx(context.Background(), "eam save failed", "id", result.ID, "err", err.Error())
		}
	}
	if p.hub != nil {
		p.hub.PublishEAMEvent(eventType, result)
	}
	if p.bus != nil {
		_ = p.bus.Publish(events.Event{
			Category: events.CategoryEAM,
			Type:     string(eventType),
			Fields:   map[string]interface{}{"eam": result},
		})
	}
}

func promotionEventType(mt models.MessageType) models.SubscriptionEventType {
	if mt == models.MessageTypeSKYKING {
		return models.EventSkykingDetected
	}
	return models.EventEAMDetected
}

// findDuplicate compares normalizedBody against the last DedupeRecentCount
// EAMs of the same type within DedupeWindow. Must be called with p.mu
// held.
func (p *Pipeline) findDuplicate(mt models.MessageType, normalizedBody string, at time.Time) (*models.EAMMessage, int) {
	recents := p.recent[mt]
	for i := len(recents) - 1; i >= 0; i-- {
		e := recents[i]
		if at.Sub(e.LastDetected) > p.cfg.DedupeWindow {
			continue
		}
		if normalizeBody(e.MessageBody) == normalizedBody {
			c := e
			return &c, i
		}
	}
	return nil, -1
}

func appendCapped(list []models.EAMMessage, e models.EAMMessage, cap int) []models.EAMMessage {
	list = append(list, e)
	if len(list) > cap {
		list = list[len(list)-cap:]
	}
	return list
}

func normalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// scoreDraft implements the three weighted confidence bands: header recognition (0..40), body grouping regularity (0..30),
// and segment transcription confidences (0..30).
func scoreDraft(d *draft, knownHeaders []string) int {
	headerScore := 0
	if isKnownHeader(d.header, knownHeaders) || d.messageType == models.MessageTypeSKYKING {
		headerScore = 40
	}

	groupingScore := 0
	if len(d.blocks) > 0 {
		regular := 0
		for _, b := range d.blocks {
			if len(b) == 5 {
				regular++
			}
		}
		groupingScore = int(30 * float64(regular) / float64(len(d.blocks)))
	} else if d.messageType == models.MessageTypeSKYKING {
		groupingScore = 30
	}

	transcriptionScore := 0
	if len(d.segments) > 0 {
		var sum float64
		for _, s := range d.segments {
			sum += s.Confidence
		}
		avg := sum / float64(len(d.segments))
		transcriptionScore = int(30 * avg)
	}

	return headerScore + groupingScore + transcriptionScore
}

func generateID(d *draft) string {
	return strings.ToLower(string(d.messageType)) + "_" + d.header + "_" + formatTimestamp(d.openedAt)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
