// Package httppull implements the HTTP-pull source adapter: a
// periodic bounded-area aircraft query with 401/403/429 failure handling
// and current-snapshot diffing.
package httppull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/sources"
)

// Config configures one HTTP-pull source.
type Config struct {
	BaseURL      string
	Lat, Lon     float64
	DistanceNM   float64
	APIKey       string
	PollInterval time.Duration
	BackoffOn429 time.Duration
	HTTPClient   *http.Client
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BackoffOn429: 15 * time.Second,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

var uuidLike = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)

// Adapter polls an HTTP aircraft feed on a timer, diffs the returned
// snapshot against the previously seen aircraft set, and emits a raw
// record per aircraft still present.
type Adapter struct {
	cfg       Config
	onMessage sources.MessageHandler
	onError   sources.ErrorHandler

	mu         sync.Mutex
	cancel     context.CancelFunc
	connected  bool
	messages   int64
	lastUpdate time.Time
	lastError  string
	currentIDs map[string]struct{} // diffed each poll; entries absent from the new snapshot are dropped
	interval   time.Duration
	successRun int
}

func New(cfg Config, onMessage sources.MessageHandler, onError sources.ErrorHandler) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BackoffOn429 <= 0 {
		cfg.BackoffOn429 = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		cfg:        cfg,
		onMessage:  onMessage,
		onError:    onError,
		currentIDs: make(map[string]struct{}),
		interval:   cfg.PollInterval,
	}
}

// Start is idempotent: calling it while already running is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(runCtx)
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.connected = false
	return nil
}

func (a *Adapter) Status() sources.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sources.Status{
		Enabled:    true,
		Connected:  a.connected,
		Messages:   a.messages,
		LastUpdate: a.lastUpdate,
		LastError:  a.lastError,
	}
}

func (a *Adapter) run(ctx context.Context) {
	a.checkAPIKeyShape()
	a.poll(ctx)
	for {
		a.mu.Lock()
		interval := a.interval
		a.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.poll(ctx)
		}
	}
}

func (a *Adapter) checkAPIKeyShape() {
	key := strings.TrimPrefix(a.cfg.APIKey, "api-auth:")
	if key != "" && !uuidLike.MatchString(key) {
		a.reportError(fmt.Errorf("httppull: api key does not look like a UUID (advisory only)"))
	}
}

func (a *Adapter) poll(ctx context.Context) {
	url := fmt.Sprintf("%s/lat/%g/lon/%g/dist/%g", strings.TrimRight(a.cfg.BaseURL, "/"), a.cfg.Lat, a.cfg.Lon, a.cfg.DistanceNM)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		a.reportError(err)
		return
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", strings.TrimPrefix(a.cfg.APIKey, "api-auth:"))
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		a.reportError(err)
		a.setConnected(false)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		a.reportError(fmt.Errorf("httppull: auth rejected (%d); source will not retry until re-enabled", resp.StatusCode))
		a.setConnected(false)
		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		a.mu.Unlock()
		return
	case resp.StatusCode == http.StatusTooManyRequests:
		a.applyRateLimitBackoff()
		return
	case resp.StatusCode != http.StatusOK:
		a.reportError(fmt.Errorf("httppull: unexpected status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.reportError(err)
		return
	}

	var snapshot struct {
		Aircraft []map[string]interface{} `json:"aircraft"`
		AC       []map[string]interface{} `json:"ac"`
	}
	if err := json.Unmarshal(body, &snapshot); err != nil {
		a.reportError(err)
		return
	}
	records := snapshot.Aircraft
	if len(records) == 0 {
		records = snapshot.AC
	}

	a.emitSnapshot(records)
	a.setConnected(true)
	a.restoreIntervalOnSuccess()
}

func (a *Adapter) emitSnapshot(records []map[string]interface{}) {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		id := stringField(rec, "icao", "hex")
		lat, latOK := numericField(rec, "lat")
		lon, lonOK := numericField(rec, "lon")
		if id == "" || !latOK || !lonOK {
			continue
		}
		seen[id] = struct{}{}
		a.onMessage(sources.RawRecord{
			SourceType: "adsb",
			Payload:    rec,
			ReceivedAt: time.Now(),
		})
		a.mu.Lock()
		a.messages++
		a.lastUpdate = time.Now()
		a.mu.Unlock()
	}

	// Aircraft present in the previous snapshot but absent from this one
	// are dropped from the adapter-local map; downstream staleness is the
	// aircraft tracker's responsibility, not this adapter's.
	a.mu.Lock()
	a.currentIDs = seen
	a.mu.Unlock()
}

func stringField(rec map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func numericField(rec map[string]interface{}, key string) (float64, bool) {
	v, ok := rec[key]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f != f { // NaN
		return 0, false
	}
	return f, true
}

func (a *Adapter) applyRateLimitBackoff() {
	a.mu.Lock()
	a.interval = a.cfg.BackoffOn429
	a.successRun = 0
	a.mu.Unlock()
	a.reportError(fmt.Errorf("httppull: rate limited, backing off to %s", a.cfg.BackoffOn429))
}

func (a *Adapter) restoreIntervalOnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.interval == a.cfg.PollInterval {
		return
	}
	a.successRun++
	if a.successRun >= 2 {
		a.interval = a.cfg.PollInterval
		a.successRun = 0
	}
}

func (a *Adapter) setConnected(connected bool) {
	a.mu.Lock()
	a.connected = connected
	a.mu.Unlock()
}

func (a *Adapter) reportError(err error) {
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
	if a.onError != nil {
		a.onError("httppull", err)
	}
}
