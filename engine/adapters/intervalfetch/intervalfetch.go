// Package intervalfetch implements the interval-fetch EAM source adapter
// a timer-driven poll with since-cursor pagination and permissive
// response-shape parsing.
package intervalfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/sources"
)

// Config configures one interval-fetch EAM source.
type Config struct {
	BaseURL      string
	BearerToken  string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// envelope accepts any of the three response shapes the upstream feed has
// been observed to use: a "data" array, a "messages" array, or a bare
// top-level array (handled separately in poll via json.RawMessage).
type envelope struct {
	Data     []json.RawMessage `json:"data"`
	Messages []json.RawMessage `json:"messages"`
}

// Adapter polls an EAM feed on a timer, tracking the last seen message id
// as a since-cursor for pagination.
type Adapter struct {
	cfg       Config
	onMessage sources.MessageHandler
	onError   sources.ErrorHandler

	mu            sync.Mutex
	cancel        context.CancelFunc
	connected     bool
	messages      int64
	lastUpdate    time.Time
	lastError     string
	lastMessageID string
}

func New(cfg Config, onMessage sources.MessageHandler, onError sources.ErrorHandler) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, onMessage: onMessage, onError: onError}
}

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
	a.poll(ctx)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Adapter) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(a.cfg.BaseURL, "/")
	a.mu.Lock()
	since := a.lastMessageID
	a.mu.Unlock()
	if since != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%ssince=%s", url, sep, since)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		a.reportError(err)
		return
	}
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		a.reportError(err)
		a.setConnected(false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.reportError(fmt.Errorf("intervalfetch: unexpected status %d", resp.StatusCode))
		a.setConnected(false)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.reportError(err)
		return
	}

	items, err := extractItems(body)
	if err != nil {
		a.reportError(err)
		return
	}

	a.emit(items)
	a.setConnected(true)
}

// extractItems accepts a bare top-level array, or an object carrying the
// items under "data" or "messages".
func extractItems(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if len(env.Data) > 0 {
		return env.Data, nil
	}
	return env.Messages, nil
}

func (a *Adapter) emit(items []json.RawMessage) {
	for _, raw := range items {
		var rec map[string]interface{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		a.onMessage(sources.RawRecord{
			SourceType: "eam",
			Payload:    rec,
			ReceivedAt: time.Now(),
		})
		if id := stringField(rec, "id", "message_id"); id != "" {
			a.mu.Lock()
			a.lastMessageID = id
			a.mu.Unlock()
		}
		a.mu.Lock()
		a.messages++
		a.lastUpdate = time.Now()
		a.mu.Unlock()
	}
}

func stringField(rec map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
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
		a.onError("intervalfetch", err)
	}
}
