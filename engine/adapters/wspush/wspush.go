// Package wspush implements the WebSocket push source adapter: a
// fixed endpoint-variant list, bounded exponential reconnect backoff, and
// permissive raw-text-frame JSON parsing.
package wspush

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aerohub/aerohub/engine/sources"
)

// Config configures one WebSocket push source.
type Config struct {
	Endpoints       []string
	MaxAttempts     int
	EndpointDelay   time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	SourceType      string // acars by default
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		EndpointDelay:  3 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		SourceType:     "acars",
	}
}

// Adapter holds a WebSocket connection open, reconnecting forever while
// enabled. Each enable/disable cycle is driven by Start/Stop.
type Adapter struct {
	cfg       Config
	onMessage sources.MessageHandler
	onError   sources.ErrorHandler

	mu           sync.Mutex
	cancel       context.CancelFunc
	connected    bool
	messages     int64
	malformed    int64
	lastUpdate   time.Time
	lastError    string
}

func New(cfg Config, onMessage sources.MessageHandler, onError sources.ErrorHandler) *Adapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.EndpointDelay <= 0 {
		cfg.EndpointDelay = 3 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.SourceType == "" {
		cfg.SourceType = "acars"
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
	backoff := a.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		endpoint, ok := a.connectOneAttempt(ctx)
		if ok {
			a.setConnected(true)
			backoff = a.cfg.InitialBackoff
			a.readLoop(ctx, endpoint)
			a.setConnected(false)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
}

// connectOneAttempt tries each endpoint variant in order, up to
// MaxAttempts, returning the open connection and true on success.
func (a *Adapter) connectOneAttempt(ctx context.Context) (*websocket.Conn, bool) {
	attempts := 0
	for _, endpoint := range a.cfg.Endpoints {
		if ctx.Err() != nil {
			return nil, false
		}
		if attempts >= a.cfg.MaxAttempts {
			break
		}
		attempts++
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			a.reportError(err)
			select {
			case <-ctx.Done():
				return nil, false
			case <-time.After(a.cfg.EndpointDelay):
			}
			continue
		}
		return conn, true
	}
	return nil, false
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			a.reportError(err)
			return
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(payload, &rec); err != nil {
			a.mu.Lock()
			a.malformed++
			a.mu.Unlock()
			continue
		}
		a.onMessage(sources.RawRecord{
			SourceType: a.cfg.SourceType,
			Payload:    rec,
			ReceivedAt: time.Now(),
		})
		a.mu.Lock()
		a.messages++
		a.lastUpdate = time.Now()
		a.mu.Unlock()
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
		a.onError("wspush", err)
	}
}
