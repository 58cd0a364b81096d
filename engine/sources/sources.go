// Package sources owns the registry of source adapters: register,
// start, stop, status, and routing each adapter's raw output to the
// message processor without ever letting an adapter error propagate
// synchronously into caller code.
package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aerohub/aerohub/engine/internal/telemetry/events"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// Status is the snapshot an adapter reports for health/readiness probes
// and the operator-facing status endpoint.
type Status struct {
	Enabled    bool      `json:"enabled"`
	Connected  bool      `json:"connected"`
	Messages   int64     `json:"messages"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// RawRecord is an adapter-shaped record handed to the processor, tagged
// with the adapter identity it came from.
type RawRecord struct {
	SourceName string
	SourceType string // adsb | acars | hf | eam
	StationID  string
	API        string
	Payload    map[string]interface{}
	ReceivedAt time.Time
}

// MessageHandler receives every raw record an adapter produces.
type MessageHandler func(RawRecord)

// ErrorHandler receives every adapter-side error. Errors never cross this
// boundary as panics or synchronous returns into the manager's caller.
type ErrorHandler func(sourceName string, err error)

// Adapter is the capability set every source transport implements,
// regardless of whether it polls HTTP, holds a WebSocket open, or polls a
// REST interval endpoint.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

// Manager owns the name -> adapter registry and fans out adapter output to
// the processor and to the diagnostic event bus.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	enabled  map[string]bool

	onMessage MessageHandler
	onError   ErrorHandler
	bus       events.Bus
	logger    logging.Logger
}

func NewManager(onMessage MessageHandler, onError ErrorHandler, bus events.Bus, logger logging.Logger) *Manager {
	return &Manager{
		adapters:  make(map[string]Adapter),
		enabled:   make(map[string]bool),
		onMessage: onMessage,
		onError:   onError,
		bus:       bus,
		logger:    logger,
	}
}

// Register adds an adapter under name. enabled controls whether
// StartEnabled will start it.
func (m *Manager) Register(name string, adapter Adapter, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[name] = adapter
	m.enabled[name] = enabled
}

// HandleMessage returns the callback an adapter constructed for `name`
// should invoke for every raw record it produces.
func (m *Manager) HandleMessage(name string) MessageHandler {
	return func(r RawRecord) {
		r.SourceName = name
		if m.onMessage != nil {
			m.onMessage(r)
		}
	}
}

// HandleError returns the callback an adapter constructed for `name`
// should invoke for every transport-level error. Errors are logged and
// published to the event bus, never returned synchronously to the caller
// that triggered them.
func (m *Manager) HandleError(name string) ErrorHandler {
	return func(_ string, err error) {
		if err == nil {
			return
		}
		if m.logger != nil {
			m.logger.ErrorCtx(context.Background(), "source adapter error", "source", name, "err", err.Error())
		}
		if m.bus != nil {
			_ = m.bus.Publish(events.Event{
				Category: events.CategorySource,
				Type:     "adapter_error",
				Severity: "error",
				Labels:   map[string]string{"source": name},
				Fields:   map[string]interface{}{"error": err.Error()},
			})
		}
		if m.onError != nil {
			m.onError(name, err)
		}
	}
}

func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.RLock()
	a, ok := m.adapters[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sources: unknown adapter %q", name)
	}
	return a.Start(ctx)
}

func (m *Manager) Stop(name string) error {
	m.mu.RLock()
	a, ok := m.adapters[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sources: unknown adapter %q", name)
	}
	return a.Stop()
}

// StartEnabled starts every adapter registered with enabled=true. The
// first start failure is returned after every adapter has been attempted,
// so one misconfigured source cannot prevent the rest from starting.
func (m *Manager) StartEnabled(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.adapters))
	for name, en := range m.enabled {
		if en {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	var firstErr error
	for _, name := range names {
		if err := m.Start(ctx, name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("start %q: %w", name, err)
		}
	}
	return firstErr
}

// StopAll stops every registered adapter, continuing past individual
// failures so shutdown is never partially blocked by one bad adapter.
func (m *Manager) StopAll() {
	m.mu.RLock()
	adapters := make(map[string]Adapter, len(m.adapters))
	for k, v := range m.adapters {
		adapters[k] = v
	}
	m.mu.RUnlock()
	for name, a := range adapters {
		if err := a.Stop(); err != nil && m.logger != nil {
			m.logger.ErrorCtx(context.Background(), "source adapter stop failed", "source", name, "err", err.Error())
		}
	}
}

// Status returns a snapshot of every registered adapter's current state.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.Status()
	}
	return out
}
