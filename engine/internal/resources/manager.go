// Package resources bounds concurrency for callers that must not let an
// unbounded number of blocking operations run at once: persistence calls
// and broadcast hub subscriber fan-out. It does not cache or
// checkpoint anything of its own; it only gates access.
package resources

import (
	"context"
	"sync"
)

type Config struct {
	// MaxInFlight is the maximum number of concurrent Acquire holders.
	// Zero means unbounded (Acquire/Release are no-ops).
	MaxInFlight int
}

// Manager is a semaphore-backed bounded-concurrency gate.
type Manager struct {
	cfg   Config
	slots chan struct{}
	mu    sync.Mutex
}

type Stats struct {
	InFlight int
	Limit    int
}

func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg}
	if cfg.MaxInFlight > 0 {
		m.slots = make(chan struct{}, cfg.MaxInFlight)
	}
	return m, nil
}

func (m *Manager) Close() error { return nil }

// Acquire blocks until a slot is available or ctx is done. With an
// unbounded Manager it always returns immediately.
func (m *Manager) Acquire(ctx context.Context) error {
	if m.slots == nil {
		return nil
	}
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired via Acquire. Safe to call even when no
// slot was held; it is a no-op in that case.
func (m *Manager) Release() {
	if m.slots == nil {
		return
	}
	select {
	case <-m.slots:
	default:
	}
}

func (m *Manager) Stats() Stats {
	s := Stats{Limit: m.cfg.MaxInFlight}
	if m.slots != nil {
		s.InFlight = len(m.slots)
	}
	return s
}
