package httppull

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/sources"
)

type collector struct {
	mu      sync.Mutex
	records []sources.RawRecord
	errs    []error
}

func (c *collector) onMessage(r sources.RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) onError(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestPollEmitsAircraftArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"aircraft": []map[string]interface{}{
				{"icao": "a1b2c3", "lat": 55.8, "lon": -4.2},
			},
		})
	}))
	defer srv.Close()

	c := &collector{}
	a := New(Config{BaseURL: srv.URL, PollInterval: time.Hour}, c.onMessage, c.onError)
	a.poll(context.Background())

	assert.Equal(t, 1, c.count())
	assert.True(t, a.Status().Connected)
}

func TestPollFallsBackToLegacyACField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ac": []map[string]interface{}{
				{"hex": "d4e5f6", "lat": 0.0, "lon": 0.0},
			},
		})
	}))
	defer srv.Close()

	c := &collector{}
	a := New(Config{BaseURL: srv.URL, PollInterval: time.Hour}, c.onMessage, c.onError)
	a.poll(context.Background())

	require.Equal(t, 1, c.count())
	assert.Equal(t, "d4e5f6", c.records[0].Payload["hex"])
}

func TestZeroZeroCoordinatesAreValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"aircraft": []map[string]interface{}{{"icao": "000000", "lat": 0.0, "lon": 0.0}},
		})
	}))
	defer srv.Close()
	c := &collector{}
	a := New(Config{BaseURL: srv.URL, PollInterval: time.Hour}, c.onMessage, c.onError)
	a.poll(context.Background())
	assert.Equal(t, 1, c.count())
}

func TestMissingHexIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"aircraft": []map[string]interface{}{{"lat": 1.0, "lon": 2.0}},
		})
	}))
	defer srv.Close()
	c := &collector{}
	a := New(Config{BaseURL: srv.URL, PollInterval: time.Hour}, c.onMessage, c.onError)
	a.poll(context.Background())
	assert.Equal(t, 0, c.count())
}

func TestUnauthorizedStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := &collector{}
	a := New(Config{BaseURL: srv.URL, PollInterval: time.Hour}, c.onMessage, c.onError)
	a.poll(context.Background())
	require.NotEmpty(t, c.errs)
	assert.False(t, a.Status().Connected)
}

func TestRateLimitBacksOffInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := &collector{}
	cfg := Config{BaseURL: srv.URL, PollInterval: 5 * time.Second, BackoffOn429: 15 * time.Second}
	a := New(cfg, c.onMessage, c.onError)
	a.poll(context.Background())
	a.mu.Lock()
	interval := a.interval
	a.mu.Unlock()
	assert.Equal(t, 15*time.Second, interval)
}
