package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPositionValid(t *testing.T) {
	cases := []struct {
		name string
		pos  Position
		want bool
	}{
		{"origin", Position{Lat: 0, Lon: 0}, true},
		{"valid", Position{Lat: 45.5, Lon: -122.6}, true},
		{"lat too high", Position{Lat: 91, Lon: 0}, false},
		{"lon too low", Position{Lat: 0, Lon: -181}, false},
		{"nan lat", Position{Lat: nan(), Lon: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pos.Valid())
		})
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestCanonicalHex(t *testing.T) {
	assert.Equal(t, "a1b2c3", CanonicalHex(" A1B2C3 "))
	assert.Equal(t, "", CanonicalHex(""))
}

func TestMessageID(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	id := MessageID("station1", "a1b2c3", ts)
	assert.Equal(t, "station1_a1b2c3_1700000000", id)
}

func TestIsMilitaryHex(t *testing.T) {
	assert.True(t, IsMilitaryHex("AE0C6E"))
	assert.False(t, IsMilitaryHex("A00001"))
	assert.False(t, IsMilitaryHex("not-hex"))
}

func TestIsEmergencySquawk(t *testing.T) {
	kind, ok := IsEmergencySquawk("7500")
	assert.True(t, ok)
	assert.Equal(t, "hijack", kind)

	_, ok = IsEmergencySquawk("1200")
	assert.False(t, ok)
}

func TestSourceErrorWrapsAndUnwraps(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := NewSourceError("feed-a", base)

	assert.Equal(t, "feed-a: dial tcp: timeout", err.Error())
	assert.ErrorIs(t, err, base)
}
