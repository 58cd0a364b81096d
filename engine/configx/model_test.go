package configx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrecedence(t *testing.T) {
	r := NewRegistry()
	r.SetDefault("source", "poll_interval", 5)

	v, ok := r.Lookup("source", "poll_interval")
	require.True(t, ok)
	assert.Equal(t, 5, v)

	t.Setenv("SOURCE_POLL_INTERVAL", "15")
	v, ok = r.Lookup("source", "poll_interval")
	require.True(t, ok)
	assert.Equal(t, 15.0, v)

	r.SetRuntime("source", "poll_interval", 30)
	v, ok = r.Lookup("source", "poll_interval")
	require.True(t, ok)
	assert.Equal(t, 30, v)

	r.ClearRuntime("source", "poll_interval")
	v, ok = r.Lookup("source", "poll_interval")
	require.True(t, ok)
	assert.Equal(t, 15.0, v)
}

func TestLookupUnsetReturnsNotOK(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("missing", "key")
	assert.False(t, ok)
}

func TestCoerceEnvValue(t *testing.T) {
	assert.Equal(t, true, coerceEnvValue("true"))
	assert.Equal(t, false, coerceEnvValue("FALSE"))
	assert.Equal(t, 42.0, coerceEnvValue("42"))
	assert.Equal(t, "adsb-primary", coerceEnvValue("adsb-primary"))

	v := coerceEnvValue(`{"lat":55.86,"lon":-4.25}`)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 55.86, m["lat"])
}

func TestValidateRequired(t *testing.T) {
	r := NewRegistry()
	r.SetDefault("eam", "promotion_threshold", 50)

	err := r.ValidateRequired(map[string][]string{
		"eam": {"promotion_threshold", "window_seconds"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eam.window_seconds")

	r.SetDefault("eam", "window_seconds", 120)
	assert.NoError(t, r.ValidateRequired(map[string][]string{"eam": {"promotion_threshold", "window_seconds"}}))
}

func TestGetCategoryMergesTiers(t *testing.T) {
	r := NewRegistry()
	r.SetDefault("hub", "batch_limit", 100)
	r.SetDefault("hub", "broadcast_interval_ms", 500)
	r.SetRuntime("hub", "batch_limit", 200)

	cat := r.GetCategory("hub")
	assert.Equal(t, 200, cat["batch_limit"])
	assert.Equal(t, 500, cat["broadcast_interval_ms"])
}

func TestTierName(t *testing.T) {
	assert.Equal(t, "default", TierName(TierDefault))
	assert.Equal(t, "environment", TierName(TierEnvironment))
	assert.Equal(t, "runtime", TierName(TierRuntime))
	assert.Equal(t, "unknown", TierName(99))
}
