package keygate_test

import (
	"testing"
	"time"

	kg "github.com/lumenlab/keygate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastLimits removes the interval and window caps from selection so tests
// can exercise one predicate at a time.
var fastLimits = kg.Limits{
	MaxConcurrentPerKey: 2,
	MaxPerMinute:        1000,
	MinInterval:         time.Nanosecond,
}

func TestAcquire_ReturnsSelectableSlot(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	slot, prospect := pool.Acquire("openai", nil)
	require.NotNil(t, slot)
	assert.True(t, prospect)
	assert.Equal(t, "sk-test-key-0001", slot.Key())
}

func TestAcquire_EmptyProvider(t *testing.T) {
	pool := kg.NewKeyPool()

	slot, prospect := pool.Acquire("openai", nil)
	assert.Nil(t, slot)
	assert.False(t, prospect)
}

func TestAcquire_EnforcesConcurrencyCap(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", kg.Limits{MaxConcurrentPerKey: 2, MaxPerMinute: 1000, MinInterval: time.Nanosecond}, "sk-test-key-0001")

	s1, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s1)
	s2, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s2)

	// Both concurrency units taken; the key stays available but is not
	// selectable.
	s3, prospect := pool.Acquire("openai", nil)
	assert.Nil(t, s3)
	assert.True(t, prospect)

	pool.Release("openai", "sk-test-key-0001")
	s4, _ := pool.Acquire("openai", nil)
	assert.NotNil(t, s4)
}

func TestAcquire_EnforcesPerMinuteCap(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", kg.Limits{MaxConcurrentPerKey: 100, MaxPerMinute: 2, MinInterval: time.Nanosecond}, "sk-test-key-0001")

	for i := 0; i < 2; i++ {
		s, _ := pool.Acquire("openai", nil)
		require.NotNil(t, s)
		pool.Release("openai", s.Key())
	}

	s, prospect := pool.Acquire("openai", nil)
	assert.Nil(t, s)
	assert.True(t, prospect)
}

func TestAcquire_EnforcesMinInterval(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", kg.Limits{MaxConcurrentPerKey: 100, MaxPerMinute: 1000, MinInterval: time.Hour}, "sk-test-key-0001")

	s1, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s1)
	pool.Release("openai", s1.Key())

	s2, prospect := pool.Acquire("openai", nil)
	assert.Nil(t, s2)
	assert.True(t, prospect)
}

func TestAcquire_PrefersLeastRecentlyUsed(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001", "sk-test-key-0002")

	s1, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s1)
	pool.Release("openai", s1.Key())

	s2, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s2)
	assert.NotEqual(t, s1.Key(), s2.Key())
}

func TestAcquire_SkipsRateLimitedKey(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-000A", "sk-test-key-000B")

	pool.ReportRateLimited("openai", "sk-test-key-000A", time.Now().Add(time.Minute), kg.RateLimitMinute)

	for i := 0; i < 3; i++ {
		s, _ := pool.Acquire("openai", nil)
		require.NotNil(t, s)
		assert.Equal(t, "sk-test-key-000B", s.Key())
		pool.Release("openai", s.Key())
	}
}

func TestAcquire_HonorsExclude(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-000A", "sk-test-key-000B")

	exclude := map[string]struct{}{"sk-test-key-000A": {}}
	s, _ := pool.Acquire("openai", exclude)
	require.NotNil(t, s)
	assert.Equal(t, "sk-test-key-000B", s.Key())

	exclude["sk-test-key-000B"] = struct{}{}
	s2, prospect := pool.Acquire("openai", exclude)
	assert.Nil(t, s2)
	assert.False(t, prospect)
}

func TestSelfHealing_ExpiredCooldownRestored(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	// Reset already in the past: the next query restores the slot without
	// any explicit reset call.
	pool.ReportRateLimited("openai", "sk-test-key-0001", time.Now().Add(-time.Second), kg.RateLimitMinute)

	s, _ := pool.Acquire("openai", nil)
	require.NotNil(t, s)
	assert.Equal(t, "sk-test-key-0001", s.Key())
}

func TestReportRateLimited_Idempotent(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	resetAt := time.Now().Add(time.Minute)
	pool.ReportRateLimited("openai", "sk-test-key-0001", resetAt, kg.RateLimitMinute)
	pool.ReportRateLimited("openai", "sk-test-key-0001", resetAt, kg.RateLimitMinute)

	s, prospect := pool.Acquire("openai", nil)
	assert.Nil(t, s)
	assert.False(t, prospect)
}

func TestReportRateLimited_DefaultResets(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	// kind=minute with no explicit reset defaults to ~60s out.
	pool.ReportRateLimited("openai", "sk-test-key-0001", time.Time{}, kg.RateLimitMinute)

	avail := pool.NextAvailability("openai")
	assert.False(t, avail.AvailableNow)
	assert.InDelta(t, 60, avail.WaitSeconds(), 2)
	assert.Equal(t, kg.RateLimitMinute, avail.Kind)
	assert.Contains(t, avail.Message, "try again in")
}

func TestNextAvailability_AvailableNow(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	avail := pool.NextAvailability("openai")
	assert.True(t, avail.AvailableNow)
}

func TestNextAvailability_NoKeys(t *testing.T) {
	pool := kg.NewKeyPool()

	avail := pool.NextAvailability("openai")
	assert.False(t, avail.AvailableNow)
	assert.Contains(t, avail.Message, "no openai API key configured")
}

func TestNextAvailability_PicksSoonestReset(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-000A", "sk-test-key-000B")

	pool.ReportRateLimited("openai", "sk-test-key-000A", time.Now().Add(10*time.Second), kg.RateLimitMinute)
	pool.ReportRateLimited("openai", "sk-test-key-000B", time.Now().Add(10*time.Minute), kg.RateLimitDay)

	avail := pool.NextAvailability("openai")
	assert.False(t, avail.AvailableNow)
	assert.InDelta(t, 10, avail.WaitSeconds(), 2)
	assert.Equal(t, kg.RateLimitMinute, avail.Kind)
}

func TestDayLimit_DefaultsToUTCMidnight(t *testing.T) {
	pool := kg.NewKeyPool()
	pool.Add("openai", fastLimits, "sk-test-key-0001")

	pool.ReportRateLimited("openai", "sk-test-key-0001", time.Time{}, kg.RateLimitDay)

	avail := pool.NextAvailability("openai")
	require.False(t, avail.AvailableNow)

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, time.Until(midnight).Seconds(), avail.Wait.Seconds(), 2)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-p...wxyz", kg.MaskKey("sk-proj-abcdefwxyz"))
	assert.Equal(t, "****", kg.MaskKey("short"))
	assert.Equal(t, "****", kg.MaskKey(""))
}
