package keygate_test

import (
	"net/http"
	"testing"
	"time"

	kg "github.com/lumenlab/keygate"
	"github.com/stretchr/testify/assert"
)

func TestClassify_429WithMinuteHint(t *testing.T) {
	c := kg.Classify(http.StatusTooManyRequests, nil, "rate limit exceeded, try again in a minute")

	assert.True(t, c.IsRateLimit)
	assert.Equal(t, kg.RateLimitMinute, c.Kind)
	assert.InDelta(t, 60, time.Until(c.ResetAt).Seconds(), 2)
}

func TestClassify_429NoBody(t *testing.T) {
	c := kg.Classify(http.StatusTooManyRequests, nil, "")

	assert.True(t, c.IsRateLimit)
	assert.Equal(t, kg.RateLimitMinute, c.Kind)
	assert.InDelta(t, 60, time.Until(c.ResetAt).Seconds(), 2)
}

func TestClassify_PhraseMatchWithoutStatus(t *testing.T) {
	c := kg.Classify(http.StatusBadRequest, nil, "Quota exceeded for this project")

	assert.True(t, c.IsRateLimit)
	assert.Equal(t, kg.RateLimitMinute, c.Kind)
}

func TestClassify_DailyKeywordMeansDay(t *testing.T) {
	c := kg.Classify(http.StatusTooManyRequests, nil, "you have hit your daily request limit")

	assert.True(t, c.IsRateLimit)
	assert.Equal(t, kg.RateLimitDay, c.Kind)

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	assert.WithinDuration(t, midnight, c.ResetAt, 2*time.Second)
}

func TestClassify_RetryAfterHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "30")

	c := kg.Classify(http.StatusTooManyRequests, header, "")

	assert.True(t, c.IsRateLimit)
	assert.InDelta(t, 30, time.Until(c.ResetAt).Seconds(), 2)
}

func TestClassify_EpochResetHeader(t *testing.T) {
	header := http.Header{}
	header.Set("X-RateLimit-Reset", "1700000000")

	c := kg.Classify(http.StatusTooManyRequests, header, "")

	assert.True(t, c.IsRateLimit)
	assert.Equal(t, time.Unix(1700000000, 0), c.ResetAt)
}

func TestClassify_HeaderBeatsKeywordDefault(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "5")

	c := kg.Classify(http.StatusTooManyRequests, header, "daily quota exceeded")

	// The kind still reflects the keyword, but the reset comes from the
	// header.
	assert.Equal(t, kg.RateLimitDay, c.Kind)
	assert.InDelta(t, 5, time.Until(c.ResetAt).Seconds(), 2)
}

func TestClassify_GarbageHeaderFallsBack(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "soon")

	c := kg.Classify(http.StatusTooManyRequests, header, "")

	assert.True(t, c.IsRateLimit)
	assert.InDelta(t, 60, time.Until(c.ResetAt).Seconds(), 2)
}

func TestClassify_NotRateLimit(t *testing.T) {
	assert.False(t, kg.Classify(http.StatusInternalServerError, nil, "internal error").IsRateLimit)
	assert.False(t, kg.Classify(http.StatusBadRequest, nil, "invalid model").IsRateLimit)
	assert.False(t, kg.Classify(http.StatusOK, nil, "").IsRateLimit)
}
