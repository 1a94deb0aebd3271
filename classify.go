package keygate

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Classification is the result of inspecting an upstream failure.
type Classification struct {
	IsRateLimit bool
	Kind        RateLimitKind
	ResetAt     time.Time
}

// rateLimitPhrases are provider-agnostic body fragments that mark a rate
// limit even when the status code is not 429. Matching is best-effort and
// case-insensitive; non-English upstream text falls through to the status
// code check.
var rateLimitPhrases = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"resource has been exhausted",
	"requests per minute",
	"requests per day",
}

// dayPhrases upgrade the kind to a per-day limit.
var dayPhrases = []string{
	"daily",
	"per day",
	"per-day",
	"requests per day",
}

// resetHeaders are checked in order for a reset hint. Values are integers:
// large ones are epoch seconds, small ones are delta seconds from now.
var resetHeaders = []string{
	"Retry-After",
	"X-RateLimit-Reset",
	"X-RateLimit-Reset-Requests",
}

// Classify decides whether an upstream failure is a rate limit and estimates
// when the key becomes usable again. It is a pure function over its inputs.
//
// When neither a header nor a recognizable keyword supplies a reset, the
// fallback is now+60s with kind=minute. That fallback is a default, not
// inferred intent.
func Classify(status int, header http.Header, body string) Classification {
	lower := strings.ToLower(body)

	if status != http.StatusTooManyRequests && !containsAny(lower, rateLimitPhrases) {
		return Classification{}
	}

	c := Classification{IsRateLimit: true, Kind: RateLimitMinute}
	if containsAny(lower, dayPhrases) {
		c.Kind = RateLimitDay
	}

	if t, ok := resetFromHeaders(header); ok {
		c.ResetAt = t
		return c
	}

	switch c.Kind {
	case RateLimitDay:
		c.ResetAt = nextMidnightUTC()
	default:
		c.ResetAt = time.Now().Add(time.Minute)
	}
	return c
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func resetFromHeaders(header http.Header) (time.Time, bool) {
	if header == nil {
		return time.Time{}, false
	}
	for _, name := range resetHeaders {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			continue
		}
		// Anything that parses as a plausible epoch is absolute; smaller
		// values are "seconds from now" in the Retry-After style.
		if secs > 1e9 {
			return time.Unix(secs, 0), true
		}
		return time.Now().Add(time.Duration(secs) * time.Second), true
	}
	return time.Time{}, false
}

func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
