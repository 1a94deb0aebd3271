package keygate

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Default admission caps, used when a provider's Limits leave a field zero.
const (
	defaultMaxConcurrentPerKey = 2
	defaultMaxPerMinute        = 10
	defaultMinInterval         = time.Second
)

// Limits are the per-key admission caps for one provider.
type Limits struct {
	MaxConcurrentPerKey int
	MaxPerMinute        int
	MinInterval         time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrentPerKey <= 0 {
		l.MaxConcurrentPerKey = defaultMaxConcurrentPerKey
	}
	if l.MaxPerMinute <= 0 {
		l.MaxPerMinute = defaultMaxPerMinute
	}
	if l.MinInterval <= 0 {
		l.MinInterval = defaultMinInterval
	}
	return l
}

// KeySlot is one provider credential plus its live availability and usage
// state. Slots are created once at pool construction and never destroyed;
// a rate-limited slot is temporarily disabled, not rotated out.
type KeySlot struct {
	key string

	available        bool
	rateLimitResetAt time.Time
	rateLimitKind    RateLimitKind

	lastUsedAt    time.Time
	windowCount   int
	windowResetAt time.Time

	// active is atomic because Release runs outside the pool lock, racing
	// with selection reads by design.
	active atomic.Int32

	// interval enforces the minimum spacing between dispatches on this key.
	interval *rate.Limiter
}

// Key returns the raw credential for use in an outbound request. Never log
// this value; use MaskedKey instead.
func (s *KeySlot) Key() string { return s.key }

// MaskedKey returns the redacted form of the credential.
func (s *KeySlot) MaskedKey() string { return MaskKey(s.key) }

// Availability describes when a provider can next accept a request.
type Availability struct {
	AvailableNow bool
	Wait         time.Duration
	Kind         RateLimitKind
	Message      string
}

// WaitSeconds returns the wait rounded up to whole seconds.
func (a Availability) WaitSeconds() int {
	if a.Wait <= 0 {
		return 0
	}
	return int((a.Wait + time.Second - 1) / time.Second)
}

// KeyPool holds the credential slots for every configured provider. All
// selection and rate-limit bookkeeping goes through the pool; it performs
// no I/O of its own.
type KeyPool struct {
	mu     sync.Mutex
	slots  map[string][]*KeySlot
	limits map[string]Limits
}

// NewKeyPool creates an empty pool. Providers are registered with Add.
func NewKeyPool() *KeyPool {
	return &KeyPool{
		slots:  make(map[string][]*KeySlot),
		limits: make(map[string]Limits),
	}
}

// Add registers keys for a provider. Duplicate keys are dropped.
func (p *KeyPool) Add(provider string, limits Limits, keys ...string) {
	limits = limits.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.limits[provider] = limits
	seen := make(map[string]bool, len(p.slots[provider]))
	for _, s := range p.slots[provider] {
		seen[s.key] = true
	}
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		p.slots[provider] = append(p.slots[provider], &KeySlot{
			key:       key,
			available: true,
			interval:  rate.NewLimiter(rate.Every(limits.MinInterval), 1),
		})
	}
}

// Size returns the number of slots registered for a provider.
func (p *KeyPool) Size(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots[provider])
}

// Providers returns the providers with at least one slot.
func (p *KeyPool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.slots))
	for name, slots := range p.slots {
		if len(slots) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Acquire returns the best selectable slot for a provider, preferring the
// least-recently-used slot among the selectable ones. Keys in exclude are
// skipped (retry must rotate to a different key).
//
// The second return reports whether any non-excluded slot could still become
// selectable without a rate-limit reset: when it is false, every candidate
// is disabled until its reset passes, so waiting on in-flight work frees
// nothing.
//
// Expired cooldowns and windows are healed opportunistically here; no
// background timer exists.
func (p *KeyPool) Acquire(provider string, exclude map[string]struct{}) (*KeySlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limits := p.limits[provider].withDefaults()
	now := time.Now()

	var candidates []*KeySlot
	anyProspect := false
	for _, s := range p.slots[provider] {
		heal(s, now)
		if _, skip := exclude[s.key]; skip {
			continue
		}
		if !s.available {
			continue
		}
		anyProspect = true
		if int(s.active.Load()) >= limits.MaxConcurrentPerKey {
			continue
		}
		if s.windowCount >= limits.MaxPerMinute {
			continue
		}
		candidates = append(candidates, s)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsedAt.Before(candidates[j].lastUsedAt)
	})

	for _, s := range candidates {
		// AllowN consumes the interval token, so it is checked last and
		// only for the slot about to be dispatched.
		if !s.interval.AllowN(now, 1) {
			continue
		}
		s.lastUsedAt = now
		s.windowCount++
		s.active.Add(1)
		return s, true
	}

	return nil, anyProspect
}

// ReportRateLimited disables a key until resetAt. A zero resetAt falls back
// to the default for the kind: now+60s for minute, next UTC midnight for
// day. Repeated reports for the same slot are harmless.
func (p *KeyPool) ReportRateLimited(provider, key string, resetAt time.Time, kind RateLimitKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.find(provider, key)
	if s == nil {
		return
	}

	if kind == "" {
		kind = RateLimitMinute
	}
	if resetAt.IsZero() {
		switch kind {
		case RateLimitDay:
			resetAt = nextMidnightUTC()
		default:
			resetAt = time.Now().Add(time.Minute)
		}
	}

	s.available = false
	s.rateLimitResetAt = resetAt
	s.rateLimitKind = kind
}

// Release returns a slot's concurrency unit. It must always run, regardless
// of how the call ended, so a crashed call cannot pin concurrency forever.
func (p *KeyPool) Release(provider, key string) {
	p.mu.Lock()
	s := p.find(provider, key)
	p.mu.Unlock()

	if s != nil && s.active.Load() > 0 {
		s.active.Add(-1)
	}
}

// NextAvailability reports whether a provider can accept a request right now
// and, if not, how long until the soonest rate-limit reset. Used to build
// the caller-facing "try again in N seconds" terminal error.
func (p *KeyPool) NextAvailability(provider string) Availability {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.slots[provider]
	if len(slots) == 0 {
		return Availability{Message: fmt.Sprintf("no %s API key configured", provider)}
	}

	now := time.Now()
	var soonest time.Time
	var kind RateLimitKind
	for _, s := range slots {
		heal(s, now)
		if s.available {
			return Availability{AvailableNow: true}
		}
		if soonest.IsZero() || s.rateLimitResetAt.Before(soonest) {
			soonest = s.rateLimitResetAt
			kind = s.rateLimitKind
		}
	}

	wait := soonest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	a := Availability{Wait: wait, Kind: kind}
	a.Message = fmt.Sprintf("all %s keys are rate limited, try again in %d seconds", provider, a.WaitSeconds())
	return a
}

// find must be called with p.mu held.
func (p *KeyPool) find(provider, key string) *KeySlot {
	for _, s := range p.slots[provider] {
		if s.key == key {
			return s
		}
	}
	return nil
}

// heal restores a slot whose cooldown or minute window has expired. Must be
// called with the pool lock held.
func heal(s *KeySlot, now time.Time) {
	if !s.available && !s.rateLimitResetAt.IsZero() && now.After(s.rateLimitResetAt) {
		s.available = true
		s.rateLimitResetAt = time.Time{}
		s.rateLimitKind = ""
	}
	if s.windowResetAt.IsZero() || now.After(s.windowResetAt) {
		s.windowCount = 0
		s.windowResetAt = now.Add(time.Minute)
	}
}
