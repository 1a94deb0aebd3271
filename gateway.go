package keygate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxAttempts bounds how many keys one Send will burn through before the
// rate limit is surfaced to the caller.
const maxAttempts = 3

// Gateway is the composition root: it owns the key pool, the admission
// scheduler and the provider adapters, and exposes the single entry point
// Send. Callers never see keys, queues or retries.
type Gateway struct {
	pool     *KeyPool
	sched    *Scheduler
	adapters map[string]Adapter
	meter    Meter
	tick     time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithSchedulerTick overrides the scheduler's backstop interval.
func WithSchedulerTick(d time.Duration) Option {
	return func(g *Gateway) { g.tick = d }
}

// NewGateway creates a Gateway with the given config and adapters. Keys come
// from the config merged with the environment (KeysFromEnv); an adapter
// whose provider ends up with zero keys stays registered but every Send to
// it fails fast with ErrNoKeyConfigured.
func NewGateway(cfg Config, adapters []Adapter, opts ...Option) (*Gateway, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("keygate: at least one adapter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		pool:     NewKeyPool(),
		adapters: make(map[string]Adapter, len(adapters)),
		meter:    noopMeter{},
		tick:     defaultTick,
	}
	for _, a := range adapters {
		g.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		opt(g)
	}

	for name := range g.adapters {
		keys := cfg.keysFor(name)
		if len(keys) == 0 {
			continue
		}
		g.pool.Add(name, cfg.Providers[name].Limits(), keys...)
	}

	g.sched = NewScheduler(g.pool, WithTick(g.tick))
	return g, nil
}

// Close stops the gateway's scheduler. In-flight streams keep working.
func (g *Gateway) Close() {
	g.sched.Close()
}

// Availability reports whether a provider can accept a request right now,
// for callers that want to pre-check before enqueueing work.
func (g *Gateway) Availability(provider string) Availability {
	return g.pool.NextAvailability(provider)
}

// Send performs one logical chat completion. The request is queued until a
// selectable key exists, dispatched with it, and on a rate limit retried on
// a different key up to maxAttempts times. The returned stream always ends
// with io.EOF; callers must Close it.
func (g *Gateway) Send(ctx context.Context, req Request) (Stream, error) {
	adapter, ok := g.adapters[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	poolSize := g.pool.Size(req.Provider)
	if poolSize == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyConfigured, req.Provider)
	}

	exclude := make(map[string]struct{})
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		attempt := attempts

		var usedKey string
		stream, err := g.sched.Run(ctx, req.Provider, req.Priority, exclude, func(ctx context.Context, slot *KeySlot) (Stream, error) {
			usedKey = slot.Key()
			g.meter.OnDispatch(DispatchEvent{
				Provider: req.Provider,
				Model:    req.Model,
				Key:      slot.MaskedKey(),
				Attempt:  attempt,
				Priority: req.Priority,
			})
			return adapter.Send(ctx, slot.Key(), req)
		})

		if err == nil {
			return &meteredStream{
				inner:    stream,
				meter:    g.meter,
				provider: req.Provider,
				model:    req.Model,
				key:      MaskKey(usedKey),
				attempts: attempts,
				start:    time.Now(),
			}, nil
		}

		var rl *RateLimitError
		if errors.As(err, &rl) && usedKey != "" {
			g.pool.ReportRateLimited(req.Provider, usedKey, rl.ResetAt, rl.Kind)
			g.meter.OnRateLimit(RateLimitEvent{
				Provider: req.Provider,
				Key:      MaskKey(usedKey),
				Kind:     rl.Kind,
				ResetAt:  rl.ResetAt,
			})
			exclude[usedKey] = struct{}{}
			if len(exclude) < poolSize {
				continue
			}
			// Every key has been tried; fall through to the terminal
			// availability estimate.
			break
		}
		if errors.As(err, &rl) {
			// Never dispatched: the scheduler found every candidate key
			// already disabled.
			break
		}

		g.meter.OnResult(ResultEvent{
			Provider: req.Provider,
			Model:    req.Model,
			Key:      MaskKey(usedKey),
			Attempts: attempts,
			Error:    err,
		})
		return nil, &GatewayError{
			Err:      err,
			Provider: req.Provider,
			Model:    req.Model,
			Key:      MaskKey(usedKey),
			Attempts: attempts,
		}
	}

	avail := g.pool.NextAvailability(req.Provider)
	if avail.Kind == "" {
		avail.Kind = RateLimitMinute
	}
	terminal := &RateLimitError{
		Kind:    avail.Kind,
		ResetAt: time.Now().Add(avail.Wait),
		Message: avail.Message,
	}
	g.meter.OnResult(ResultEvent{
		Provider: req.Provider,
		Model:    req.Model,
		Attempts: attempts,
		Error:    terminal,
	})
	return nil, &GatewayError{
		Err:      terminal,
		Provider: req.Provider,
		Model:    req.Model,
		Attempts: attempts,
	}
}

// meteredStream reports the Send outcome once, when the stream reaches its
// terminal state or is closed early.
type meteredStream struct {
	inner    Stream
	meter    Meter
	provider string
	model    string
	key      string
	attempts int
	start    time.Time
	chunks   int
	reported bool
}

func (s *meteredStream) Next() (Chunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		s.report(err)
		return chunk, err
	}
	s.chunks++
	return chunk, nil
}

func (s *meteredStream) Close() error {
	s.report(io.EOF)
	return s.inner.Close()
}

func (s *meteredStream) report(terminal error) {
	if s.reported {
		return
	}
	s.reported = true

	success := errors.Is(terminal, io.EOF)
	e := ResultEvent{
		Provider: s.provider,
		Model:    s.model,
		Key:      s.key,
		Attempts: s.attempts,
		Success:  success,
		Duration: time.Since(s.start),
		Chunks:   s.chunks,
	}
	if !success {
		e.Error = terminal
	}
	s.meter.OnResult(e)
}
