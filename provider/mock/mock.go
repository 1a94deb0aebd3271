// Package mock provides a configurable in-memory adapter for tests.
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenlab/keygate"
)

// Adapter is a mock provider adapter for testing.
type Adapter struct {
	name    string
	content string
	chunks  []string
	err     error
	latency time.Duration

	sendFunc func(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error)

	calls atomic.Int64

	mu       sync.Mutex
	keys     []string
	requests []keygate.Request
}

var _ keygate.Adapter = (*Adapter)(nil)

// Option configures a mock Adapter.
type Option func(*Adapter)

// New creates a mock adapter with the given options.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		name:    "mock",
		content: "Hello from mock adapter",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithContent sets the single-chunk response content.
func WithContent(content string) Option {
	return func(a *Adapter) { a.content = content }
}

// WithChunks makes Send return a multi-chunk stream.
func WithChunks(chunks ...string) Option {
	return func(a *Adapter) { a.chunks = chunks }
}

// WithError makes every Send return this error.
func WithError(err error) Option {
	return func(a *Adapter) { a.err = err }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithSendFunc replaces the response logic entirely.
func WithSendFunc(fn func(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error)) Option {
	return func(a *Adapter) { a.sendFunc = fn }
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.sendFunc != nil {
		return a.sendFunc(ctx, key, req)
	}
	if a.err != nil {
		return nil, a.err
	}
	if len(a.chunks) > 0 {
		return &sliceStream{chunks: a.chunks}, nil
	}
	return keygate.NewUnaryStream(a.content), nil
}

// Calls returns how many times Send was invoked.
func (a *Adapter) Calls() int64 { return a.calls.Load() }

// Keys returns the keys Send was handed, in order.
func (a *Adapter) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Requests returns the requests Send was handed, in order.
func (a *Adapter) Requests() []keygate.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]keygate.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

type sliceStream struct {
	chunks []string
	pos    int
}

func (s *sliceStream) Next() (keygate.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return keygate.Chunk{}, io.EOF
	}
	chunk := keygate.Chunk{Content: s.chunks[s.pos]}
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error {
	s.pos = len(s.chunks)
	return nil
}
