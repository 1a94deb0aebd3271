package keygate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kg "github.com/lumenlab/keygate"
	"github.com/lumenlab/keygate/provider/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(keys ...string) kg.Config {
	return kg.Config{
		Providers: map[string]kg.ProviderConfig{
			"mock": {
				Keys:                keys,
				MaxConcurrentPerKey: 8,
				MaxPerMinute:        1000,
				MinInterval:         kg.Duration(time.Nanosecond),
			},
		},
	}
}

func newTestGateway(t *testing.T, cfg kg.Config, adapters []kg.Adapter, opts ...kg.Option) *kg.Gateway {
	t.Helper()
	opts = append(opts, kg.WithSchedulerTick(5*time.Millisecond))
	g, err := kg.NewGateway(cfg, adapters, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

// captureMeter records events for assertions.
type captureMeter struct {
	mu         sync.Mutex
	dispatches []kg.DispatchEvent
	rateLimits []kg.RateLimitEvent
	results    []kg.ResultEvent
}

func (m *captureMeter) OnDispatch(e kg.DispatchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, e)
}

func (m *captureMeter) OnRateLimit(e kg.RateLimitEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = append(m.rateLimits, e)
}

func (m *captureMeter) OnResult(e kg.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

func rateLimitedSend(failures int) (*mock.Adapter, *int) {
	calls := 0
	adapter := mock.New(mock.WithSendFunc(func(_ context.Context, _ string, _ kg.Request) (kg.Stream, error) {
		calls++
		if calls <= failures {
			return nil, &kg.RateLimitError{Kind: kg.RateLimitMinute, ResetAt: time.Now().Add(time.Minute)}
		}
		return kg.NewUnaryStream("recovered"), nil
	}))
	return adapter, &calls
}

func TestSend_Success(t *testing.T) {
	adapter := mock.New(mock.WithChunks("Hel", "lo"))
	g := newTestGateway(t, testConfig("sk-test-key-0001"), []kg.Adapter{adapter})

	stream, err := g.Send(context.Background(), kg.Request{
		Provider: "mock",
		Model:    "mock-model",
		Messages: []kg.Message{{Role: kg.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	content, err := kg.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", content)
	assert.Equal(t, []string{"sk-test-key-0001"}, adapter.Keys())
}

func TestSend_UnknownProvider(t *testing.T) {
	g := newTestGateway(t, testConfig("sk-test-key-0001"), []kg.Adapter{mock.New()})

	_, err := g.Send(context.Background(), kg.Request{Provider: "nope"})
	assert.ErrorIs(t, err, kg.ErrUnknownProvider)
}

func TestSend_NoKeyConfigured(t *testing.T) {
	g := newTestGateway(t, kg.Config{}, []kg.Adapter{mock.New()})

	_, err := g.Send(context.Background(), kg.Request{Provider: "mock"})
	assert.ErrorIs(t, err, kg.ErrNoKeyConfigured)
}

func TestSend_RetriesOnDifferentKey(t *testing.T) {
	adapter, _ := rateLimitedSend(1)
	g := newTestGateway(t, testConfig("sk-test-key-000A", "sk-test-key-000B"), []kg.Adapter{adapter})

	stream, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
	require.NoError(t, err)

	content, err := kg.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)

	keys := adapter.Keys()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1], "retry must rotate to a different key")
}

func TestSend_RetryBound(t *testing.T) {
	cases := []struct {
		name     string
		keys     []string
		attempts int64
	}{
		{"one key", []string{"sk-test-key-0001"}, 1},
		{"two keys", []string{"sk-test-key-0001", "sk-test-key-0002"}, 2},
		{"five keys", []string{"sk-test-key-0001", "sk-test-key-0002", "sk-test-key-0003", "sk-test-key-0004", "sk-test-key-0005"}, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := mock.New(mock.WithError(&kg.RateLimitError{
				Kind:    kg.RateLimitMinute,
				ResetAt: time.Now().Add(time.Minute),
			}))
			g := newTestGateway(t, testConfig(tc.keys...), []kg.Adapter{adapter})

			_, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
			require.Error(t, err)
			assert.ErrorIs(t, err, kg.ErrRateLimited)
			assert.Equal(t, tc.attempts, adapter.Calls())

			var rl *kg.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Greater(t, rl.RetryAfterSeconds(), 0)
		})
	}
}

func TestSend_NonRetryableSurfacesImmediately(t *testing.T) {
	adapter := mock.New(mock.WithError(kg.ErrUpstreamRejected))
	g := newTestGateway(t, testConfig("sk-test-key-0001", "sk-test-key-0002"), []kg.Adapter{adapter})

	_, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kg.ErrUpstreamRejected)
	assert.Equal(t, int64(1), adapter.Calls())

	var ge *kg.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "mock", ge.Provider)
	assert.Equal(t, 1, ge.Attempts)
}

func TestSend_EmptyResponseSurfaces(t *testing.T) {
	adapter := mock.New(mock.WithError(kg.ErrEmptyResponse))
	g := newTestGateway(t, testConfig("sk-test-key-0001"), []kg.Adapter{adapter})

	_, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
	assert.ErrorIs(t, err, kg.ErrEmptyResponse)
}

func TestSend_CancelPropagates(t *testing.T) {
	adapter := mock.New(mock.WithLatency(5 * time.Second))
	g := newTestGateway(t, testConfig("sk-test-key-0001"), []kg.Adapter{adapter})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Send(ctx, kg.Request{Provider: "mock", Model: "mock-model"})
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("cancelled send never returned")
	}
}

func TestSend_MeterSeesOnlyMaskedKeys(t *testing.T) {
	meter := &captureMeter{}
	adapter, _ := rateLimitedSend(1)
	g := newTestGateway(t, testConfig("sk-secret-key-000A", "sk-secret-key-000B"), []kg.Adapter{adapter}, kg.WithMeter(meter))

	stream, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
	require.NoError(t, err)
	_, err = kg.Collect(stream)
	require.NoError(t, err)

	meter.mu.Lock()
	defer meter.mu.Unlock()
	require.NotEmpty(t, meter.dispatches)
	require.NotEmpty(t, meter.rateLimits)
	require.NotEmpty(t, meter.results)

	for _, e := range meter.dispatches {
		assert.NotContains(t, e.Key, "secret")
		assert.Contains(t, e.Key, "...")
	}
	for _, e := range meter.rateLimits {
		assert.NotContains(t, e.Key, "secret")
	}

	last := meter.results[len(meter.results)-1]
	assert.True(t, last.Success)
	assert.Equal(t, 2, last.Attempts)
	assert.Equal(t, 1, last.Chunks)
}

func TestAvailability_ReportsWaitAfterExhaustion(t *testing.T) {
	adapter := mock.New(mock.WithError(&kg.RateLimitError{
		Kind:    kg.RateLimitMinute,
		ResetAt: time.Now().Add(time.Minute),
	}))
	g := newTestGateway(t, testConfig("sk-test-key-0001"), []kg.Adapter{adapter})

	_, err := g.Send(context.Background(), kg.Request{Provider: "mock", Model: "mock-model"})
	require.Error(t, err)

	avail := g.Availability("mock")
	assert.False(t, avail.AvailableNow)
	assert.InDelta(t, 60, avail.WaitSeconds(), 3)
}
