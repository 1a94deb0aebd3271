package keygate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultTick is the backstop interval for re-evaluating the queue. Time
// heals slots (cooldown expiry, window reset) without generating an event,
// so the loop cannot rely on wake signals alone.
const defaultTick = 50 * time.Millisecond

// Work is one admitted unit of provider work, bound to the slot the
// scheduler acquired for it.
type Work func(ctx context.Context, slot *KeySlot) (Stream, error)

type workResult struct {
	stream Stream
	err    error
}

type queueItem struct {
	id         string
	provider   string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	exclude    map[string]struct{}
	ctx        context.Context
	fn         Work
	done       chan workResult
}

// Scheduler admits queued work as provider keys become selectable. A single
// loop serves all providers; the actual upstream calls run in their own
// goroutines so a slow provider never blocks admission.
type Scheduler struct {
	pool *KeyPool
	tick time.Duration

	mu    sync.Mutex
	queue []*queueItem
	seq   uint64

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTick overrides the backstop evaluation interval.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tick = d }
}

// NewScheduler creates a Scheduler draining into the given pool and starts
// its loop. Callers must Close it when done.
func NewScheduler(pool *KeyPool, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool: pool,
		tick: defaultTick,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// Close stops the scheduling loop. Queued items are abandoned; in-flight
// work is unaffected.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

// Run enqueues one unit of work and blocks until it has been dispatched and
// completed, or until ctx is cancelled while still queued. Keys listed in
// exclude are never selected for this item.
//
// Within one provider and priority, dispatch order is FIFO by enqueue time.
func (s *Scheduler) Run(ctx context.Context, provider string, priority int, exclude map[string]struct{}, fn Work) (Stream, error) {
	item := &queueItem{
		id:         uuid.New().String(),
		provider:   provider,
		priority:   priority,
		enqueuedAt: time.Now(),
		exclude:    exclude,
		ctx:        ctx,
		fn:         fn,
		done:       make(chan workResult, 1),
	}

	s.mu.Lock()
	s.seq++
	item.seq = s.seq
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.notify()

	select {
	case res := <-item.done:
		return res.stream, res.err
	case <-ctx.Done():
		if s.remove(item) {
			return nil, ctx.Err()
		}
		// Already dispatched; the work sees the same ctx and aborts on its
		// own. Wait for it so the slot is accounted for either way.
		res := <-item.done
		return res.stream, res.err
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// remove takes an item out of the queue if it has not been dispatched yet.
func (s *Scheduler) remove(item *queueItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, it := range s.queue {
		if it == item {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatch()
	}
}

// dispatch makes one admission pass: highest priority first, FIFO within a
// priority, each provider's head tried independently so a blocked provider
// cannot starve another's items. Items leave the queue the moment a slot is
// acquired, never on completion, so a slow upstream call holds nothing here.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return
	}

	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})

	blocked := make(map[string]bool)
	remaining := s.queue[:0]
	for _, item := range s.queue {
		if item.ctx.Err() != nil {
			item.done <- workResult{err: item.ctx.Err()}
			continue
		}
		if blocked[item.provider] {
			remaining = append(remaining, item)
			continue
		}

		slot, prospect := s.pool.Acquire(item.provider, item.exclude)
		if slot == nil {
			if !prospect {
				// Every candidate key is disabled until a rate-limit
				// reset; waiting on in-flight work frees nothing, so the
				// item fails now with a wait estimate.
				avail := s.pool.NextAvailability(item.provider)
				item.done <- workResult{err: &RateLimitError{
					Kind:    avail.Kind,
					ResetAt: time.Now().Add(avail.Wait),
					Message: avail.Message,
				}}
				continue
			}
			blocked[item.provider] = true
			remaining = append(remaining, item)
			continue
		}

		go s.execute(item, slot)
	}
	s.queue = remaining
}

// execute runs one dispatched item outside the scheduler critical section.
func (s *Scheduler) execute(item *queueItem, slot *KeySlot) {
	stream, err := item.fn(item.ctx, slot)
	if err != nil {
		s.release(item.provider, slot)
		item.done <- workResult{err: err}
		return
	}
	item.done <- workResult{stream: &slotStream{
		inner:   stream,
		release: func() { s.release(item.provider, slot) },
	}}
}

func (s *Scheduler) release(provider string, slot *KeySlot) {
	s.pool.Release(provider, slot.Key())
	s.notify()
}

// slotStream ties a key slot's concurrency unit to the lifetime of the
// stream it served. The release fires exactly once, on the first terminal
// event or on Close, whichever comes first.
type slotStream struct {
	inner       Stream
	release     func()
	releaseOnce sync.Once
}

func (s *slotStream) Next() (Chunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		s.releaseOnce.Do(s.release)
	}
	return chunk, err
}

func (s *slotStream) Close() error {
	s.releaseOnce.Do(s.release)
	return s.inner.Close()
}
