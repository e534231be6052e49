package store

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

// Dispatcher fans changes out to registered listeners.
// Each listener has its own queue and goroutine, so a callback never runs on the
// writer's goroutine and a slow listener cannot reorder or block another.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	key string
	fn  Listener

	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[*subscription]struct{})}
}

// Subscribe registers fn for changes to key. The returned func deregisters it;
// changes still queued at that point are dropped.
func (d *Dispatcher) Subscribe(key string, fn Listener) func() {
	sub := &subscription{
		key:    key,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	sub.wg.Add(1)
	go sub.run()

	return func() {
		d.mu.Lock()
		delete(d.subs, sub)
		d.mu.Unlock()
		sub.stop()
	}
}

// Dispatch queues the change for every listener registered on its key.
func (d *Dispatcher) Dispatch(change Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := int64(0)
	for sub := range d.subs {
		if sub.key == change.Key {
			sub.enqueue(change)
			delivered++
		}
	}

	if delivered > 0 {
		telemetry.GetMetrics().StoreBroadcastsTotal.Add(context.Background(), delivered,
			metric.WithAttributes(attribute.String("key", change.Key)))
	}
}

// Close deregisters every listener.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[*subscription]struct{})
	d.closed = true
	d.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (s *subscription) enqueue(change Change) {
	s.mu.Lock()
	s.queue = append(s.queue, change)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *subscription) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, change := range pending {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(change)
		}
	}
}
