package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/platform/telemetry"
)

// Observer is notified of every appended fact. Observers run on the bus
// goroutine and must not block for long.
type Observer interface {
	ObserveFact(ctx context.Context, f Fact)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, f Fact)

func (fn ObserverFunc) ObserveFact(ctx context.Context, f Fact) { fn(ctx, f) }

type namedObserver struct {
	name string
	obs  Observer
}

// Bus dispatches append events to observers asynchronously. Publish never
// blocks the appender: when the buffer is full the event is dropped, counted
// and logged, and observers are expected to catch up through periodic sweeps.
type Bus struct {
	events    chan Fact
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	mu        sync.RWMutex
	observers []namedObserver
	drainWait time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int, logger zerolog.Logger, metrics *telemetry.Metrics) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		events:    make(chan Fact, buffer),
		logger:    logger.With().Str("component", "audit_bus").Logger(),
		metrics:   metrics,
		drainWait: 5 * time.Second,
		closed:    make(chan struct{}),
	}
}

// Subscribe registers an observer under name.
func (b *Bus) Subscribe(name string, o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, namedObserver{name: name, obs: o})
}

// Publish enqueues f for delivery and reports whether it was accepted.
func (b *Bus) Publish(f Fact) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.events <- f:
		return true
	default:
		b.metrics.IncObserverDropped()
		b.logger.Warn().
			Str("fact_id", f.FactHeader().ID).
			Str("kind", string(f.Kind())).
			Msg("observer buffer full, event dropped")
		return false
	}
}

// Pending returns the number of undelivered events.
func (b *Bus) Pending() int { return len(b.events) }

// Run delivers events until ctx is cancelled, then drains what is already
// buffered for a bounded time.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case f := <-b.events:
			b.deliver(ctx, f)
		case <-ctx.Done():
			b.closeOnce.Do(func() { close(b.closed) })
			b.drain()
			return nil
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), b.drainWait)
	defer cancel()
	for {
		select {
		case f := <-b.events:
			b.deliver(ctx, f)
		case <-ctx.Done():
			if n := len(b.events); n > 0 {
				b.logger.Warn().Int("pending", n).Msg("bus drain timed out")
			}
			return
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, f Fact) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()
	for _, o := range observers {
		b.safeObserve(ctx, o, f)
	}
}

func (b *Bus) safeObserve(ctx context.Context, o namedObserver, f Fact) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncObserverPanic(o.name)
			b.logger.Error().
				Str("observer", o.name).
				Str("fact_id", f.FactHeader().ID).
				Str("panic", fmt.Sprint(r)).
				Msg("observer panicked")
		}
	}()
	o.obs.ObserveFact(ctx, Clone(f))
}
