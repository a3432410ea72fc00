package auditlog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/platform/telemetry"
)

func TestBus_PublishNeverBlocks(t *testing.T) {
	metrics := telemetry.New()
	bus := NewBus(2, zerolog.Nop(), metrics)

	assert.True(t, bus.Publish(accessFact("U1", OutcomeSuccess, baseTime)))
	assert.True(t, bus.Publish(accessFact("U1", OutcomeSuccess, baseTime)))

	done := make(chan bool)
	go func() { done <- bus.Publish(accessFact("U1", OutcomeSuccess, baseTime)) }()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ObserverDropped))
}

func TestBus_PanickingObserverDoesNotStopDelivery(t *testing.T) {
	metrics := telemetry.New()
	bus := NewBus(4, zerolog.Nop(), metrics)

	var delivered atomic.Int32
	bus.Subscribe("panics", ObserverFunc(func(context.Context, Fact) { panic("boom") }))
	bus.Subscribe("counts", ObserverFunc(func(context.Context, Fact) { delivered.Add(1) }))

	bus.Publish(accessFact("U1", OutcomeSuccess, baseTime))
	bus.Publish(accessFact("U1", OutcomeSuccess, baseTime))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = bus.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return delivered.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ObserverPanics.WithLabelValues("panics")))
}

func TestBus_DrainsOnShutdown(t *testing.T) {
	bus := NewBus(16, zerolog.Nop(), nil)
	var delivered atomic.Int32
	bus.Subscribe("counts", ObserverFunc(func(context.Context, Fact) { delivered.Add(1) }))

	for i := 0; i < 5; i++ {
		bus.Publish(accessFact("U1", OutcomeSuccess, baseTime))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bus.Run(ctx))

	assert.Equal(t, int32(5), delivered.Load())
	assert.False(t, bus.Publish(accessFact("U1", OutcomeSuccess, baseTime)))
}
