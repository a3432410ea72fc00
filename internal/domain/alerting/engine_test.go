package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/notification"
	"github.com/clinic/auditcore/internal/platform/telemetry"
)

func TestEngine_FiveFailuresRaiseOneAlert(t *testing.T) {
	fx := newFixture(t, DefaultThresholds().Rules())

	var facts []auditlog.Fact
	for _, offset := range []time.Duration{0, 40 * time.Second, 80 * time.Second, 150 * time.Second, 180 * time.Second} {
		f := fx.record(t, failedAccess("U1", baseTime.Add(offset)))
		_, err := fx.engine.Evaluate(context.Background(), f)
		require.NoError(t, err)
		facts = append(facts, f)
	}

	active := fx.active(t)
	require.Len(t, active, 1)
	a := active[0]
	assert.Equal(t, TypeRepeatedFailedAccess, a.Type)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, "U1", a.ActorID)
	assert.Equal(t, "10.0.0.5", a.NetworkOrigin)
	assert.ElementsMatch(t, idsOf(facts...), a.SourceFactIDs)
}

func TestEngine_DedupWhileAlertIsOpen(t *testing.T) {
	metrics := telemetry.New()
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 5, Span: 15 * time.Minute}}, WithMetrics(metrics))

	for i := 0; i < 5; i++ {
		fx.observe(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second)))
	}
	require.Len(t, fx.active(t), 1)

	for i := 5; i < 8; i++ {
		assert.Empty(t, fx.observe(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second))))
	}
	assert.Len(t, fx.active(t), 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AlertsSuppressed.WithLabelValues(string(TypeRepeatedFailedAccess))))

	// Investigating is still open.
	_, err := fx.engine.Investigate(context.Background(), fx.active(t)[0].ID, "SEC1")
	require.NoError(t, err)
	assert.Empty(t, fx.observe(t, failedAccess("U1", baseTime.Add(9*time.Second))))

	all, err := fx.engine.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_NewAlertAfterResolutionUsesOnlyFreshFacts(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})

	for i := 0; i < 3; i++ {
		fx.observe(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second)))
	}
	first := fx.active(t)[0]
	_, err := fx.engine.Resolve(context.Background(), first.ID, "user locked out, password reset", "SEC1")
	require.NoError(t, err)

	var fresh []auditlog.Fact
	for i := 3; i < 5; i++ {
		f := fx.record(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second)))
		raised, err := fx.engine.Evaluate(context.Background(), f)
		require.NoError(t, err)
		assert.Empty(t, raised)
		fresh = append(fresh, f)
	}
	f := fx.record(t, failedAccess("U1", baseTime.Add(5*time.Second)))
	fresh = append(fresh, f)
	raised, err := fx.engine.Evaluate(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.ElementsMatch(t, idsOf(fresh...), raised[0].SourceFactIDs)
	assert.NotEqual(t, first.ID, raised[0].ID)
}

func raiseOne(t *testing.T, fx *fixture) *Alert {
	t.Helper()
	for i := 0; i < 3; i++ {
		fx.observe(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second)))
	}
	active := fx.active(t)
	require.Len(t, active, 1)
	return active[0]
}

func TestEngine_ResolveTerminalAlert(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	a := raiseOne(t, fx)
	ctx := context.Background()

	resolved, err := fx.engine.Resolve(ctx, a.ID, "confirmed typo in password", "SEC1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "SEC1", resolved.ResolvedBy)

	before, err := fx.engine.Get(ctx, a.ID)
	require.NoError(t, err)

	_, err = fx.engine.Resolve(ctx, a.ID, "second attempt", "SEC2")
	var te *apperr.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, string(StatusResolved), te.Current)

	_, err = fx.engine.MarkFalsePositive(ctx, a.ID, "SEC2")
	require.ErrorAs(t, err, &te)

	after, err := fx.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngine_ResolveRequiresText(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	a := raiseOne(t, fx)

	_, err := fx.engine.Resolve(context.Background(), a.ID, "   ", "SEC1")
	var te *apperr.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(StatusActive), te.Current)

	got, err := fx.engine.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.Resolution)
}

func TestEngine_FalsePositiveFromInvestigating(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	a := raiseOne(t, fx)
	ctx := context.Background()

	_, err := fx.engine.Investigate(ctx, a.ID, "SEC1")
	require.NoError(t, err)
	_, err = fx.engine.Investigate(ctx, a.ID, "SEC1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	fp, err := fx.engine.MarkFalsePositive(ctx, a.ID, "SEC1")
	require.NoError(t, err)
	assert.Equal(t, StatusFalsePositive, fp.Status)
	assert.Empty(t, fp.Resolution)
	assert.NotNil(t, fp.ResolvedAt)
}

func TestEngine_UnknownAlert(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.engine.Resolve(ctx, "missing", "text", "SEC1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = fx.engine.Resolve(ctx, "missing", "", "SEC1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = fx.engine.MarkFalsePositive(ctx, "missing", "SEC1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEngine_ConcurrentResolutionsSucceedOnce(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	a := raiseOne(t, fx)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = fx.engine.Resolve(context.Background(), a.ID, "closed", "SEC1")
			} else {
				_, err = fx.engine.MarkFalsePositive(context.Background(), a.ID, "SEC2")
			}
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrInvalidTransition):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

func TestEngine_ConcurrentEvaluationRaisesOnce(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	var facts []auditlog.Fact
	for i := 0; i < 5; i++ {
		facts = append(facts, fx.record(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second))))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(f auditlog.Fact) {
			defer wg.Done()
			_, _ = fx.engine.Evaluate(context.Background(), f)
		}(facts[2+i%3])
	}
	wg.Wait()

	all, err := fx.engine.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_SweepCatchesMissedFacts(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})
	for i := 0; i < 4; i++ {
		fx.record(t, failedAccess("U1", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	now := baseTime.Add(10 * time.Minute)

	n, err := fx.engine.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = fx.engine.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, fx.active(t), 1)
}

func TestEngine_NotifierFailureKeepsAlert(t *testing.T) {
	metrics := telemetry.New()
	var calls atomic.Int32
	multi := notification.NewMulti().Add("siem", notification.NotifierFunc(func(context.Context, notification.Message) error {
		calls.Add(1)
		return errors.New("siem unreachable")
	}))
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}},
		WithNotifier(multi), WithMetrics(metrics))

	a := raiseOne(t, fx)
	fx.engine.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotifierFailures.WithLabelValues("siem")))
	got, err := fx.engine.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestEngine_NotifiesRaisedAlerts(t *testing.T) {
	got := make(chan notification.Message, 1)
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}},
		WithNotifier(notification.NotifierFunc(func(_ context.Context, m notification.Message) error {
			got <- m
			return nil
		})))

	a := raiseOne(t, fx)
	select {
	case m := <-got:
		assert.Equal(t, a.ID, m.AlertID)
		assert.Equal(t, "repeated_failed_access", m.Type)
		assert.Len(t, m.SourceFactIDs, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestEngine_ObservesTheAuditBus(t *testing.T) {
	facts := auditlog.NewMemoryRepository()
	alerts := NewMemoryRepository()
	engine := NewEngine(alerts, facts, []Rule{FailedAccessRule{Threshold: 5, Span: 15 * time.Minute}})
	bus := auditlog.NewBus(64, zerolog.Nop(), nil)
	bus.Subscribe("alerting", engine)
	svc := auditlog.NewService(facts, auditlog.WithBus(bus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = bus.Run(ctx); close(done) }()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(context.Background(), failedAccess("U1", baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		list, _ := engine.List(context.Background(), Filter{Status: StatusActive})
		return len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestEngine_MaxWindow(t *testing.T) {
	e := NewEngine(nil, nil, DefaultThresholds().Rules())
	assert.Equal(t, 30*24*time.Hour, e.MaxWindow())
	assert.Zero(t, NewEngine(nil, nil, nil).MaxWindow())
}
