package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/notification"
	"github.com/clinic/auditcore/internal/platform/telemetry"
)

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithNotifier(n notification.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithNotifyTimeout bounds each asynchronous notification.
func WithNotifyTimeout(d time.Duration) Option { return func(e *Engine) { e.notifyTimeout = d } }

// Engine evaluates rules against appended facts and owns the alert lifecycle.
type Engine struct {
	alerts        Repository
	facts         auditlog.Repository
	rules         []Rule
	notifier      notification.Notifier
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time
	notifyTimeout time.Duration

	locks    keyedMutex
	inflight sync.WaitGroup
}

func NewEngine(alerts Repository, facts auditlog.Repository, rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		alerts:        alerts,
		facts:         facts,
		rules:         rules,
		logger:        zerolog.Nop(),
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With().Str("component", "alert_engine").Logger()
	return e
}

// MaxWindow is the longest look-back of any rule.
func (e *Engine) MaxWindow() time.Duration {
	var w time.Duration
	for _, r := range e.rules {
		if r.Window() > w {
			w = r.Window()
		}
	}
	return w
}

// ObserveFact evaluates f on the audit bus. Errors are logged; the periodic
// sweep re-evaluates anything missed.
func (e *Engine) ObserveFact(ctx context.Context, f auditlog.Fact) {
	if _, err := e.Evaluate(ctx, f); err != nil {
		e.logger.Error().Err(err).
			Str("fact_id", f.FactHeader().ID).
			Msg("alert evaluation failed")
	}
}

// Evaluate runs every rule against f and stores the alerts that fire.
// Rules are independent: one failing rule does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, f auditlog.Fact) ([]*Alert, error) {
	var raised []*Alert
	var errs []error
	for _, rule := range e.rules {
		subject, ok := rule.Subject(f)
		if !ok {
			continue
		}
		a, err := e.evaluateRule(ctx, rule, subject, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a != nil {
			raised = append(raised, a)
		}
	}
	return raised, errors.Join(errs...)
}

func (e *Engine) evaluateRule(ctx context.Context, rule Rule, subject string, f auditlog.Fact) (*Alert, error) {
	unlock := e.locks.Lock(string(rule.Type()) + "\x00" + subject)
	defer unlock()

	existing, err := e.alerts.ListBySubject(ctx, rule.Type(), subject)
	if err != nil {
		return nil, err
	}
	attributed := make(map[string]struct{})
	for _, a := range existing {
		if !a.Status.Terminal() {
			e.metrics.IncAlertSuppressed(string(rule.Type()))
			return nil, nil
		}
		for _, id := range a.SourceFactIDs {
			attributed[id] = struct{}{}
		}
	}
	if _, done := attributed[f.FactHeader().ID]; done {
		return nil, nil
	}

	finding, err := rule.Evaluate(ctx, f, &history{facts: e.facts, attributed: attributed})
	if err != nil || finding == nil {
		return nil, err
	}

	now := e.now().UTC()
	a := &Alert{
		ID:            uuid.New().String(),
		Type:          finding.Type,
		Severity:      finding.Severity,
		Title:         finding.Title,
		Description:   finding.Description,
		SubjectKey:    finding.SubjectKey,
		ActorID:       finding.ActorID,
		SourceFactIDs: finding.FactIDs,
		NetworkOrigin: finding.NetworkOrigin,
		CreatedAt:     now,
		Status:        StatusActive,
		UpdatedAt:     now,
	}
	if err := e.alerts.Create(ctx, a); err != nil {
		return nil, err
	}
	e.metrics.IncAlertRaised(string(a.Type), string(a.Severity))
	e.logger.Warn().
		Str("alert_id", a.ID).
		Str("alert_type", string(a.Type)).
		Str("actor_id", a.ActorID).
		Int("facts", len(a.SourceFactIDs)).
		Msg("security alert raised")
	e.notify(a)
	return a, nil
}

// notify hands a to the notifier without holding up evaluation. A failed
// delivery is logged and counted; the stored alert is unaffected.
func (e *Engine) notify(a *Alert) {
	if e.notifier == nil {
		return
	}
	msg := toMessage(a)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, msg); err != nil {
			failed := notification.FailedNotifiers(err)
			if len(failed) == 0 {
				failed = []string{"default"}
			}
			for _, name := range failed {
				e.metrics.IncNotifierFailure(name)
			}
			e.logger.Error().Err(err).Str("alert_id", msg.AlertID).Msg("alert notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() { e.inflight.Wait() }

func toMessage(a *Alert) notification.Message {
	return notification.Message{
		AlertID:       a.ID,
		Type:          string(a.Type),
		Severity:      string(a.Severity),
		Title:         a.Title,
		Description:   a.Description,
		ActorID:       a.ActorID,
		NetworkOrigin: a.NetworkOrigin,
		SourceFactIDs: append([]string(nil), a.SourceFactIDs...),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt,
	}
}

// Sweep re-evaluates every fact recorded within the longest rule window
// before now. Facts dropped by the bus are picked up here; dedup keeps
// already alerted facts from firing twice.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	from := now.Add(-e.MaxWindow())
	var facts []auditlog.Fact
	err := e.facts.Scan(ctx, auditlog.Filter{From: &from, To: &now}, func(f auditlog.Fact) error {
		facts = append(facts, f)
		return nil
	})
	if err != nil {
		return 0, err
	}

	raised := 0
	var errs []error
	for _, f := range facts {
		if err := ctx.Err(); err != nil {
			return raised, err
		}
		alerts, err := e.Evaluate(ctx, f)
		raised += len(alerts)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return raised, errors.Join(errs...)
}

func (e *Engine) transition(ctx context.Context, id string, from []Status, to Status, resolution, by string) (*Alert, error) {
	a, err := e.alerts.Transition(ctx, id, from, to, resolution, by, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.metrics.IncAlertTransition(string(to))
	e.logger.Info().
		Str("alert_id", id).
		Str("status", string(to)).
		Str("actor_id", by).
		Msg("security alert transitioned")
	return a, nil
}

// Investigate moves an active alert to investigating.
func (e *Engine) Investigate(ctx context.Context, id, by string) (*Alert, error) {
	return e.transition(ctx, id, []Status{StatusActive}, StatusInvestigating, "", by)
}

// Resolve closes a non-terminal alert. The resolution text is required.
func (e *Engine) Resolve(ctx context.Context, id, resolution, by string) (*Alert, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		current, err := e.alerts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &apperr.TransitionError{
			Entity:  "security alert",
			ID:      id,
			Current: string(current.Status),
			Target:  string(StatusResolved),
			Reason:  "resolution text is required",
		}
	}
	return e.transition(ctx, id, []Status{StatusActive, StatusInvestigating}, StatusResolved, resolution, by)
}

// MarkFalsePositive closes a non-terminal alert without resolution text.
func (e *Engine) MarkFalsePositive(ctx context.Context, id, by string) (*Alert, error) {
	return e.transition(ctx, id, []Status{StatusActive, StatusInvestigating}, StatusFalsePositive, "", by)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return e.alerts.List(ctx, f)
}

func (e *Engine) Get(ctx context.Context, id string) (*Alert, error) {
	return e.alerts.Get(ctx, id)
}

// Purge removes terminal alerts resolved before cutoff.
func (e *Engine) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return e.alerts.PurgeResolvedBefore(ctx, cutoff)
}

// history serves rule look-backs from the audit log, hiding nothing but
// marking facts that already back an alert for the current subject.
type history struct {
	facts      auditlog.Repository
	attributed map[string]struct{}
}

func (h *history) Recent(ctx context.Context, actorID string, from, to time.Time, kinds ...auditlog.Kind) ([]auditlog.Fact, error) {
	var out []auditlog.Fact
	err := h.facts.Scan(ctx, auditlog.Filter{Kinds: kinds, ActorID: actorID, From: &from, To: &to}, func(f auditlog.Fact) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

func (h *history) Attributed(factID string) bool {
	_, ok := h.attributed[factID]
	return ok
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	ent, ok := k.locks[key]
	if !ok {
		ent = &keyedEntry{}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
