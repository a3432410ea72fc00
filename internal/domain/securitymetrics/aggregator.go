// Package securitymetrics reduces the audit log into point-in-time counters
// and day-bucketed trends for the security dashboard.
package securitymetrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/domain/auditlog"
)

const dayLayout = "2006-01-02"

// DayCount is one bucket of a trend series. Date is the local calendar day
// in the reference timezone.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Snapshot is derived state; it is never stored as a source of truth.
type Snapshot struct {
	AsOf     time.Time `json:"asOf"`
	Timezone string    `json:"timezone"`

	AccessesToday      int `json:"accessesToday"`
	ModificationsToday int `json:"modificationsToday"`
	PrintsToday        int `json:"printsToday"`

	TotalAccesses      int `json:"totalAccesses"`
	TotalModifications int `json:"totalModifications"`
	TotalPrints        int `json:"totalPrints"`

	FailedAccesses      int `json:"failedAccesses"`
	FailedAccessesToday int `json:"failedAccessesToday"`
	UniqueActors        int `json:"uniqueActors"`
	UniqueOrigins       int `json:"uniqueOrigins"`
	TotalPrintPages     int `json:"totalPrintPages"`

	AccessTrend []DayCount `json:"accessTrend"`
	PrintTrend  []DayCount `json:"printTrend"`

	// Stale is set when part of the snapshot could not be computed and the
	// values are partial or carried over from an earlier snapshot.
	Stale    bool     `json:"stale"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.AccessTrend = append([]DayCount(nil), s.AccessTrend...)
	c.PrintTrend = append([]DayCount(nil), s.PrintTrend...)
	c.Warnings = append([]string(nil), s.Warnings...)
	return &c
}

type Option func(*Aggregator)

func WithLogger(l zerolog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// Aggregator computes snapshots from an audit log repository.
type Aggregator struct {
	facts  auditlog.Repository
	loc    *time.Location
	days   int
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	last  *Snapshot
	dirty atomic.Bool
}

// NewAggregator buckets days in loc and reports trends over days days.
func NewAggregator(facts auditlog.Repository, loc *time.Location, days int, opts ...Option) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if days <= 0 {
		days = 7
	}
	a := &Aggregator{facts: facts, loc: loc, days: days, logger: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With().Str("component", "security_metrics").Logger()
	a.dirty.Store(true)
	return a
}

func (a *Aggregator) Location() *time.Location { return a.loc }

// TrendDays is the default trend length.
func (a *Aggregator) TrendDays() int { return a.days }

// ObserveFact marks cached gauges as out of date.
func (a *Aggregator) ObserveFact(context.Context, auditlog.Fact) {
	a.dirty.Store(true)
}

// Snapshot computes the metrics as of asOf with the default trend length.
func (a *Aggregator) Snapshot(ctx context.Context, asOf time.Time) (*Snapshot, error) {
	return a.SnapshotDays(ctx, asOf, a.days)
}

// SnapshotDays computes the metrics as of asOf with a trend of days buckets
// ending on asOf's local day. Repeated calls against an unchanged store
// return identical snapshots.
//
// When the trend pass fails the counters are still returned, marked stale.
// When the counter pass fails the last good snapshot is returned, marked
// stale; without one the error is returned.
func (a *Aggregator) SnapshotDays(ctx context.Context, asOf time.Time, days int) (*Snapshot, error) {
	if asOf.IsZero() {
		asOf = a.now()
	}
	if days <= 0 {
		days = a.days
	}
	asOf = asOf.In(a.loc)
	snap := &Snapshot{AsOf: asOf, Timezone: a.loc.String()}

	if err := a.counters(ctx, snap); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.mu.Lock()
		last := a.last
		a.mu.Unlock()
		if last == nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("counter pass failed, serving last snapshot")
		stale := last.clone()
		stale.Stale = true
		stale.Warnings = append(stale.Warnings, fmt.Sprintf("counters unavailable, showing values as of %s", last.AsOf.Format(time.RFC3339)))
		return stale, nil
	}

	if err := a.trends(ctx, snap, days); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn().Err(err).Msg("trend pass failed")
		snap.AccessTrend, snap.PrintTrend = nil, nil
		snap.Stale = true
		snap.Warnings = append(snap.Warnings, "trend window unavailable")
	}

	if !snap.Stale {
		a.mu.Lock()
		a.last = snap.clone()
		a.mu.Unlock()
	}
	return snap, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func (a *Aggregator) counters(ctx context.Context, snap *Snapshot) error {
	today := startOfDay(snap.AsOf, a.loc)
	asOf := snap.AsOf
	actors := make(map[string]struct{})
	origins := make(map[string]struct{})

	err := a.facts.Scan(ctx, auditlog.Filter{To: &asOf}, func(f auditlog.Fact) error {
		h := f.FactHeader()
		isToday := !h.Timestamp.Before(today)
		actors[h.ActorID] = struct{}{}
		if h.NetworkOrigin != "" {
			origins[h.NetworkOrigin] = struct{}{}
		}
		switch v := f.(type) {
		case *auditlog.AccessFact:
			snap.TotalAccesses++
			if isToday {
				snap.AccessesToday++
			}
			if v.Outcome == auditlog.OutcomeFailure {
				snap.FailedAccesses++
				if isToday {
					snap.FailedAccessesToday++
				}
			}
		case *auditlog.ModificationFact:
			snap.TotalModifications++
			if isToday {
				snap.ModificationsToday++
			}
		case *auditlog.PrintFact:
			snap.TotalPrints++
			snap.TotalPrintPages += v.PageCount
			if isToday {
				snap.PrintsToday++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("count facts: %w", err)
	}
	snap.UniqueActors = len(actors)
	snap.UniqueOrigins = len(origins)
	return nil
}

func (a *Aggregator) trends(ctx context.Context, snap *Snapshot, days int) error {
	today := startOfDay(snap.AsOf, a.loc)
	first := today.AddDate(0, 0, -(days - 1))
	asOf := snap.AsOf

	index := make(map[string]int, days)
	snap.AccessTrend = make([]DayCount, days)
	snap.PrintTrend = make([]DayCount, days)
	for i := 0; i < days; i++ {
		d := first.AddDate(0, 0, i).Format(dayLayout)
		index[d] = i
		snap.AccessTrend[i].Date = d
		snap.PrintTrend[i].Date = d
	}

	filter := auditlog.Filter{Kinds: []auditlog.Kind{auditlog.KindAccess, auditlog.KindPrint}, From: &first, To: &asOf}
	err := a.facts.Scan(ctx, filter, func(f auditlog.Fact) error {
		i, ok := index[f.FactHeader().Timestamp.In(a.loc).Format(dayLayout)]
		if !ok {
			return nil
		}
		switch f.Kind() {
		case auditlog.KindAccess:
			snap.AccessTrend[i].Count++
		case auditlog.KindPrint:
			snap.PrintTrend[i].Count++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bucket trends: %w", err)
	}
	return nil
}

// ErrNoSnapshot is returned by Last before any snapshot was computed.
var ErrNoSnapshot = errors.New("no snapshot computed yet")

// Last returns the most recent complete snapshot.
func (a *Aggregator) Last() (*Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return nil, ErrNoSnapshot
	}
	return a.last.clone(), nil
}
