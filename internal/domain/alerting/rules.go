package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clinic/auditcore/internal/domain/auditlog"
)

// History gives rules read access to the audit log around a trigger fact.
type History interface {
	// Recent returns facts recorded for actorID with timestamps in [from, to],
	// oldest first. No kinds means every kind.
	Recent(ctx context.Context, actorID string, from, to time.Time, kinds ...auditlog.Kind) ([]auditlog.Fact, error)
	// Attributed reports whether a fact already backs an alert with the
	// rule's type and subject.
	Attributed(factID string) bool
}

// Rule is one threshold predicate. Rules are evaluated independently.
type Rule interface {
	Type() Type
	// Window is how far back the rule looks from its trigger.
	Window() time.Duration
	// Subject returns the dedup key for alerts raised by f, or false when
	// the rule does not apply to f at all.
	Subject(f auditlog.Fact) (string, bool)
	Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error)
}

// Thresholds configures every rule. A zero count or window disables the rule
// that uses it.
type Thresholds struct {
	FailedAccessCount  int
	FailedAccessWindow time.Duration

	BulkAccessCount  int
	BulkAccessWindow time.Duration

	DistinctResourceCount  int
	DistinctResourceWindow time.Duration

	BulkPrintCount  int
	BulkPrintWindow time.Duration

	SessionOverlapWindow time.Duration

	OriginLookback   time.Duration
	OriginMinHistory int

	// Business hours are [Start, End) in Location, on weekdays.
	BusinessHoursStart int
	BusinessHoursEnd   int
	Location           *time.Location

	// ModificationRoles maps an entity kind to the roles allowed to modify
	// it. Entity kinds not listed are unrestricted.
	ModificationRoles map[string][]string
}

// DefaultThresholds returns the reference deployment policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedAccessCount:      5,
		FailedAccessWindow:     15 * time.Minute,
		BulkAccessCount:        50,
		BulkAccessWindow:       time.Hour,
		DistinctResourceCount:  30,
		DistinctResourceWindow: time.Hour,
		BulkPrintCount:         10,
		BulkPrintWindow:        time.Hour,
		SessionOverlapWindow:   10 * time.Minute,
		OriginLookback:         30 * 24 * time.Hour,
		OriginMinHistory:       20,
		BusinessHoursStart:     7,
		BusinessHoursEnd:       20,
		Location:               time.UTC,
		ModificationRoles: map[string][]string{
			"diagnosis":    {"physician"},
			"prescription": {"physician"},
			"lab_result":   {"physician", "lab_technician"},
		},
	}
}

// Rules builds the enabled rule set.
func (t Thresholds) Rules() []Rule {
	var rules []Rule
	if t.FailedAccessCount > 0 && t.FailedAccessWindow > 0 {
		rules = append(rules, FailedAccessRule{Threshold: t.FailedAccessCount, Span: t.FailedAccessWindow})
	}
	if t.BulkAccessCount > 0 && t.BulkAccessWindow > 0 {
		rules = append(rules, BulkAccessRule{Threshold: t.BulkAccessCount, Span: t.BulkAccessWindow})
	}
	if t.DistinctResourceCount > 0 && t.DistinctResourceWindow > 0 {
		rules = append(rules, DistinctResourceRule{Threshold: t.DistinctResourceCount, Span: t.DistinctResourceWindow})
	}
	if t.BulkPrintCount > 0 && t.BulkPrintWindow > 0 {
		rules = append(rules, BulkPrintRule{Threshold: t.BulkPrintCount, Span: t.BulkPrintWindow})
	}
	if t.SessionOverlapWindow > 0 {
		rules = append(rules, SessionOverlapRule{Span: t.SessionOverlapWindow})
	}
	if t.OriginLookback > 0 && t.OriginMinHistory > 0 {
		rules = append(rules, OriginRule{Lookback: t.OriginLookback, MinHistory: t.OriginMinHistory})
	}
	if t.BusinessHoursEnd > t.BusinessHoursStart {
		rules = append(rules, AfterHoursRule{Start: t.BusinessHoursStart, End: t.BusinessHoursEnd, Location: t.Location})
	}
	if len(t.ModificationRoles) > 0 {
		rules = append(rules, ModificationRoleRule{Allowed: t.ModificationRoles})
	}
	return rules
}

func actorSubject(f auditlog.Fact) string {
	return "actor:" + f.FactHeader().ActorID
}

func ids(facts []auditlog.Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.FactHeader().ID
	}
	return out
}

// fresh drops facts already attributed to an alert and those not matching keep.
func fresh(facts []auditlog.Fact, h History, keep func(auditlog.Fact) bool) []auditlog.Fact {
	out := facts[:0:0]
	for _, f := range facts {
		if h.Attributed(f.FactHeader().ID) {
			continue
		}
		if keep == nil || keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func window(ctx context.Context, h History, trigger auditlog.Fact, span time.Duration, kinds ...auditlog.Kind) ([]auditlog.Fact, error) {
	hdr := trigger.FactHeader()
	return h.Recent(ctx, hdr.ActorID, hdr.Timestamp.Add(-span), hdr.Timestamp, kinds...)
}

// FailedAccessRule fires on repeated failed accesses by one actor.
type FailedAccessRule struct {
	Threshold int
	Span      time.Duration
}

func (r FailedAccessRule) Type() Type            { return TypeRepeatedFailedAccess }
func (r FailedAccessRule) Window() time.Duration { return r.Span }

func (r FailedAccessRule) Subject(f auditlog.Fact) (string, bool) {
	a, ok := f.(*auditlog.AccessFact)
	if !ok || a.Outcome != auditlog.OutcomeFailure {
		return "", false
	}
	return actorSubject(f), true
}

func (r FailedAccessRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	facts, err := window(ctx, h, trigger, r.Span, auditlog.KindAccess)
	if err != nil {
		return nil, err
	}
	failed := fresh(facts, h, func(f auditlog.Fact) bool {
		return f.(*auditlog.AccessFact).Outcome == auditlog.OutcomeFailure
	})
	if len(failed) < r.Threshold {
		return nil, nil
	}
	hdr := trigger.FactHeader()
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityHigh,
		Title:         "Repeated failed access",
		Description:   fmt.Sprintf("%d failed accesses by %s within %s", len(failed), hdr.ActorID, r.Span),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       ids(failed),
	}, nil
}

// BulkAccessRule fires when one actor reads an unusual number of records.
type BulkAccessRule struct {
	Threshold int
	Span      time.Duration
}

func (r BulkAccessRule) Type() Type            { return TypeBulkDataAccess }
func (r BulkAccessRule) Window() time.Duration { return r.Span }

func (r BulkAccessRule) Subject(f auditlog.Fact) (string, bool) {
	a, ok := f.(*auditlog.AccessFact)
	if !ok || a.Operation != auditlog.OperationRead {
		return "", false
	}
	return actorSubject(f), true
}

func (r BulkAccessRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	facts, err := window(ctx, h, trigger, r.Span, auditlog.KindAccess)
	if err != nil {
		return nil, err
	}
	reads := fresh(facts, h, func(f auditlog.Fact) bool {
		return f.(*auditlog.AccessFact).Operation == auditlog.OperationRead
	})
	if len(reads) < r.Threshold {
		return nil, nil
	}
	hdr := trigger.FactHeader()
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityHigh,
		Title:         "Bulk data access",
		Description:   fmt.Sprintf("%d record reads by %s within %s", len(reads), hdr.ActorID, r.Span),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       ids(reads),
	}, nil
}

// DistinctResourceRule fires when one actor touches many different records.
type DistinctResourceRule struct {
	Threshold int
	Span      time.Duration
}

func (r DistinctResourceRule) Type() Type            { return TypeUnusualAccessPattern }
func (r DistinctResourceRule) Window() time.Duration { return r.Span }

func (r DistinctResourceRule) Subject(f auditlog.Fact) (string, bool) {
	if _, ok := f.(*auditlog.AccessFact); !ok {
		return "", false
	}
	return actorSubject(f), true
}

func (r DistinctResourceRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	facts, err := window(ctx, h, trigger, r.Span, auditlog.KindAccess)
	if err != nil {
		return nil, err
	}
	facts = fresh(facts, h, nil)
	seen := make(map[string]struct{})
	for _, f := range facts {
		a := f.(*auditlog.AccessFact)
		seen[a.ResourceKind+"/"+a.ResourceID] = struct{}{}
	}
	if len(seen) < r.Threshold {
		return nil, nil
	}
	hdr := trigger.FactHeader()
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityMedium,
		Title:         "Unusual access pattern",
		Description:   fmt.Sprintf("%s accessed %d distinct records within %s", hdr.ActorID, len(seen), r.Span),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       ids(facts),
	}, nil
}

// BulkPrintRule fires when one actor prints many documents in a short span.
type BulkPrintRule struct {
	Threshold int
	Span      time.Duration
}

func (r BulkPrintRule) Type() Type            { return TypeBulkPrintActivity }
func (r BulkPrintRule) Window() time.Duration { return r.Span }

func (r BulkPrintRule) Subject(f auditlog.Fact) (string, bool) {
	if f.Kind() != auditlog.KindPrint {
		return "", false
	}
	return actorSubject(f), true
}

func (r BulkPrintRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	facts, err := window(ctx, h, trigger, r.Span, auditlog.KindPrint)
	if err != nil {
		return nil, err
	}
	prints := fresh(facts, h, nil)
	if len(prints) < r.Threshold {
		return nil, nil
	}
	pages := 0
	for _, f := range prints {
		pages += f.(*auditlog.PrintFact).PageCount
	}
	hdr := trigger.FactHeader()
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityHigh,
		Title:         "Bulk print activity",
		Description:   fmt.Sprintf("%s printed %d documents (%d pages) within %s", hdr.ActorID, len(prints), pages, r.Span),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       ids(prints),
	}, nil
}

// SessionOverlapRule fires when one actor is active from two or more network
// origins at once.
type SessionOverlapRule struct {
	Span time.Duration
}

func (r SessionOverlapRule) Type() Type            { return TypeConcurrentSessionOverlap }
func (r SessionOverlapRule) Window() time.Duration { return r.Span }

func (r SessionOverlapRule) Subject(f auditlog.Fact) (string, bool) {
	return actorSubject(f), true
}

func (r SessionOverlapRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	facts, err := window(ctx, h, trigger, r.Span)
	if err != nil {
		return nil, err
	}
	facts = fresh(facts, h, nil)
	var origins []string
	seen := make(map[string]struct{})
	for _, f := range facts {
		o := f.FactHeader().NetworkOrigin
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			origins = append(origins, o)
		}
	}
	if len(origins) < 2 {
		return nil, nil
	}
	hdr := trigger.FactHeader()
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityHigh,
		Title:         "Concurrent session overlap",
		Description:   fmt.Sprintf("%s active from %s within %s", hdr.ActorID, strings.Join(origins, ", "), r.Span),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       ids(facts),
	}, nil
}

// OriginRule fires when an actor with an established history shows up from a
// network origin never seen for them in the lookback period.
type OriginRule struct {
	Lookback   time.Duration
	MinHistory int
}

func (r OriginRule) Type() Type            { return TypeAnomalousOrigin }
func (r OriginRule) Window() time.Duration { return r.Lookback }

func (r OriginRule) Subject(f auditlog.Fact) (string, bool) {
	return actorSubject(f) + "|origin:" + f.FactHeader().NetworkOrigin, true
}

func (r OriginRule) Evaluate(ctx context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	hdr := trigger.FactHeader()
	facts, err := window(ctx, h, trigger, r.Lookback)
	if err != nil {
		return nil, err
	}
	prior := 0
	for _, f := range facts {
		fh := f.FactHeader()
		if fh.ID == hdr.ID {
			continue
		}
		if fh.NetworkOrigin == hdr.NetworkOrigin {
			return nil, nil
		}
		prior++
	}
	if prior < r.MinHistory {
		return nil, nil
	}
	subject, _ := r.Subject(trigger)
	return &Finding{
		Type:          r.Type(),
		Severity:      SeverityMedium,
		Title:         "Access from unfamiliar origin",
		Description:   fmt.Sprintf("%s used %s for the first time in %s (%d prior events)", hdr.ActorID, hdr.NetworkOrigin, r.Lookback, prior),
		SubjectKey:    subject,
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       []string{hdr.ID},
	}, nil
}

// AfterHoursRule fires on prints, writes and modifications outside business
// hours or on weekends.
type AfterHoursRule struct {
	Start, End int
	Location   *time.Location
}

func (r AfterHoursRule) Type() Type            { return TypeAfterHoursAccess }
func (r AfterHoursRule) Window() time.Duration { return 0 }

func (r AfterHoursRule) Subject(f auditlog.Fact) (string, bool) {
	switch v := f.(type) {
	case *auditlog.AccessFact:
		if v.Operation != auditlog.OperationWrite {
			return "", false
		}
	case *auditlog.ModificationFact, *auditlog.PrintFact:
	default:
		return "", false
	}
	return actorSubject(f), true
}

func (r AfterHoursRule) outside(ts time.Time) bool {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return local.Hour() < r.Start || local.Hour() >= r.End
}

func (r AfterHoursRule) Evaluate(_ context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	hdr := trigger.FactHeader()
	if h.Attributed(hdr.ID) || !r.outside(hdr.Timestamp) {
		return nil, nil
	}
	severity := SeverityMedium
	if trigger.Kind() == auditlog.KindPrint {
		severity = SeverityHigh
	}
	return &Finding{
		Type:          r.Type(),
		Severity:      severity,
		Title:         "After-hours activity",
		Description:   fmt.Sprintf("%s recorded a %s event outside business hours", hdr.ActorID, trigger.Kind()),
		SubjectKey:    actorSubject(trigger),
		ActorID:       hdr.ActorID,
		NetworkOrigin: hdr.NetworkOrigin,
		FactIDs:       []string{hdr.ID},
	}, nil
}

// ModificationRoleRule fires when an actor modifies an entity kind their role
// is not allowed to change.
type ModificationRoleRule struct {
	Allowed map[string][]string
}

func (r ModificationRoleRule) Type() Type            { return TypeUnauthorizedModification }
func (r ModificationRoleRule) Window() time.Duration { return 0 }

func (r ModificationRoleRule) Subject(f auditlog.Fact) (string, bool) {
	m, ok := f.(*auditlog.ModificationFact)
	if !ok {
		return "", false
	}
	if _, restricted := r.Allowed[m.EntityKind]; !restricted {
		return "", false
	}
	return actorSubject(f) + "|entity:" + m.EntityKind, true
}

func (r ModificationRoleRule) Evaluate(_ context.Context, trigger auditlog.Fact, h History) (*Finding, error) {
	m := trigger.(*auditlog.ModificationFact)
	if h.Attributed(m.ID) {
		return nil, nil
	}
	for _, role := range r.Allowed[m.EntityKind] {
		if strings.EqualFold(role, m.ActorRole) || strings.EqualFold(m.ActorRole, "admin") {
			return nil, nil
		}
	}
	subject, _ := r.Subject(trigger)
	return &Finding{
		Type:     r.Type(),
		Severity: SeverityCritical,
		Title:    "Unauthorized modification",
		Description: fmt.Sprintf("%s (role %q) changed %s.%s on %s",
			m.ActorID, m.ActorRole, m.EntityKind, m.FieldName, m.EntityID),
		SubjectKey:    subject,
		ActorID:       m.ActorID,
		NetworkOrigin: m.NetworkOrigin,
		FactIDs:       []string{m.ID},
	}, nil
}
