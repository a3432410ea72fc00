package auditlog

import (
	"sort"
	"strings"
	"time"
)

// Filter selects facts. Zero-valued fields do not constrain the result.
// Variant-specific predicates exclude facts of other kinds.
type Filter struct {
	Kinds         []Kind
	Actor         string // case-insensitive substring of the display name
	ActorID       string
	From          *time.Time // inclusive
	To            *time.Time // inclusive
	NetworkOrigin string

	Operation    Operation
	Outcome      Outcome
	ResourceKind string

	EntityKind string

	DocumentType DocumentType
	PatientID    string
	PrintStatus  PrintStatus
}

func (f Filter) wantsKind(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Match reports whether fact satisfies every predicate of f.
func (f Filter) Match(fact Fact) bool {
	h := fact.FactHeader()
	if !f.wantsKind(fact.Kind()) {
		return false
	}
	if f.Actor != "" && !strings.Contains(strings.ToLower(h.ActorDisplayName), strings.ToLower(f.Actor)) {
		return false
	}
	if f.ActorID != "" && h.ActorID != f.ActorID {
		return false
	}
	if f.From != nil && h.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && h.Timestamp.After(*f.To) {
		return false
	}
	if f.NetworkOrigin != "" && h.NetworkOrigin != f.NetworkOrigin {
		return false
	}

	if f.Operation != "" || f.Outcome != "" || f.ResourceKind != "" {
		a, ok := fact.(*AccessFact)
		if !ok {
			return false
		}
		if f.Operation != "" && a.Operation != f.Operation {
			return false
		}
		if f.Outcome != "" && a.Outcome != f.Outcome {
			return false
		}
		if f.ResourceKind != "" && a.ResourceKind != f.ResourceKind {
			return false
		}
	}
	if f.EntityKind != "" {
		m, ok := fact.(*ModificationFact)
		if !ok || m.EntityKind != f.EntityKind {
			return false
		}
	}
	if f.DocumentType != "" || f.PatientID != "" || f.PrintStatus != "" {
		p, ok := fact.(*PrintFact)
		if !ok {
			return false
		}
		if f.DocumentType != "" && p.DocumentType != f.DocumentType {
			return false
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			return false
		}
		if f.PrintStatus != "" && p.Status != f.PrintStatus {
			return false
		}
	}
	return true
}

// newestFirst orders by timestamp descending, then id descending so pages are
// stable when timestamps tie.
func newestFirst(a, b Fact) bool {
	ha, hb := a.FactHeader(), b.FactHeader()
	if !ha.Timestamp.Equal(hb.Timestamp) {
		return ha.Timestamp.After(hb.Timestamp)
	}
	return ha.ID > hb.ID
}

// SortNewestFirst sorts facts in the default query order.
func SortNewestFirst(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool { return newestFirst(facts[i], facts[j]) })
}

// SortOldestFirst sorts facts in scan order.
func SortOldestFirst(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool { return newestFirst(facts[j], facts[i]) })
}
