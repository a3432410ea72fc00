package auditlog

import (
	"context"
	"sync"
	"time"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/pkg/pagination"
)

// MemoryRepository keeps facts in process memory. It is used in tests and in
// single-node deployments without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	facts   []Fact
	byID    map[string]int
	byToken map[string]int
	nextSeq int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]int),
		byToken: make(map[string]int),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, f Fact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := f.FactHeader()
	if _, exists := r.byID[h.ID]; exists {
		return apperr.Invalid("id", "duplicate fact id %s", h.ID)
	}
	r.nextSeq++
	h.Seq = r.nextSeq

	stored := Clone(f)
	r.facts = append(r.facts, stored)
	r.byID[h.ID] = len(r.facts) - 1
	if p, ok := stored.(*PrintFact); ok && p.Watermark.UniqueToken != "" {
		r.byToken[p.Watermark.UniqueToken] = len(r.facts) - 1
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Fact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return nil, apperr.NotFound("audit fact", id)
	}
	return Clone(r.facts[i]), nil
}

func (r *MemoryRepository) matching(ctx context.Context, filter Filter) ([]Fact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Fact
	for i, f := range r.facts {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if filter.Match(f) {
			out = append(out, Clone(f))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Query(ctx context.Context, filter Filter, page pagination.Params) ([]Fact, int, error) {
	matched, err := r.matching(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	SortNewestFirst(matched)
	page = page.Normalize()
	start, end := page.Bounds(len(matched))
	return matched[start:end], len(matched), nil
}

func (r *MemoryRepository) Scan(ctx context.Context, filter Filter, fn func(Fact) error) error {
	matched, err := r.matching(ctx, filter)
	if err != nil {
		return err
	}
	SortOldestFirst(matched)
	for _, f := range matched {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) SetPrintStatus(ctx context.Context, id string, status PrintStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return apperr.NotFound("audit fact", id)
	}
	p, ok := r.facts[i].(*PrintFact)
	if !ok {
		return apperr.Invalid("id", "fact %s is not a print fact", id)
	}
	if err := checkPrintTransition(id, p.Status, status); err != nil {
		return err
	}
	updated := *p
	updated.Status = status
	r.facts[i] = &updated
	return nil
}

func (r *MemoryRepository) FindPrintByToken(ctx context.Context, token string) (*PrintFact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byToken[token]
	if !ok {
		return nil, apperr.NotFound("watermark", token)
	}
	p := *r.facts[i].(*PrintFact)
	return &p, nil
}

func (r *MemoryRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.facts[:0:0]
	removed := 0
	for _, f := range r.facts {
		if f.FactHeader().Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	r.facts = kept
	r.byID = make(map[string]int, len(kept))
	r.byToken = make(map[string]int)
	for i, f := range kept {
		r.byID[f.FactHeader().ID] = i
		if p, ok := f.(*PrintFact); ok && p.Watermark.UniqueToken != "" {
			r.byToken[p.Watermark.UniqueToken] = i
		}
	}
	return removed, nil
}

// Len returns the number of stored facts.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.facts)
}

func checkPrintTransition(id string, from, to PrintStatus) error {
	if to != PrintCompleted && to != PrintFailed {
		return apperr.Invalid("status", "must be completed or failed, got %q", to)
	}
	if from != PrintPending {
		return &apperr.TransitionError{Entity: "print fact", ID: id, Current: string(from), Target: string(to)}
	}
	return nil
}
