package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinic/auditcore/internal/platform/apperr"
)

// MemoryRepository keeps alerts in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]*Alert)}
}

func (r *MemoryRepository) Create(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[a.ID]; ok {
		return apperr.Invalid("id", "duplicate alert id %s", a.ID)
	}
	r.alerts[a.ID] = a.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, apperr.NotFound("security alert", id)
	}
	return a.clone(), nil
}

func (r *MemoryRepository) collect(match func(*Alert) bool) []*Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*Alert{}
	for _, a := range r.alerts {
		if match(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *MemoryRepository) List(ctx context.Context, f Filter) ([]*Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.collect(f.Match), nil
}

func (r *MemoryRepository) ListBySubject(_ context.Context, t Type, subjectKey string) ([]*Alert, error) {
	return r.collect(func(a *Alert) bool {
		return a.Type == t && a.SubjectKey == subjectKey
	}), nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, from []Status, to Status, resolution, by string, at time.Time) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, apperr.NotFound("security alert", id)
	}
	if !statusIn(a.Status, from) {
		return nil, &apperr.TransitionError{Entity: "security alert", ID: id, Current: string(a.Status), Target: string(to)}
	}
	a.Status = to
	a.UpdatedAt = at
	if to.Terminal() {
		a.Resolution = resolution
		a.ResolvedBy = by
		resolvedAt := at
		a.ResolvedAt = &resolvedAt
	}
	return a.clone(), nil
}

func (r *MemoryRepository) PurgeResolvedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.alerts {
		if a.Status.Terminal() && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(r.alerts, id)
			n++
		}
	}
	return n, nil
}
