package alerting

import (
	"context"
	"time"
)

// Repository persists alerts. Only the engine writes to it.
type Repository interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	// List returns matching alerts, newest first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
	// ListBySubject returns every alert of type t raised for subjectKey,
	// whatever its status.
	ListBySubject(ctx context.Context, t Type, subjectKey string) ([]*Alert, error)
	// Transition moves an alert to status `to` only if it is currently in one
	// of `from`. It returns the updated alert, a TransitionError carrying the
	// current status, or NotFound.
	Transition(ctx context.Context, id string, from []Status, to Status, resolution, by string, at time.Time) (*Alert, error)
	// PurgeResolvedBefore deletes terminal alerts resolved before cutoff.
	PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
