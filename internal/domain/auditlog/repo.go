package auditlog

import (
	"context"
	"time"

	"github.com/clinic/auditcore/pkg/pagination"
)

// Repository persists audit facts. Implementations must treat stored facts as
// immutable; SetPrintStatus is the single exception.
type Repository interface {
	// Insert stores f, which already carries its ID, and assigns Header.Seq.
	// Callers serialize Insert; implementations need not.
	Insert(ctx context.Context, f Fact) error
	Get(ctx context.Context, id string) (Fact, error)
	// Query returns one page of matching facts, newest first, and the total
	// number of matches.
	Query(ctx context.Context, filter Filter, page pagination.Params) ([]Fact, int, error)
	// Scan calls fn for every matching fact, oldest first. Returning an error
	// from fn stops the scan and is returned.
	Scan(ctx context.Context, filter Filter, fn func(Fact) error) error
	// SetPrintStatus moves a pending print fact to completed or failed.
	SetPrintStatus(ctx context.Context, id string, status PrintStatus) error
	FindPrintByToken(ctx context.Context, token string) (*PrintFact, error)
	// PurgeBefore deletes facts older than cutoff and returns how many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}
