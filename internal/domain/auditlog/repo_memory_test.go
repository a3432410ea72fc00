package auditlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
	"github.com/clinic/auditcore/pkg/pagination"
)

func seedRepo(t *testing.T, r Repository, facts ...Fact) {
	t.Helper()
	for _, f := range facts {
		if f.FactHeader().ID == "" {
			f.FactHeader().ID = fingerprint.NewFactID()
		}
		require.NoError(t, r.Insert(context.Background(), f))
	}
}

func TestMemoryRepository_InsertAssignsSeq(t *testing.T) {
	r := NewMemoryRepository()
	a := accessFact("U1", OutcomeSuccess, baseTime)
	b := accessFact("U1", OutcomeSuccess, baseTime)
	seedRepo(t, r, a, b)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)

	err := r.Insert(context.Background(), a)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestMemoryRepository_StoredFactsAreImmutable(t *testing.T) {
	r := NewMemoryRepository()
	a := accessFact("U1", OutcomeSuccess, baseTime)
	seedRepo(t, r, a)

	a.ResourceID = "changed after insert"
	got, err := r.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.(*AccessFact).ResourceID)

	got.(*AccessFact).ResourceID = "changed after read"
	again, _ := r.Get(context.Background(), a.ID)
	assert.Equal(t, "P-1", again.(*AccessFact).ResourceID)
}

func TestMemoryRepository_GetNotFound(t *testing.T) {
	_, err := NewMemoryRepository().Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMemoryRepository_PaginationCompleteness(t *testing.T) {
	for _, tc := range []struct{ n, size int }{{0, 5}, {1, 5}, {10, 5}, {23, 5}, {23, 7}, {50, 100}} {
		r := NewMemoryRepository()
		want := map[string]bool{}
		for i := 0; i < tc.n; i++ {
			// every third fact shares a timestamp to exercise the id tiebreak
			f := accessFact("U1", OutcomeSuccess, baseTime.Add(time.Duration(i/3)*time.Second))
			seedRepo(t, r, f)
			want[f.ID] = true
		}
		// a fact that the filter must exclude
		seedRepo(t, r, modificationFact("U1", baseTime))

		filter := Filter{Kinds: []Kind{KindAccess}}
		first := pagination.New(1, tc.size)
		_, total, err := r.Query(context.Background(), filter, first)
		require.NoError(t, err)
		require.Equal(t, tc.n, total)

		pages := first.TotalPages(total)
		assert.Equal(t, (tc.n+tc.size-1)/tc.size, pages)

		seen := map[string]bool{}
		var prev Fact
		for p := 1; p <= pages; p++ {
			items, _, err := r.Query(context.Background(), filter, pagination.New(p, tc.size))
			require.NoError(t, err)
			for _, f := range items {
				id := f.FactHeader().ID
				require.False(t, seen[id], "duplicate %s on page %d", id, p)
				seen[id] = true
				if prev != nil {
					require.True(t, newestFirst(prev, f), "page order broken at %s", id)
				}
				prev = f
			}
		}
		assert.Equal(t, want, seen, "n=%d size=%d", tc.n, tc.size)
		if tc.n == 0 {
			assert.Empty(t, seen)
		}
	}
}

func TestMemoryRepository_ScanOldestFirst(t *testing.T) {
	r := NewMemoryRepository()
	late := accessFact("U1", OutcomeSuccess, baseTime.Add(time.Hour))
	early := accessFact("U1", OutcomeSuccess, baseTime)
	seedRepo(t, r, late, early)

	var got []string
	require.NoError(t, r.Scan(context.Background(), Filter{}, func(f Fact) error {
		got = append(got, f.FactHeader().ID)
		return nil
	}))
	assert.Equal(t, []string{early.ID, late.ID}, got)

	stop := errors.New("stop")
	err := r.Scan(context.Background(), Filter{}, func(Fact) error { return stop })
	assert.Equal(t, stop, err)
}

func TestMemoryRepository_ScanHonoursCancellation(t *testing.T) {
	r := NewMemoryRepository()
	seedRepo(t, r, accessFact("U1", OutcomeSuccess, baseTime))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Scan(ctx, Filter{}, func(Fact) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRepository_SetPrintStatusOnce(t *testing.T) {
	r := NewMemoryRepository()
	p := printFact("U1", baseTime)
	a := accessFact("U1", OutcomeSuccess, baseTime)
	seedRepo(t, r, p, a)
	ctx := context.Background()

	require.NoError(t, r.SetPrintStatus(ctx, p.ID, PrintFailed))

	err := r.SetPrintStatus(ctx, p.ID, PrintCompleted)
	var te *apperr.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, string(PrintFailed), te.Current)

	got, _ := r.Get(ctx, p.ID)
	assert.Equal(t, PrintFailed, got.(*PrintFact).Status)

	assert.True(t, errors.Is(r.SetPrintStatus(ctx, a.ID, PrintCompleted), apperr.ErrValidation))
	assert.True(t, errors.Is(r.SetPrintStatus(ctx, "missing", PrintCompleted), apperr.ErrNotFound))
	assert.True(t, errors.Is(r.SetPrintStatus(ctx, p.ID, PrintPending), apperr.ErrValidation))
}

func TestMemoryRepository_FindPrintByToken(t *testing.T) {
	r := NewMemoryRepository()
	p := printFact("U1", baseTime)
	seedRepo(t, r, p)

	got, err := r.FindPrintByToken(context.Background(), p.Watermark.UniqueToken)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = r.FindPrintByToken(context.Background(), fingerprint.NewUniqueToken())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMemoryRepository_PurgeBefore(t *testing.T) {
	r := NewMemoryRepository()
	old := printFact("U1", baseTime.AddDate(-7, 0, 0))
	recent := printFact("U1", baseTime)
	seedRepo(t, r, old, recent)

	n, err := r.PurgeBefore(context.Background(), baseTime.AddDate(-6, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Len())

	_, err = r.Get(context.Background(), old.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.FindPrintByToken(context.Background(), recent.Watermark.UniqueToken)
	assert.NoError(t, err)
}
