package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/platform/apperr"
)

func newAlert(id string, typ Type, subject string, created time.Time) *Alert {
	return &Alert{
		ID: id, Type: typ, Severity: SeverityHigh, Title: "t", SubjectKey: subject, ActorID: "U1",
		SourceFactIDs: []string{"F1"}, CreatedAt: created, Status: StatusActive, UpdatedAt: created,
	}
}

func TestMemoryRepository_IsolatesCallers(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a := newAlert("a1", TypeBulkDataAccess, "actor:U1", baseTime)
	require.NoError(t, repo.Create(ctx, a))

	a.SourceFactIDs[0] = "tampered"
	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"F1"}, got.SourceFactIDs)

	got.Status = StatusResolved
	again, _ := repo.Get(ctx, "a1")
	assert.Equal(t, StatusActive, again.Status)

	assert.ErrorIs(t, repo.Create(ctx, newAlert("a1", TypeBulkDataAccess, "x", baseTime)), apperr.ErrValidation)
}

func TestMemoryRepository_ListAndSubject(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newAlert("a1", TypeBulkDataAccess, "actor:U1", baseTime)))
	require.NoError(t, repo.Create(ctx, newAlert("a2", TypeBulkPrintActivity, "actor:U1", baseTime.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newAlert("a3", TypeBulkDataAccess, "actor:U2", baseTime.Add(2*time.Minute))))

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID)

	bulk, err := repo.List(ctx, Filter{Type: TypeBulkDataAccess})
	require.NoError(t, err)
	assert.Len(t, bulk, 2)

	sub, err := repo.ListBySubject(ctx, TypeBulkDataAccess, "actor:U1")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "a1", sub[0].ID)
}

func TestMemoryRepository_TransitionAndPurge(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newAlert("a1", TypeBulkDataAccess, "actor:U1", baseTime)))
	require.NoError(t, repo.Create(ctx, newAlert("a2", TypeBulkDataAccess, "actor:U2", baseTime)))

	_, err := repo.Transition(ctx, "a1", []Status{StatusInvestigating}, StatusResolved, "x", "SEC1", baseTime)
	var te *apperr.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "active", te.Current)

	resolvedAt := baseTime.Add(-100 * 24 * time.Hour)
	_, err = repo.Transition(ctx, "a1", []Status{StatusActive}, StatusResolved, "done", "SEC1", resolvedAt)
	require.NoError(t, err)

	n, err := repo.PurgeResolvedBefore(ctx, baseTime.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, "a1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repo.Get(ctx, "a2")
	assert.NoError(t, err)
}
