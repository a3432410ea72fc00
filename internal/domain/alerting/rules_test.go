package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/domain/auditlog"
)

func TestFailedAccessRule_Window(t *testing.T) {
	fx := newFixture(t, []Rule{FailedAccessRule{Threshold: 3, Span: 15 * time.Minute}})

	fx.observe(t, failedAccess("U1", baseTime))
	fx.observe(t, failedAccess("U1", baseTime.Add(5*time.Minute)))
	fx.observe(t, access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(6*time.Minute)))
	// The first failure has left the window by now.
	assert.Empty(t, fx.observe(t, failedAccess("U1", baseTime.Add(16*time.Minute))))
	// Another actor's failures never count.
	assert.Empty(t, fx.observe(t, failedAccess("U2", baseTime.Add(16*time.Minute))))

	raised := fx.observe(t, failedAccess("U1", baseTime.Add(17*time.Minute)))
	require.Len(t, raised, 1)
	assert.Len(t, raised[0].SourceFactIDs, 3)
	assert.Equal(t, "actor:U1", raised[0].SubjectKey)
	assert.Equal(t, SeverityHigh, raised[0].Severity)
}

func TestBulkAccessRule(t *testing.T) {
	fx := newFixture(t, []Rule{BulkAccessRule{Threshold: 3, Span: time.Hour}})
	read := func(min int) *auditlog.AccessFact {
		return access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(time.Duration(min)*time.Minute))
	}

	fx.observe(t, read(0))
	assert.Empty(t, fx.observe(t, access("U1", "10.0.0.5", auditlog.OperationWrite, auditlog.OutcomeSuccess, baseTime.Add(time.Minute))))
	fx.observe(t, read(2))
	raised := fx.observe(t, read(3))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeBulkDataAccess, raised[0].Type)
	assert.Len(t, raised[0].SourceFactIDs, 3)
}

func TestDistinctResourceRule(t *testing.T) {
	fx := newFixture(t, []Rule{DistinctResourceRule{Threshold: 3, Span: time.Hour}})
	read := func(resource string, min int) *auditlog.AccessFact {
		f := access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(time.Duration(min)*time.Minute))
		f.ResourceID = resource
		return f
	}

	fx.observe(t, read("P-1", 0))
	fx.observe(t, read("P-1", 1))
	assert.Empty(t, fx.observe(t, read("P-2", 2)))
	raised := fx.observe(t, read("P-3", 3))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeUnusualAccessPattern, raised[0].Type)
	assert.Contains(t, raised[0].Description, "3 distinct records")
}

func TestBulkPrintRule(t *testing.T) {
	fx := newFixture(t, []Rule{BulkPrintRule{Threshold: 3, Span: time.Hour}})

	fx.observe(t, printFact("U1", baseTime))
	assert.Empty(t, fx.observe(t, printFact("U1", baseTime.Add(10*time.Minute))))
	raised := fx.observe(t, printFact("U1", baseTime.Add(20*time.Minute)))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeBulkPrintActivity, raised[0].Type)
	assert.Contains(t, raised[0].Description, "3 documents (3 pages)")
}

func TestSessionOverlapRule(t *testing.T) {
	fx := newFixture(t, []Rule{SessionOverlapRule{Span: 10 * time.Minute}})

	fx.observe(t, access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime))
	assert.Empty(t, fx.observe(t, access("U2", "10.0.0.9", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(time.Minute))))
	assert.Empty(t, fx.observe(t, access("U1", "10.0.0.9", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(11*time.Minute))))

	raised := fx.observe(t, access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(12*time.Minute)))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeConcurrentSessionOverlap, raised[0].Type)
	assert.Contains(t, raised[0].Description, "10.0.0.9, 10.0.0.5")
}

func TestOriginRule(t *testing.T) {
	fx := newFixture(t, []Rule{OriginRule{Lookback: 24 * time.Hour, MinHistory: 3}})
	at := func(actor, origin string, min int) *auditlog.AccessFact {
		return access(actor, origin, auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(time.Duration(min)*time.Minute))
	}

	// Too little history to judge.
	assert.Empty(t, fx.observe(t, at("U2", "192.168.1.1", 0)))

	for i := 0; i < 3; i++ {
		fx.observe(t, at("U1", "10.0.0.5", i))
	}
	raised := fx.observe(t, at("U1", "203.0.113.7", 10))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeAnomalousOrigin, raised[0].Type)
	assert.Equal(t, "203.0.113.7", raised[0].NetworkOrigin)
	assert.Equal(t, "actor:U1|origin:203.0.113.7", raised[0].SubjectKey)

	_, err := fx.engine.Resolve(context.Background(), raised[0].ID, "travelling clinician", "SEC1")
	require.NoError(t, err)
	// The origin is now part of the actor's history.
	assert.Empty(t, fx.observe(t, at("U1", "203.0.113.7", 20)))
}

func TestAfterHoursRule(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	fx := newFixture(t, []Rule{AfterHoursRule{Start: 7, End: 20, Location: brt}})

	// 12:00 UTC is 09:00 local.
	assert.Empty(t, fx.observe(t, printFact("U1", baseTime.Add(3*time.Hour))))
	// Reads are never after-hours findings.
	assert.Empty(t, fx.observe(t, access("U1", "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeSuccess, baseTime.Add(14*time.Hour+30*time.Minute))))

	// 23:30 UTC is 20:30 local.
	raised := fx.observe(t, printFact("U1", baseTime.Add(14*time.Hour+30*time.Minute)))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeAfterHoursAccess, raised[0].Type)
	assert.Equal(t, SeverityHigh, raised[0].Severity)

	saturday := time.Date(2026, 4, 18, 15, 0, 0, 0, time.UTC)
	raised = fx.observe(t, modification("U3", "physician", "diagnosis", saturday))
	require.Len(t, raised, 1)
	assert.Equal(t, SeverityMedium, raised[0].Severity)
}

func TestModificationRoleRule(t *testing.T) {
	fx := newFixture(t, []Rule{ModificationRoleRule{Allowed: map[string][]string{"diagnosis": {"physician"}}}})

	assert.Empty(t, fx.observe(t, modification("D1", "physician", "diagnosis", baseTime)))
	assert.Empty(t, fx.observe(t, modification("A1", "admin", "diagnosis", baseTime)))
	assert.Empty(t, fx.observe(t, modification("N1", "nurse", "patient", baseTime)))

	raised := fx.observe(t, modification("N1", "nurse", "diagnosis", baseTime))
	require.Len(t, raised, 1)
	assert.Equal(t, TypeUnauthorizedModification, raised[0].Type)
	assert.Equal(t, SeverityCritical, raised[0].Severity)
	assert.Equal(t, "actor:N1|entity:diagnosis", raised[0].SubjectKey)
}

func TestThresholds_Rules(t *testing.T) {
	all := DefaultThresholds().Rules()
	assert.Len(t, all, 8)

	seen := map[Type]bool{}
	for _, r := range all {
		seen[r.Type()] = true
	}
	for _, typ := range Types {
		assert.True(t, seen[typ], typ)
	}

	th := DefaultThresholds()
	th.BulkAccessCount = 0
	th.ModificationRoles = nil
	th.BusinessHoursEnd = th.BusinessHoursStart
	assert.Len(t, th.Rules(), 5)
}
