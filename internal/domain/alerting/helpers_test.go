package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

// 2026-04-14 is a Tuesday.
var baseTime = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	facts  *auditlog.MemoryRepository
	alerts *MemoryRepository
	log    *auditlog.Service
	engine *Engine
}

func newFixture(t *testing.T, rules []Rule, opts ...Option) *fixture {
	t.Helper()
	facts := auditlog.NewMemoryRepository()
	alerts := NewMemoryRepository()
	opts = append([]Option{WithClock(func() time.Time { return baseTime.Add(time.Hour) })}, opts...)
	return &fixture{
		facts:  facts,
		alerts: alerts,
		log:    auditlog.NewService(facts),
		engine: NewEngine(alerts, facts, rules, opts...),
	}
}

// record appends f without evaluating it.
func (fx *fixture) record(t *testing.T, f auditlog.Fact) auditlog.Fact {
	t.Helper()
	id, err := fx.log.Append(context.Background(), f)
	require.NoError(t, err)
	stored, err := fx.facts.Get(context.Background(), id)
	require.NoError(t, err)
	return stored
}

// observe appends f and evaluates it the way the bus would.
func (fx *fixture) observe(t *testing.T, f auditlog.Fact) []*Alert {
	t.Helper()
	stored := fx.record(t, f)
	raised, err := fx.engine.Evaluate(context.Background(), stored)
	require.NoError(t, err)
	return raised
}

func (fx *fixture) active(t *testing.T) []*Alert {
	t.Helper()
	list, err := fx.engine.List(context.Background(), Filter{Status: StatusActive})
	require.NoError(t, err)
	return list
}

func access(actor, origin string, op auditlog.Operation, outcome auditlog.Outcome, ts time.Time) *auditlog.AccessFact {
	return &auditlog.AccessFact{
		Header: auditlog.Header{
			ActorID:          actor,
			ActorDisplayName: "Name of " + actor,
			ActorRole:        "nurse",
			Timestamp:        ts,
			NetworkOrigin:    origin,
		},
		ResourceKind: "patient",
		ResourceID:   "P-1",
		Operation:    op,
		Outcome:      outcome,
	}
}

func failedAccess(actor string, ts time.Time) *auditlog.AccessFact {
	return access(actor, "10.0.0.5", auditlog.OperationRead, auditlog.OutcomeFailure, ts)
}

func modification(actor, role, entityKind string, ts time.Time) *auditlog.ModificationFact {
	return &auditlog.ModificationFact{
		Header: auditlog.Header{
			ActorID: actor, ActorDisplayName: "Name of " + actor, ActorRole: role,
			Timestamp: ts, NetworkOrigin: "10.0.0.8",
		},
		EntityKind:    entityKind,
		EntityID:      "E-1",
		FieldName:     "code",
		PreviousValue: "A",
		NewValue:      "B",
	}
}

func idsOf(facts ...auditlog.Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.FactHeader().ID
	}
	return out
}

func printFact(actor string, ts time.Time) *auditlog.PrintFact {
	token := fingerprint.NewUniqueToken()
	return &auditlog.PrintFact{
		Header: auditlog.Header{
			ActorID: actor, ActorDisplayName: "Name of " + actor, ActorRole: "physician",
			Timestamp: ts, NetworkOrigin: "10.0.0.7",
		},
		PatientID:      "P-9",
		DocumentType:   auditlog.DocPrescription,
		DocumentTitle:  "Prescription",
		PageCount:      1,
		Justification:  "Patient requested a copy",
		Urgency:        auditlog.UrgencyNormal,
		DocumentDigest: fingerprint.DocumentDigest("P-9", string(auditlog.DocPrescription), ts),
		PrintDigest:    fingerprint.PrintDigest(token, actor, ts),
		Watermark: watermark.Info{
			ActorID: actor, ActorDisplayName: "Name of " + actor, Timestamp: ts,
			NetworkOrigin: "10.0.0.7", DocumentID: "DOC-1", UniqueToken: token,
		},
		Status: auditlog.PrintPending,
	}
}
