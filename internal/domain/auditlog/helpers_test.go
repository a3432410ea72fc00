package auditlog

import (
	"context"
	"time"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
	"github.com/clinic/auditcore/internal/platform/watermark"
	"github.com/clinic/auditcore/pkg/pagination"
)

var baseTime = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

func accessFact(actor string, outcome Outcome, ts time.Time) *AccessFact {
	return &AccessFact{
		Header: Header{
			ActorID:          actor,
			ActorDisplayName: "Name of " + actor,
			ActorRole:        "nurse",
			Timestamp:        ts,
			NetworkOrigin:    "10.0.0.5",
			ClientAgent:      "Chrome 120.0 on Windows 10 (desktop)",
		},
		ResourceKind: "patient",
		ResourceID:   "P-1",
		Operation:    OperationRead,
		Outcome:      outcome,
	}
}

func modificationFact(actor string, ts time.Time) *ModificationFact {
	return &ModificationFact{
		Header:        Header{ActorID: actor, ActorDisplayName: "Name of " + actor, Timestamp: ts, NetworkOrigin: "10.0.0.6"},
		EntityKind:    "diagnosis",
		EntityID:      "D-1",
		FieldName:     "code",
		PreviousValue: "J10",
		NewValue:      "J11",
		Reason:        "coding correction",
	}
}

func printFact(actor string, ts time.Time) *PrintFact {
	token := fingerprint.NewUniqueToken()
	return &PrintFact{
		Header:         Header{ActorID: actor, ActorDisplayName: "Name of " + actor, Timestamp: ts, NetworkOrigin: "10.0.0.7"},
		PatientID:      "P-9",
		DocumentType:   DocLabResults,
		DocumentTitle:  "CBC panel",
		PageCount:      2,
		Justification:  "Patient requested copy for specialist",
		Urgency:        UrgencyNormal,
		DocumentDigest: fingerprint.DocumentDigest("P-9", string(DocLabResults), ts),
		PrintDigest:    fingerprint.PrintDigest(token, actor, ts),
		Watermark: watermark.Info{
			ActorID: actor, ActorDisplayName: "Name of " + actor, Timestamp: ts,
			NetworkOrigin: "10.0.0.7", DocumentID: "DOC-9", UniqueToken: token,
		},
		Status: PrintPending,
	}
}

// unavailableRepo fails every operation as an unreachable store would.
type unavailableRepo struct{}

func (unavailableRepo) err(op string) error {
	return apperr.Unavailable(op, context.DeadlineExceeded)
}
func (r unavailableRepo) Insert(context.Context, Fact) error { return r.err("insert") }
func (r unavailableRepo) Get(context.Context, string) (Fact, error) {
	return nil, r.err("get")
}
func (r unavailableRepo) Query(context.Context, Filter, pagination.Params) ([]Fact, int, error) {
	return nil, 0, r.err("query")
}
func (r unavailableRepo) Scan(context.Context, Filter, func(Fact) error) error {
	return r.err("scan")
}
func (r unavailableRepo) SetPrintStatus(context.Context, string, PrintStatus) error {
	return r.err("set status")
}
func (r unavailableRepo) FindPrintByToken(context.Context, string) (*PrintFact, error) {
	return nil, r.err("find")
}
func (r unavailableRepo) PurgeBefore(context.Context, time.Time) (int, error) {
	return 0, r.err("purge")
}
