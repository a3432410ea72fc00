package auditlog

import (
	"strings"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
)

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// Validate checks the structure of f: required header fields and enumerated
// values. It never applies business policy.
func Validate(f Fact) error {
	if f == nil {
		return apperr.Invalid("fact", "is required")
	}
	ve := &apperr.ValidationError{}
	h := f.FactHeader()
	if blank(h.ActorID) {
		ve.Add("actorId", "is required")
	}
	if h.Timestamp.IsZero() {
		ve.Add("timestamp", "is required")
	}
	if blank(h.NetworkOrigin) {
		ve.Add("networkOrigin", "is required")
	}

	switch v := f.(type) {
	case *AccessFact:
		validateAccess(v, ve)
	case *ModificationFact:
		validateModification(v, ve)
	case *PrintFact:
		validatePrint(v, ve)
	}
	return ve.Err()
}

func validateAccess(f *AccessFact, ve *apperr.ValidationError) {
	if blank(f.ResourceKind) {
		ve.Add("resourceKind", "is required")
	}
	if blank(f.ResourceID) {
		ve.Add("resourceId", "is required")
	}
	if !f.Operation.Valid() {
		ve.Add("operation", "must be read or write, got %q", f.Operation)
	}
	if !f.Outcome.Valid() {
		ve.Add("outcome", "must be success or failure, got %q", f.Outcome)
	}
}

func validateModification(f *ModificationFact, ve *apperr.ValidationError) {
	if blank(f.EntityKind) {
		ve.Add("entityKind", "is required")
	}
	if blank(f.EntityID) {
		ve.Add("entityId", "is required")
	}
	if blank(f.FieldName) {
		ve.Add("fieldName", "is required")
	}
}

func validatePrint(f *PrintFact, ve *apperr.ValidationError) {
	if blank(f.PatientID) {
		ve.Add("patientId", "is required")
	}
	if !f.DocumentType.Valid() {
		ve.Add("documentType", "unknown document type %q", f.DocumentType)
	}
	if blank(f.DocumentTitle) {
		ve.Add("documentTitle", "is required")
	}
	if f.PageCount < 1 {
		ve.Add("pageCount", "must be at least 1")
	}
	if !f.Urgency.Valid() {
		ve.Add("urgency", "must be one of low, normal, high, emergency, got %q", f.Urgency)
	}
	if len(f.DocumentDigest) != fingerprint.DigestLen {
		ve.Add("documentDigest", "must be a %d character digest", fingerprint.DigestLen)
	}
	if len(f.PrintDigest) != fingerprint.DigestLen {
		ve.Add("printDigest", "must be a %d character digest", fingerprint.DigestLen)
	}
	if blank(f.Watermark.UniqueToken) {
		ve.Add("watermark.uniqueToken", "is required")
	}
	if !f.Status.Valid() {
		ve.Add("status", "must be pending, completed or failed, got %q", f.Status)
	}
}
