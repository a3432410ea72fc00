// Package printing is the only write path that prints patient documents. A
// print attempt is validated against the justification policy, recorded in
// the audit log and only then handed to the printer.
package printing

import (
	"strings"
	"unicode/utf8"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

// Policy is the print section of the policy store.
type Policy struct {
	JustificationRequired  bool
	MinJustificationLength int
	AllowedUrgencies       []auditlog.Urgency
	OverlayPosition        watermark.Position
}

func DefaultPolicy() Policy {
	return Policy{
		JustificationRequired:  true,
		MinJustificationLength: 10,
		AllowedUrgencies:       append([]auditlog.Urgency(nil), auditlog.Urgencies...),
		OverlayPosition:        watermark.PositionDiagonal,
	}
}

func (p Policy) allows(u auditlog.Urgency) bool {
	if len(p.AllowedUrgencies) == 0 {
		return u.Valid()
	}
	for _, a := range p.AllowedUrgencies {
		if a == u {
			return true
		}
	}
	return false
}

// Request is what the caller configures before printing.
type Request struct {
	PatientID     string                `json:"patientId"`
	DocumentType  auditlog.DocumentType `json:"documentType"`
	DocumentTitle string                `json:"documentTitle"`
	PageCount     int                   `json:"pageCount"`
	Justification string                `json:"justification"`
	Urgency       auditlog.Urgency      `json:"urgency"`
	DocumentID    string                `json:"documentId"` // optional, printed in the watermark
	Document      watermark.Document    `json:"document"`
}

// normalize fills defaults derived from the request itself.
func (r Request) normalize() Request {
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.DocumentTitle = strings.TrimSpace(r.DocumentTitle)
	r.Justification = strings.TrimSpace(r.Justification)
	if r.Urgency == "" {
		r.Urgency = auditlog.UrgencyNormal
	}
	if r.PageCount == 0 {
		r.PageCount = len(r.Document.Pages)
	}
	if r.Document.Title == "" {
		r.Document.Title = r.DocumentTitle
	}
	return r
}

// Check validates req against the policy and returns field-level errors.
func (p Policy) Check(req Request) error {
	ve := &apperr.ValidationError{}
	if req.PatientID == "" {
		ve.Add("patientId", "is required")
	}
	if !req.DocumentType.Valid() {
		ve.Add("documentType", "unknown document type %q", req.DocumentType)
	}
	if req.DocumentTitle == "" {
		ve.Add("documentTitle", "is required")
	}
	switch {
	case req.PageCount < 1:
		ve.Add("pageCount", "must be at least 1")
	case len(req.Document.Pages) > 0 && req.PageCount != len(req.Document.Pages):
		ve.Add("pageCount", "is %d but the document has %d pages", req.PageCount, len(req.Document.Pages))
	}
	if !req.Urgency.Valid() {
		ve.Add("urgency", "must be one of low, normal, high, emergency, got %q", req.Urgency)
	} else if !p.allows(req.Urgency) {
		ve.Add("urgency", "%q is not allowed by the print policy", req.Urgency)
	}
	if p.JustificationRequired {
		n := utf8.RuneCountInString(req.Justification)
		switch {
		case n == 0:
			ve.Add("justification", "is required")
		case n < p.MinJustificationLength:
			ve.Add("justification", "must be at least %d characters", p.MinJustificationLength)
		}
	}
	return ve.Err()
}
