package auditlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinic/auditcore/internal/platform/watermark"
)

// Kind discriminates the three fact variants.
type Kind string

const (
	KindAccess       Kind = "access"
	KindModification Kind = "modification"
	KindPrint        Kind = "print"
)

// Kinds lists every fact kind.
var Kinds = []Kind{KindAccess, KindModification, KindPrint}

func (k Kind) Valid() bool {
	switch k {
	case KindAccess, KindModification, KindPrint:
		return true
	}
	return false
}

type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

func (o Operation) Valid() bool { return o == OperationRead || o == OperationWrite }

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool { return o == OutcomeSuccess || o == OutcomeFailure }

// DocumentType is the closed set of printable documents.
type DocumentType string

const (
	DocMedicalRecordComplete DocumentType = "medical_record_complete"
	DocMedicalRecordSummary  DocumentType = "medical_record_summary"
	DocConsultationReport    DocumentType = "consultation_report"
	DocPrescription          DocumentType = "prescription"
	DocLabResults            DocumentType = "lab_results"
	DocVaccinationRecord     DocumentType = "vaccination_record"
	DocSurgeryReport         DocumentType = "surgery_report"
	DocPatientSummary        DocumentType = "patient_summary"
	DocDischargeSummary      DocumentType = "discharge_summary"
)

var DocumentTypes = []DocumentType{
	DocMedicalRecordComplete, DocMedicalRecordSummary, DocConsultationReport,
	DocPrescription, DocLabResults, DocVaccinationRecord, DocSurgeryReport,
	DocPatientSummary, DocDischargeSummary,
}

func (d DocumentType) Valid() bool {
	for _, v := range DocumentTypes {
		if v == d {
			return true
		}
	}
	return false
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

var Urgencies = []Urgency{UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyEmergency}

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyEmergency:
		return true
	}
	return false
}

// PrintStatus tracks the outcome of the print action that follows a PrintFact.
type PrintStatus string

const (
	PrintPending   PrintStatus = "pending"
	PrintCompleted PrintStatus = "completed"
	PrintFailed    PrintStatus = "failed"
)

func (s PrintStatus) Valid() bool {
	return s == PrintPending || s == PrintCompleted || s == PrintFailed
}

// Header is shared by every fact variant. ID and Seq are assigned by the store.
type Header struct {
	ID               string    `json:"id"`
	Seq              int64     `json:"seq"`
	ActorID          string    `json:"actorId"`
	ActorDisplayName string    `json:"actorDisplayName"`
	ActorRole        string    `json:"actorRole"`
	Timestamp        time.Time `json:"timestamp"`
	NetworkOrigin    string    `json:"networkOrigin"`
	ClientAgent      string    `json:"clientAgent"`
}

// FactHeader gives access to the embedded header of any variant.
func (h *Header) FactHeader() *Header { return h }

// Fact is one immutable audit record. The variant set is closed: only
// *AccessFact, *ModificationFact and *PrintFact implement it.
type Fact interface {
	FactHeader() *Header
	Kind() Kind
	sealed()
}

// AccessFact records a read or write of a resource.
type AccessFact struct {
	Header
	ResourceKind string    `json:"resourceKind"`
	ResourceID   string    `json:"resourceId"`
	Operation    Operation `json:"operation"`
	Outcome      Outcome   `json:"outcome"`
}

// ModificationFact records one changed field of an entity.
type ModificationFact struct {
	Header
	EntityKind    string `json:"entityKind"`
	EntityID      string `json:"entityId"`
	FieldName     string `json:"fieldName"`
	PreviousValue string `json:"previousValue"`
	NewValue      string `json:"newValue"`
	Reason        string `json:"reason,omitempty"`
}

// PrintFact records one print attempt together with its provenance stamp.
type PrintFact struct {
	Header
	PatientID      string         `json:"patientId"`
	DocumentType   DocumentType   `json:"documentType"`
	DocumentTitle  string         `json:"documentTitle"`
	PageCount      int            `json:"pageCount"`
	Justification  string         `json:"justification"`
	Urgency        Urgency        `json:"urgency"`
	DocumentDigest string         `json:"documentDigest"`
	PrintDigest    string         `json:"printDigest"`
	Watermark      watermark.Info `json:"watermark"`
	Status         PrintStatus    `json:"status"`
}

func (*AccessFact) Kind() Kind       { return KindAccess }
func (*ModificationFact) Kind() Kind { return KindModification }
func (*PrintFact) Kind() Kind        { return KindPrint }

func (*AccessFact) sealed()       {}
func (*ModificationFact) sealed() {}
func (*PrintFact) sealed()        {}

func (f *AccessFact) MarshalJSON() ([]byte, error) {
	type plain AccessFact
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*plain
	}{KindAccess, (*plain)(f)})
}

func (f *ModificationFact) MarshalJSON() ([]byte, error) {
	type plain ModificationFact
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*plain
	}{KindModification, (*plain)(f)})
}

func (f *PrintFact) MarshalJSON() ([]byte, error) {
	type plain PrintFact
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*plain
	}{KindPrint, (*plain)(f)})
}

// DecodeFact decodes a fact produced by json.Marshal on any variant.
func DecodeFact(data []byte) (Fact, error) {
	var envelope struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode fact kind: %w", err)
	}
	var f Fact
	switch envelope.Kind {
	case KindAccess:
		f = &AccessFact{}
	case KindModification:
		f = &ModificationFact{}
	case KindPrint:
		f = &PrintFact{}
	default:
		return nil, fmt.Errorf("decode fact: unknown kind %q", envelope.Kind)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s fact: %w", envelope.Kind, err)
	}
	return f, nil
}

// Clone returns a copy of f that shares no mutable state with it.
func Clone(f Fact) Fact {
	switch v := f.(type) {
	case *AccessFact:
		c := *v
		return &c
	case *ModificationFact:
		c := *v
		return &c
	case *PrintFact:
		c := *v
		return &c
	}
	panic(fmt.Sprintf("auditlog: unknown fact type %T", f))
}
