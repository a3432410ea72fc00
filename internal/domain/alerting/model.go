package alerting

import (
	"time"
)

// Type identifies the rule family that raised an alert.
type Type string

const (
	TypeRepeatedFailedAccess     Type = "repeated_failed_access"
	TypeAnomalousOrigin          Type = "anomalous_origin"
	TypeUnusualAccessPattern     Type = "unusual_access_pattern"
	TypeUnauthorizedModification Type = "unauthorized_modification"
	TypeBulkDataAccess           Type = "bulk_data_access"
	TypeAfterHoursAccess         Type = "after_hours_access"
	TypeConcurrentSessionOverlap Type = "concurrent_session_overlap"
	TypeBulkPrintActivity        Type = "bulk_print_activity"
)

// Types lists every alert type.
var Types = []Type{
	TypeRepeatedFailedAccess, TypeAnomalousOrigin, TypeUnusualAccessPattern,
	TypeUnauthorizedModification, TypeBulkDataAccess, TypeAfterHoursAccess,
	TypeConcurrentSessionOverlap, TypeBulkPrintActivity,
}

func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvestigating, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Alert is a materialized rule firing.
type Alert struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	Severity      Severity   `json:"severity"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	SubjectKey    string     `json:"subjectKey"`
	ActorID       string     `json:"actorId,omitempty"`
	SourceFactIDs []string   `json:"sourceFactIds"`
	NetworkOrigin string     `json:"networkOrigin,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Status        Status     `json:"status"`
	Resolution    string     `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (a *Alert) clone() *Alert {
	c := *a
	c.SourceFactIDs = append([]string(nil), a.SourceFactIDs...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Finding is what a rule reports when its threshold is met. The engine turns
// findings into alerts.
type Finding struct {
	Type          Type
	Severity      Severity
	Title         string
	Description   string
	SubjectKey    string
	ActorID       string
	NetworkOrigin string
	FactIDs       []string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status  Status
	Type    Type
	ActorID string
}

func (f Filter) Match(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.ActorID != "" && a.ActorID != f.ActorID {
		return false
	}
	return true
}
