// Package retention applies time-based purge windows to audit facts and
// resolved security alerts. It runs from the command line only; the HTTP API
// never deletes audit data.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/domain/alerting"
	"github.com/clinic/auditcore/internal/domain/auditlog"
)

// Dataset names.
const (
	DatasetAuditFacts     = "audit_fact"
	DatasetResolvedAlerts = "security_alert"
)

// Policy holds retention windows in days. Zero keeps data forever.
type Policy struct {
	AuditDays int `json:"audit_days"`
	AlertDays int `json:"alert_days"`
}

// DefaultPolicy keeps audit trails for six years.
func DefaultPolicy() Policy {
	return Policy{AuditDays: 2190, AlertDays: 2190}
}

func (p Policy) Validate() error {
	if p.AuditDays < 0 {
		return fmt.Errorf("audit retention must not be negative, got %d days", p.AuditDays)
	}
	if p.AlertDays < 0 {
		return fmt.Errorf("alert retention must not be negative, got %d days", p.AlertDays)
	}
	return nil
}

func cutoff(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	c := now.UTC().AddDate(0, 0, -days)
	return &c
}

type FactStore interface {
	Scan(ctx context.Context, f auditlog.Filter, fn func(auditlog.Fact) error) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type AlertStore interface {
	List(ctx context.Context, f alerting.Filter) ([]*alerting.Alert, error)
	PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DatasetStatus describes what a purge at the report time would remove.
type DatasetStatus struct {
	Dataset       string     `json:"dataset"`
	RetentionDays int        `json:"retention_days"`
	Cutoff        *time.Time `json:"cutoff,omitempty"`
	PurgeEligible int        `json:"purge_eligible"`
	Description   string     `json:"description"`
}

type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Datasets    []DatasetStatus `json:"datasets"`
}

type Service struct {
	policy Policy
	facts  FactStore
	alerts AlertStore
	logger zerolog.Logger
}

func NewService(policy Policy, facts FactStore, alerts AlertStore, logger zerolog.Logger) *Service {
	return &Service{
		policy: policy,
		facts:  facts,
		alerts: alerts,
		logger: logger.With().Str("component", "retention").Logger(),
	}
}

func (s *Service) Policy() Policy { return s.policy }

// Report counts the records a purge at now would delete, without deleting.
func (s *Service) Report(ctx context.Context, now time.Time) (*Report, error) {
	rep := &Report{GeneratedAt: now.UTC()}

	facts := DatasetStatus{
		Dataset:       DatasetAuditFacts,
		RetentionDays: s.policy.AuditDays,
		Cutoff:        cutoff(now, s.policy.AuditDays),
		Description:   "Access, modification and print facts older than the cutoff",
	}
	if facts.Cutoff != nil {
		// Facts strictly before the cutoff; To is inclusive.
		to := facts.Cutoff.Add(-time.Microsecond)
		err := s.facts.Scan(ctx, auditlog.Filter{To: &to}, func(auditlog.Fact) error {
			facts.PurgeEligible++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("counting expired facts: %w", err)
		}
	}
	rep.Datasets = append(rep.Datasets, facts)

	alerts := DatasetStatus{
		Dataset:       DatasetResolvedAlerts,
		RetentionDays: s.policy.AlertDays,
		Cutoff:        cutoff(now, s.policy.AlertDays),
		Description:   "Resolved or false-positive alerts closed before the cutoff",
	}
	if alerts.Cutoff != nil {
		all, err := s.alerts.List(ctx, alerting.Filter{})
		if err != nil {
			return nil, fmt.Errorf("counting expired alerts: %w", err)
		}
		for _, a := range all {
			if a.Status.Terminal() && a.ResolvedAt != nil && a.ResolvedAt.Before(*alerts.Cutoff) {
				alerts.PurgeEligible++
			}
		}
	}
	rep.Datasets = append(rep.Datasets, alerts)
	return rep, nil
}

// PurgeResult is the number of records deleted per dataset.
type PurgeResult struct {
	Facts  int `json:"facts"`
	Alerts int `json:"alerts"`
}

// Purge deletes expired facts and resolved alerts. Open alerts are never
// purged regardless of age.
func (s *Service) Purge(ctx context.Context, now time.Time) (PurgeResult, error) {
	var res PurgeResult
	if c := cutoff(now, s.policy.AuditDays); c != nil {
		n, err := s.facts.PurgeBefore(ctx, *c)
		if err != nil {
			return res, fmt.Errorf("purging facts: %w", err)
		}
		res.Facts = n
	}
	if c := cutoff(now, s.policy.AlertDays); c != nil {
		n, err := s.alerts.PurgeResolvedBefore(ctx, *c)
		if err != nil {
			return res, fmt.Errorf("purging alerts: %w", err)
		}
		res.Alerts = n
	}
	s.logger.Info().
		Int("facts", res.Facts).
		Int("alerts", res.Alerts).
		Int("audit_days", s.policy.AuditDays).
		Int("alert_days", s.policy.AlertDays).
		Msg("retention purge complete")
	return res, nil
}
