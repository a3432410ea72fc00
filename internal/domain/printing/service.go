package printing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/clientinfo"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
	"github.com/clinic/auditcore/internal/platform/telemetry"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

const tracerName = "github.com/clinic/auditcore/internal/domain/printing"

// ErrPrintFailed is returned when the print action fails after the print fact
// was recorded. The receipt returned alongside carries the failed status.
var ErrPrintFailed = errors.New("print action failed")

// Receipt is returned to the caller of Submit.
type Receipt struct {
	FactID         string               `json:"factId"`
	State          State                `json:"state"`
	Status         auditlog.PrintStatus `json:"status"`
	Watermark      watermark.Info       `json:"watermark"`
	Overlay        watermark.Overlay    `json:"overlay"`
	DocumentDigest string               `json:"documentDigest"`
	PrintDigest    string               `json:"printDigest"`
	JobID          string               `json:"jobId,omitempty"`
}

// PreviewResult shows how the printout will look. Its watermark token is
// illustrative only; Submit always mints a fresh one.
type PreviewResult struct {
	State    State              `json:"state"`
	Overlay  watermark.Overlay  `json:"overlay"`
	Rendered watermark.Rendered `json:"rendered"`
}

type Service struct {
	log      *auditlog.Service
	composer watermark.Composer
	printer  Printer
	policy   Policy
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService wires the print flow. The composer is copied so the policy's
// overlay position does not leak into other users of it.
func NewService(log *auditlog.Service, composer *watermark.Composer, printer Printer, policy Policy, opts ...Option) *Service {
	s := &Service{
		log:      log,
		composer: *composer,
		printer:  printer,
		policy:   policy,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	if watermark.ValidPosition(policy.OverlayPosition) {
		s.composer.Position = policy.OverlayPosition
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

// Validate checks req against the print policy without side effects.
func (s *Service) Validate(req Request) error {
	return s.policy.Check(req.normalize())
}

// Preview validates req and renders it with a watermark. Nothing is recorded.
func (s *Service) Preview(_ context.Context, actor auth.ActorIdentity, client clientinfo.Info, req Request) (*PreviewResult, error) {
	a := NewAttempt(req)
	if err := a.Validate(s.policy); err != nil {
		return nil, err
	}
	if err := a.Preview(); err != nil {
		return nil, err
	}
	info := s.composer.Compose(actor, client.NetworkOrigin, a.request.DocumentID)
	overlay := s.composer.Overlay(info)
	return &PreviewResult{
		State:    a.State(),
		Overlay:  overlay,
		Rendered: watermark.Apply(a.request.Document, info, overlay),
	}, nil
}

// Submit validates req, records a pending print fact and only then prints.
func (s *Service) Submit(ctx context.Context, actor auth.ActorIdentity, client clientinfo.Info, req Request) (*Receipt, error) {
	a := NewAttempt(req)
	if err := a.Validate(s.policy); err != nil {
		s.metrics.IncPrintAttempt("rejected")
		return nil, err
	}
	return s.SubmitAttempt(ctx, a, actor, client)
}

// SubmitAttempt runs the print flow for an attempt that was validated and
// optionally previewed. If the append fails the printer is never called.
func (s *Service) SubmitAttempt(ctx context.Context, a *Attempt, actor auth.ActorIdentity, client clientinfo.Info) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "printing.Submit")
	defer span.End()

	if err := a.Submit(); err != nil {
		return nil, err
	}
	req := a.request
	info := s.composer.Compose(actor, client.NetworkOrigin, req.DocumentID)
	fact := &auditlog.PrintFact{
		Header: auditlog.Header{
			ActorID:          actor.ID,
			ActorDisplayName: info.ActorDisplayName,
			ActorRole:        actor.Role,
			Timestamp:        info.Timestamp,
			NetworkOrigin:    info.NetworkOrigin,
			ClientAgent:      client.ClientAgent,
		},
		PatientID:      req.PatientID,
		DocumentType:   req.DocumentType,
		DocumentTitle:  req.DocumentTitle,
		PageCount:      req.PageCount,
		Justification:  req.Justification,
		Urgency:        req.Urgency,
		DocumentDigest: fingerprint.DocumentDigest(req.PatientID, string(req.DocumentType), info.Timestamp),
		PrintDigest:    fingerprint.PrintDigest(info.UniqueToken, actor.ID, info.Timestamp),
		Watermark:      info,
		Status:         auditlog.PrintPending,
	}

	id, err := s.log.Append(ctx, fact)
	if err != nil {
		_ = a.fail()
		s.metrics.IncPrintAttempt("append_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		s.logger.Error().Err(err).
			Str("actor_id", actor.ID).
			Str("patient_id", req.PatientID).
			Msg("print blocked: audit append failed")
		return nil, err
	}
	a.factID = id
	span.SetAttributes(attribute.String("audit.fact_id", id))

	overlay := s.composer.Overlay(info)
	receipt := &Receipt{
		FactID:         id,
		Status:         auditlog.PrintPending,
		Watermark:      info,
		Overlay:        overlay,
		DocumentDigest: fact.DocumentDigest,
		PrintDigest:    fact.PrintDigest,
	}

	jobID, printErr := s.printer.Print(ctx, Job{
		FactID:    id,
		ActorID:   actor.ID,
		PatientID: req.PatientID,
		Rendered:  watermark.Apply(req.Document, info, overlay),
	})
	if printErr != nil {
		_ = a.fail()
		receipt.State = a.State()
		receipt.Status = auditlog.PrintFailed
		s.metrics.IncPrintAttempt("print_failed")
		span.RecordError(printErr)
		span.SetStatus(codes.Error, "print")
		if err := s.log.FailPrint(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("fact_id", id).Msg("could not mark print fact failed")
		}
		s.logger.Warn().Err(printErr).Str("fact_id", id).Msg("print action failed")
		return receipt, fmt.Errorf("%w: %w", ErrPrintFailed, printErr)
	}

	_ = a.complete()
	receipt.State = a.State()
	receipt.Status = auditlog.PrintCompleted
	receipt.JobID = jobID
	if err := s.log.CompletePrint(ctx, id); err != nil {
		receipt.Status = auditlog.PrintPending
		s.logger.Error().Err(err).Str("fact_id", id).Msg("could not mark print fact completed")
	}
	s.metrics.IncPrintAttempt("completed")
	return receipt, nil
}
