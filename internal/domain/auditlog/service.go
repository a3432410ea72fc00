package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/fingerprint"
	"github.com/clinic/auditcore/internal/platform/telemetry"
	"github.com/clinic/auditcore/pkg/pagination"
)

const tracerName = "github.com/clinic/auditcore/internal/domain/auditlog"

// Service is the single write path of the audit log. Appends are serialized
// through one lane for id and sequence assignment; reads go straight to the
// repository.
type Service struct {
	repo    Repository
	bus     *Bus
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	lane sync.Mutex
}

type Option func(*Service)

// WithBus publishes every successful append on b.
func WithBus(b *Bus) Option { return func(s *Service) { s.bus = b } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the clock used to default fact timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: zerolog.Nop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository exposes the underlying store for read-only consumers.
func (s *Service) Repository() Repository { return s.repo }

// Append validates f, assigns its id and sequence and stores it. A caller
// supplied id acts as an idempotency key: appending the same fact twice stores
// it once, while reusing the id for different content is a validation error.
// Failures are returned to the caller and never retried here.
func (s *Service) Append(ctx context.Context, f Fact) (string, error) {
	ctx, span := s.tracer.Start(ctx, "auditlog.Append")
	defer span.End()

	if f == nil {
		return "", apperr.Invalid("fact", "is required")
	}
	h := f.FactHeader()
	span.SetAttributes(attribute.String("audit.kind", string(f.Kind())))

	stamped := !h.Timestamp.IsZero()
	if !stamped {
		h.Timestamp = s.now()
	}
	h.Timestamp = h.Timestamp.UTC().Truncate(time.Microsecond)
	h.Seq = 0

	if err := s.validate(f); err != nil {
		s.metrics.IncAppendFailure("validation")
		span.SetStatus(codes.Error, "validation")
		return "", err
	}

	// Appends are near-instant and must not be half-applied by a caller
	// cancelling mid-flight.
	insertCtx := context.WithoutCancel(ctx)
	started := time.Now()
	id, fresh, err := s.insert(insertCtx, f, stamped)
	s.metrics.ObserveAppendDuration(time.Since(started).Seconds())
	if err != nil {
		reason := "store"
		if errors.Is(err, apperr.ErrStoreUnavailable) {
			reason = "unavailable"
		}
		s.metrics.IncAppendFailure(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		s.logger.Error().Err(err).
			Str("kind", string(f.Kind())).
			Str("actor_id", h.ActorID).
			Msg("audit append failed")
		return "", err
	}
	span.SetAttributes(attribute.String("audit.fact_id", id))
	if !fresh {
		return id, nil
	}

	s.metrics.IncFactAppended(string(f.Kind()))
	if s.bus != nil {
		s.bus.Publish(Clone(f))
	}
	return id, nil
}

func (s *Service) validate(f Fact) error {
	h := f.FactHeader()
	if h.ID != "" && !fingerprint.IsToken(h.ID) {
		return apperr.Invalid("id", "must be a 26 character token")
	}
	return Validate(f)
}

func (s *Service) insert(ctx context.Context, f Fact, stamped bool) (string, bool, error) {
	s.lane.Lock()
	defer s.lane.Unlock()

	h := f.FactHeader()
	if h.ID != "" {
		if stored, err := s.repo.Get(ctx, h.ID); err == nil {
			if !sameFact(stored, f, stamped) {
				return "", false, apperr.Invalid("id", "already used by a different fact")
			}
			return h.ID, false, nil
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return "", false, err
		}
	} else {
		h.ID = fingerprint.NewFactID()
	}
	if err := s.repo.Insert(ctx, f); err != nil {
		return "", false, err
	}
	return h.ID, true, nil
}

// sameFact reports whether a replayed append carries the stored content.
// Seq and print status are store-owned and ignored; the timestamp is only
// compared when the caller supplied one.
func sameFact(stored, incoming Fact, stamped bool) bool {
	if stored.Kind() != incoming.Kind() {
		return false
	}
	a, b := Clone(stored), Clone(incoming)
	for _, f := range []Fact{a, b} {
		h := f.FactHeader()
		h.Seq = 0
		h.Timestamp = h.Timestamp.UTC()
		if !stamped {
			h.Timestamp = time.Time{}
		}
		if p, ok := f.(*PrintFact); ok {
			p.Status = ""
		}
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// QueryResult is one page of facts.
type QueryResult struct {
	Items []Fact `json:"items"`
	pagination.Info
}

// Query returns matching facts newest first, paginated.
func (s *Service) Query(ctx context.Context, filter Filter, page pagination.Params) (*QueryResult, error) {
	ctx, span := s.tracer.Start(ctx, "auditlog.Query")
	defer span.End()

	page = page.Normalize()
	items, total, err := s.repo.Query(ctx, filter, page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query")
		return nil, err
	}
	if items == nil {
		items = []Fact{}
	}
	span.SetAttributes(attribute.Int("audit.total", total))
	return &QueryResult{Items: items, Info: page.InfoFor(total)}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Fact, error) {
	return s.repo.Get(ctx, id)
}

// CompletePrint records that the print action for a pending print fact succeeded.
func (s *Service) CompletePrint(ctx context.Context, id string) error {
	return s.repo.SetPrintStatus(context.WithoutCancel(ctx), id, PrintCompleted)
}

// FailPrint records that the print action for a pending print fact failed.
func (s *Service) FailPrint(ctx context.Context, id string) error {
	return s.repo.SetPrintStatus(context.WithoutCancel(ctx), id, PrintFailed)
}

// Verification is the result of checking a watermark token found on paper.
type Verification struct {
	Valid            bool         `json:"valid"`
	FactID           string       `json:"factId"`
	ActorID          string       `json:"actorId"`
	ActorDisplayName string       `json:"actorDisplayName"`
	PrintedAt        time.Time    `json:"printedAt"`
	NetworkOrigin    string       `json:"networkOrigin"`
	PatientID        string       `json:"patientId"`
	DocumentType     DocumentType `json:"documentType"`
	DocumentTitle    string       `json:"documentTitle"`
	Status           PrintStatus  `json:"status"`
}

// VerifyWatermark looks up the print fact carrying token and recomputes its
// print digest.
func (s *Service) VerifyWatermark(ctx context.Context, token string) (*Verification, error) {
	if !fingerprint.IsToken(token) {
		return nil, apperr.Invalid("token", "must be a 26 character token")
	}
	p, err := s.repo.FindPrintByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	w := p.Watermark
	return &Verification{
		Valid:            fingerprint.VerifyPrintDigest(w.UniqueToken, p.ActorID, w.Timestamp, p.PrintDigest),
		FactID:           p.ID,
		ActorID:          p.ActorID,
		ActorDisplayName: w.ActorDisplayName,
		PrintedAt:        w.Timestamp,
		NetworkOrigin:    w.NetworkOrigin,
		PatientID:        p.PatientID,
		DocumentType:     p.DocumentType,
		DocumentTitle:    p.DocumentTitle,
		Status:           p.Status,
	}, nil
}
