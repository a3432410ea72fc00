package printing

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/clientinfo"
	"github.com/clinic/auditcore/internal/platform/telemetry"
	"github.com/clinic/auditcore/internal/platform/watermark"
	"github.com/clinic/auditcore/pkg/pagination"
)

var printedAt = time.Date(2026, 4, 14, 9, 30, 0, 0, time.UTC)

var physician = auth.ActorIdentity{ID: "U1", DisplayName: "Dr. Ana Souza", Role: auth.RolePhysician}

var client = clientinfo.Info{NetworkOrigin: "10.0.0.5", ClientAgent: "Chrome 121.0 on Linux (desktop)"}

func validRequest() Request {
	return Request{
		PatientID:     "P-42",
		DocumentType:  auditlog.DocLabResults,
		DocumentTitle: "CBC panel",
		Justification: "Patient requested a copy for the cardiologist",
		Urgency:       auditlog.UrgencyNormal,
		DocumentID:    "DOC-7",
		Document: watermark.Document{
			ContentType: "text/html",
			Pages:       []string{"<p>page one</p>", "<p>page two</p>"},
		},
	}
}

// recordingPrinter captures what the print fact looked like at print time.
type recordingPrinter struct {
	mu       sync.Mutex
	repo     auditlog.Repository
	err      error
	jobs     []Job
	observed []auditlog.PrintStatus
}

func (p *recordingPrinter) Print(ctx context.Context, job Job) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if f, err := p.repo.Get(ctx, job.FactID); err == nil {
		p.observed = append(p.observed, f.(*auditlog.PrintFact).Status)
	}
	if p.err != nil {
		return "", p.err
	}
	return "JOB-" + job.FactID, nil
}

func (p *recordingPrinter) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// unavailableRepo rejects every insert as an unreachable store would.
type unavailableRepo struct {
	*auditlog.MemoryRepository
}

func (unavailableRepo) Insert(context.Context, auditlog.Fact) error {
	return apperr.Unavailable("insert", context.DeadlineExceeded)
}

type fixture struct {
	repo    *auditlog.MemoryRepository
	log     *auditlog.Service
	printer *recordingPrinter
	metrics *telemetry.Metrics
	svc     *Service
}

func newFixture(policy Policy) *fixture {
	return newFixtureWithRepo(auditlog.NewMemoryRepository(), nil, policy)
}

func newFixtureWithRepo(mem *auditlog.MemoryRepository, repo auditlog.Repository, policy Policy) *fixture {
	if repo == nil {
		repo = mem
	}
	metrics := telemetry.NewWithRegistry(prometheus.NewRegistry())
	log := auditlog.NewService(repo, auditlog.WithMetrics(metrics))
	composer := watermark.NewComposer("", time.UTC)
	composer.Now = func() time.Time { return printedAt }
	printer := &recordingPrinter{repo: mem}
	return &fixture{
		repo:    mem,
		log:     log,
		printer: printer,
		metrics: metrics,
		svc:     NewService(log, composer, printer, policy, WithMetrics(metrics)),
	}
}

func paginationAll() pagination.Params {
	return pagination.Params{Page: 1, PageSize: 100}
}
