package printing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinic/auditcore/internal/platform/printspool"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

// Job is handed to the printer once the print fact is recorded.
type Job struct {
	FactID    string
	ActorID   string
	PatientID string
	Rendered  watermark.Rendered
}

// Printer performs the observable print action and returns a job reference.
type Printer interface {
	Print(ctx context.Context, job Job) (string, error)
}

// PrinterFunc adapts a function to Printer.
type PrinterFunc func(ctx context.Context, job Job) (string, error)

func (f PrinterFunc) Print(ctx context.Context, job Job) (string, error) { return f(ctx, job) }

// SpoolPrinter stores the rendered, watermarked document in the print spool
// where the browser fetches and prints it.
type SpoolPrinter struct {
	store printspool.Store
}

func NewSpoolPrinter(store printspool.Store) *SpoolPrinter {
	return &SpoolPrinter{store: store}
}

func (p *SpoolPrinter) Print(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(job.Rendered)
	if err != nil {
		return "", fmt.Errorf("encoding print job: %w", err)
	}
	stored, err := p.store.Put(ctx, printspool.Job{
		FactID:      job.FactID,
		ActorID:     job.ActorID,
		PatientID:   job.PatientID,
		Title:       job.Rendered.Title,
		ContentType: "application/json",
		Pages:       len(job.Rendered.Pages),
	}, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("spooling print job: %w", err)
	}
	return stored.ID, nil
}
