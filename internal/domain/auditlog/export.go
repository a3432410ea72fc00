package auditlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"ID", "Seq", "Kind", "Timestamp", "ActorID", "ActorDisplayName", "ActorRole",
	"NetworkOrigin", "ClientAgent", "Target", "Action", "Outcome", "Detail",
}

// ExportCSV writes every matching fact, oldest first, as CSV.
func (s *Service) ExportCSV(ctx context.Context, filter Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	err := s.repo.Scan(ctx, filter, func(f Fact) error {
		if err := cw.Write(csvRecord(f)); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}

func csvRecord(f Fact) []string {
	h := f.FactHeader()
	rec := []string{
		h.ID,
		strconv.FormatInt(h.Seq, 10),
		string(f.Kind()),
		h.Timestamp.Format(time.RFC3339Nano),
		h.ActorID,
		h.ActorDisplayName,
		h.ActorRole,
		h.NetworkOrigin,
		h.ClientAgent,
	}
	switch v := f.(type) {
	case *AccessFact:
		rec = append(rec, v.ResourceKind+"/"+v.ResourceID, string(v.Operation), string(v.Outcome), "")
	case *ModificationFact:
		detail := fmt.Sprintf("%s: %q -> %q", v.FieldName, v.PreviousValue, v.NewValue)
		if v.Reason != "" {
			detail += " (" + v.Reason + ")"
		}
		rec = append(rec, v.EntityKind+"/"+v.EntityID, "modify", "", detail)
	case *PrintFact:
		detail := fmt.Sprintf("%s %q, %d pages, urgency %s, token %s: %s",
			v.DocumentType, v.DocumentTitle, v.PageCount, v.Urgency, v.Watermark.UniqueToken, v.Justification)
		rec = append(rec, "patient/"+v.PatientID, "print", string(v.Status), detail)
	}
	return rec
}
