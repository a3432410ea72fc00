package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/db"
	"github.com/clinic/auditcore/pkg/pagination"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PGRepository) Insert(ctx context.Context, f Fact) error {
	h := f.FactHeader()
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode fact: %w", err)
	}

	var resourceKind, operation, outcome, entityKind, patientID, docType, status, token *string
	switch v := f.(type) {
	case *AccessFact:
		resourceKind, operation, outcome = nullable(v.ResourceKind), nullable(string(v.Operation)), nullable(string(v.Outcome))
	case *ModificationFact:
		entityKind = nullable(v.EntityKind)
	case *PrintFact:
		patientID, docType = nullable(v.PatientID), nullable(string(v.DocumentType))
		status, token = nullable(string(v.Status)), nullable(v.Watermark.UniqueToken)
	}

	const q = `INSERT INTO audit_fact (id, kind, actor_id, actor_display_name, actor_role, ts,
		network_origin, client_agent, resource_kind, operation, outcome, entity_kind,
		patient_id, document_type, print_status, watermark_token, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq`
	err = r.conn(ctx).QueryRow(ctx, q,
		h.ID, string(f.Kind()), h.ActorID, h.ActorDisplayName, h.ActorRole, h.Timestamp,
		h.NetworkOrigin, h.ClientAgent, resourceKind, operation, outcome, entityKind,
		patientID, docType, status, token, payload,
	).Scan(&h.Seq)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Invalid("id", "duplicate fact id %s", h.ID)
		}
		return db.Classify("insert audit fact", err)
	}
	return nil
}

func scanFact(row pgx.Row) (Fact, error) {
	var seq int64
	var payload []byte
	if err := row.Scan(&seq, &payload); err != nil {
		return nil, err
	}
	f, err := DecodeFact(payload)
	if err != nil {
		return nil, err
	}
	f.FactHeader().Seq = seq
	return f, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Fact, error) {
	f, err := scanFact(r.conn(ctx).QueryRow(ctx, `SELECT seq, payload FROM audit_fact WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("audit fact", id)
	}
	if err != nil {
		return nil, db.Classify("get audit fact", err)
	}
	return f, nil
}

// whereClause renders filter as SQL predicates over the promoted columns.
func whereClause(f Filter) (string, []interface{}) {
	where := []string{}
	args := []interface{}{}
	add := func(pred string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(pred, len(args)))
	}

	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if f.Actor != "" {
		add("actor_display_name ILIKE $%d", "%"+escapeLike(f.Actor)+"%")
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts <= $%d", *f.To)
	}
	if f.NetworkOrigin != "" {
		add("network_origin = $%d", f.NetworkOrigin)
	}
	if f.Operation != "" {
		add("operation = $%d", string(f.Operation))
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.ResourceKind != "" {
		add("resource_kind = $%d", f.ResourceKind)
	}
	if f.EntityKind != "" {
		add("entity_kind = $%d", f.EntityKind)
	}
	if f.DocumentType != "" {
		add("document_type = $%d", string(f.DocumentType))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.PrintStatus != "" {
		add("print_status = $%d", string(f.PrintStatus))
	}

	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *PGRepository) Query(ctx context.Context, filter Filter, page pagination.Params) ([]Fact, int, error) {
	page = page.Normalize()
	where, args := whereClause(filter)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM audit_fact "+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify("count audit facts", err)
	}

	q := fmt.Sprintf("SELECT seq, payload FROM audit_fact %s ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2)
	args = append(args, page.PageSize, page.Offset())

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, db.Classify("query audit facts", err)
	}
	defer rows.Close()

	items := make([]Fact, 0, page.PageSize)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, 0, db.Classify("scan audit fact", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Classify("iterate audit facts", err)
	}
	return items, total, nil
}

func (r *PGRepository) Scan(ctx context.Context, filter Filter, fn func(Fact) error) error {
	where, args := whereClause(filter)
	rows, err := r.conn(ctx).Query(ctx, "SELECT seq, payload FROM audit_fact "+where+" ORDER BY ts ASC, id ASC", args...)
	if err != nil {
		return db.Classify("scan audit facts", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return db.Classify("scan audit fact", err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return db.Classify("iterate audit facts", rows.Err())
}

func (r *PGRepository) SetPrintStatus(ctx context.Context, id string, status PrintStatus) error {
	if status != PrintCompleted && status != PrintFailed {
		return apperr.Invalid("status", "must be completed or failed, got %q", status)
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE audit_fact
		SET print_status = $2, payload = jsonb_set(payload, '{status}', to_jsonb($2::text))
		WHERE id = $1 AND kind = 'print' AND print_status = 'pending'`, id, string(status))
	if err != nil {
		return db.Classify("set print status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var kind string
	var current *string
	err = r.conn(ctx).QueryRow(ctx, `SELECT kind, print_status FROM audit_fact WHERE id = $1`, id).Scan(&kind, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("audit fact", id)
	}
	if err != nil {
		return db.Classify("set print status", err)
	}
	if kind != string(KindPrint) || current == nil {
		return apperr.Invalid("id", "fact %s is not a print fact", id)
	}
	return checkPrintTransition(id, PrintStatus(*current), status)
}

func (r *PGRepository) FindPrintByToken(ctx context.Context, token string) (*PrintFact, error) {
	f, err := scanFact(r.conn(ctx).QueryRow(ctx,
		`SELECT seq, payload FROM audit_fact WHERE watermark_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("watermark", token)
	}
	if err != nil {
		return nil, db.Classify("find print by token", err)
	}
	p, ok := f.(*PrintFact)
	if !ok {
		return nil, apperr.NotFound("watermark", token)
	}
	return p, nil
}

func (r *PGRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM audit_fact WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, db.Classify("purge audit facts", err)
	}
	return int(tag.RowsAffected()), nil
}
