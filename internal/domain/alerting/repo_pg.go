package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/db"
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

const alertCols = `id, type, severity, title, description, subject_key, actor_id, source_fact_ids,
	network_origin, created_at, status, resolution, resolved_at, resolved_by, updated_at`

func (r *PGRepository) scanRow(row pgx.Row) (*Alert, error) {
	var a Alert
	var origin, resolution, resolvedBy *string
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Description, &a.SubjectKey, &a.ActorID,
		&a.SourceFactIDs, &origin, &a.CreatedAt, &a.Status, &resolution, &a.ResolvedAt, &resolvedBy, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if origin != nil {
		a.NetworkOrigin = *origin
	}
	if resolution != nil {
		a.Resolution = *resolution
	}
	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PGRepository) Create(ctx context.Context, a *Alert) error {
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO security_alert (`+alertCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, string(a.Type), string(a.Severity), a.Title, a.Description, a.SubjectKey, a.ActorID,
		a.SourceFactIDs, nullable(a.NetworkOrigin), a.CreatedAt, string(a.Status),
		nullable(a.Resolution), a.ResolvedAt, nullable(a.ResolvedBy), a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Invalid("id", "duplicate alert id %s", a.ID)
		}
		return db.Classify("create security alert", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM security_alert WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("security alert", id)
	}
	if err != nil {
		return nil, db.Classify("get security alert", err)
	}
	return a, nil
}

func (r *PGRepository) query(ctx context.Context, op, where string, args ...interface{}) ([]*Alert, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+alertCols+` FROM security_alert `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, db.Classify(op, err)
	}
	defer rows.Close()

	out := []*Alert{}
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, a)
	}
	return out, db.Classify(op, rows.Err())
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var where []string
	var args []interface{}
	add := func(pred string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(pred, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return r.query(ctx, "list security alerts", clause, args...)
}

func (r *PGRepository) ListBySubject(ctx context.Context, t Type, subjectKey string) ([]*Alert, error) {
	return r.query(ctx, "list security alerts by subject", "WHERE type = $1 AND subject_key = $2", string(t), subjectKey)
}

func (r *PGRepository) Transition(ctx context.Context, id string, from []Status, to Status, resolution, by string, at time.Time) (*Alert, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var resolvedAt *time.Time
	if to.Terminal() {
		resolvedAt = &at
	} else {
		resolution, by = "", ""
	}
	a, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `UPDATE security_alert
		SET status = $2, updated_at = $3,
			resolution = COALESCE($4, resolution),
			resolved_by = COALESCE($5, resolved_by),
			resolved_at = COALESCE($6, resolved_at)
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+alertCols,
		id, string(to), at, nullable(resolution), nullable(by), resolvedAt, allowed))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, db.Classify("transition security alert", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &apperr.TransitionError{Entity: "security alert", ID: id, Current: string(current.Status), Target: string(to)}
}

func (r *PGRepository) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM security_alert WHERE status IN ('resolved', 'false_positive') AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, db.Classify("purge security alerts", err)
	}
	return int(tag.RowsAffected()), nil
}
