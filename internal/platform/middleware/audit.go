package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/clientinfo"
)

// Appender is the audit log write path used by AccessAudit.
type Appender interface {
	Append(ctx context.Context, f auditlog.Fact) (string, error)
}

// AccessAuditConfig maps audited path prefixes to the resource kind recorded
// in the fact, e.g. "/api/v1/patients" -> "patient". The path segment after
// the prefix is the resource id; a bare collection path records id "*".
type AccessAuditConfig struct {
	Resources map[string]string
}

// AccessAudit appends an AccessFact for every authenticated request to an
// audited resource path. Responses with status 400 or above are recorded with
// a failure outcome. An append failure is logged and does not change the
// response.
func AccessAudit(appender Appender, cfg AccessAuditConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			kind, id, ok := matchResource(cfg.Resources, req.URL.Path)
			if !ok {
				return next(c)
			}

			err := next(c)

			actor, known := auth.ActorFromContext(req.Context())
			if !known || !actor.Known() {
				return err
			}
			status := c.Response().Status
			if err != nil {
				status = statusOf(err, status)
			}
			outcome := auditlog.OutcomeSuccess
			if status >= http.StatusBadRequest {
				outcome = auditlog.OutcomeFailure
			}
			client := clientinfo.FromContext(c)
			fact := &auditlog.AccessFact{
				Header: auditlog.Header{
					ActorID:          actor.ID,
					ActorDisplayName: actor.DisplayName,
					ActorRole:        actor.Role,
					Timestamp:        time.Now(),
					NetworkOrigin:    client.NetworkOrigin,
					ClientAgent:      client.ClientAgent,
				},
				ResourceKind: kind,
				ResourceID:   id,
				Operation:    operationOf(req.Method),
				Outcome:      outcome,
			}
			if _, appendErr := appender.Append(req.Context(), fact); appendErr != nil {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(appendErr).
					Str("request_id", rid).
					Str("actor_id", actor.ID).
					Str("resource_kind", kind).
					Str("resource_id", id).
					Msg("failed to record access fact")
			}
			return err
		}
	}
}

// matchResource picks the longest configured prefix that matches path on a
// segment boundary.
func matchResource(resources map[string]string, path string) (kind, id string, ok bool) {
	best := ""
	for prefix, k := range resources {
		p := strings.TrimSuffix(prefix, "/")
		if (path == p || strings.HasPrefix(path, p+"/")) && len(p) > len(best) {
			best, kind = p, k
		}
	}
	if best == "" {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, best), "/")
	id, _, _ = strings.Cut(rest, "/")
	if id == "" {
		id = "*"
	}
	return kind, id, true
}

func operationOf(method string) auditlog.Operation {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return auditlog.OperationRead
	}
	return auditlog.OperationWrite
}

// statusOf is the status the error handler will answer with for err.
func statusOf(err error, fallback int) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if fallback >= http.StatusBadRequest {
		return fallback
	}
	return http.StatusInternalServerError
}
