package auditlog

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/clientinfo"
	"github.com/clinic/auditcore/pkg/pagination"
)

type Handler struct {
	svc *Service
	loc *time.Location
}

// NewHandler creates the audit log handler. Date-only query bounds are
// interpreted in loc.
func NewHandler(svc *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("/audit", auth.RequireActor())
	write.POST("/access", h.AppendAccess)
	write.POST("/modifications", h.AppendModification)

	read := api.Group("/audit", auth.RequireRole(auth.RoleSecurityOfficer))
	read.GET("/facts", h.QueryFacts)
	read.GET("/facts/:id", h.GetFact)
	read.GET("/export.csv", h.ExportCSV)
	read.GET("/watermarks/:token", h.VerifyWatermark)
}

// ActorFields lets trusted callers record facts on behalf of another actor.
type ActorFields struct {
	ActorID          string `json:"actorId"`
	ActorDisplayName string `json:"actorDisplayName"`
	ActorRole        string `json:"actorRole"`
	NetworkOrigin    string `json:"networkOrigin"`
	ClientAgent      string `json:"clientAgent"`
	// ID is an optional idempotency key.
	ID        string     `json:"id"`
	Timestamp *time.Time `json:"timestamp"`
}

type AccessRequest struct {
	ActorFields
	ResourceKind string    `json:"resourceKind"`
	ResourceID   string    `json:"resourceId"`
	Operation    Operation `json:"operation"`
	Outcome      Outcome   `json:"outcome"`
}

type ModificationRequest struct {
	ActorFields
	EntityKind    string `json:"entityKind"`
	EntityID      string `json:"entityId"`
	FieldName     string `json:"fieldName"`
	PreviousValue string `json:"previousValue"`
	NewValue      string `json:"newValue"`
	Reason        string `json:"reason"`
}

type AppendResponse struct {
	ID string `json:"id"`
}

// header resolves the fact header. The authenticated actor is used unless the
// caller is an admin recording on behalf of someone else; only that path may
// carry a client supplied timestamp, everything else is stamped by the server.
func header(c echo.Context, in ActorFields) (Header, error) {
	actor, _ := auth.ActorFromContext(c.Request().Context())
	client := clientinfo.FromContext(c)
	h := Header{
		ID:               in.ID,
		ActorID:          actor.ID,
		ActorDisplayName: actor.DisplayName,
		ActorRole:        actor.Role,
		NetworkOrigin:    client.NetworkOrigin,
		ClientAgent:      client.ClientAgent,
	}
	delegated := in.ActorID != "" && in.ActorID != actor.ID
	if delegated && !actor.HasRole(auth.RoleAdmin) {
		return h, echo.NewHTTPError(http.StatusForbidden, "recording facts for another actor requires the admin role")
	}
	if delegated {
		h.ActorID, h.ActorDisplayName, h.ActorRole = in.ActorID, in.ActorDisplayName, in.ActorRole
		if in.Timestamp != nil {
			h.Timestamp = *in.Timestamp
		}
		if in.NetworkOrigin != "" {
			h.NetworkOrigin = in.NetworkOrigin
		}
		if in.ClientAgent != "" {
			h.ClientAgent = in.ClientAgent
		}
	}
	return h, nil
}

func (h *Handler) AppendAccess(c echo.Context) error {
	var req AccessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	hdr, err := header(c, req.ActorFields)
	if err != nil {
		return err
	}
	id, err := h.svc.Append(c.Request().Context(), &AccessFact{
		Header:       hdr,
		ResourceKind: req.ResourceKind,
		ResourceID:   req.ResourceID,
		Operation:    req.Operation,
		Outcome:      req.Outcome,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, AppendResponse{ID: id})
}

func (h *Handler) AppendModification(c echo.Context) error {
	var req ModificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	hdr, err := header(c, req.ActorFields)
	if err != nil {
		return err
	}
	id, err := h.svc.Append(c.Request().Context(), &ModificationFact{
		Header:        hdr,
		EntityKind:    req.EntityKind,
		EntityID:      req.EntityID,
		FieldName:     req.FieldName,
		PreviousValue: req.PreviousValue,
		NewValue:      req.NewValue,
		Reason:        req.Reason,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, AppendResponse{ID: id})
}

func (h *Handler) QueryFacts(c echo.Context) error {
	filter, err := h.parseFilter(c)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	res, err := h.svc.Query(c.Request().Context(), filter, pagination.FromContext(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetFact(c echo.Context) error {
	f, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ExportCSV(c echo.Context) error {
	filter, err := h.parseFilter(c)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return h.svc.ExportCSV(c.Request().Context(), filter, c.Response())
}

func (h *Handler) VerifyWatermark(c echo.Context) error {
	v, err := h.svc.VerifyWatermark(c.Request().Context(), strings.ToUpper(c.Param("token")))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

// parseFilter reads filter predicates from the query string. Dates accept
// RFC 3339 or YYYY-MM-DD; a date-only upper bound covers the whole day.
func (h *Handler) parseFilter(c echo.Context) (Filter, error) {
	ve := &apperr.ValidationError{}
	f := Filter{
		Actor:         c.QueryParam("actor"),
		ActorID:       c.QueryParam("actor_id"),
		NetworkOrigin: c.QueryParam("origin"),
		ResourceKind:  c.QueryParam("resource_kind"),
		EntityKind:    c.QueryParam("entity_kind"),
		PatientID:     c.QueryParam("patient_id"),
	}
	if v := c.QueryParam("kind"); v != "" {
		for _, k := range strings.Split(v, ",") {
			kind := Kind(strings.TrimSpace(k))
			if !kind.Valid() {
				ve.Add("kind", "unknown fact kind %q", kind)
				continue
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	if v := c.QueryParam("operation"); v != "" {
		if f.Operation = Operation(v); !f.Operation.Valid() {
			ve.Add("operation", "must be read or write")
		}
	}
	if v := c.QueryParam("outcome"); v != "" {
		if f.Outcome = Outcome(v); !f.Outcome.Valid() {
			ve.Add("outcome", "must be success or failure")
		}
	}
	if v := c.QueryParam("document_type"); v != "" {
		if f.DocumentType = DocumentType(v); !f.DocumentType.Valid() {
			ve.Add("document_type", "unknown document type %q", v)
		}
	}
	if v := c.QueryParam("print_status"); v != "" {
		if f.PrintStatus = PrintStatus(v); !f.PrintStatus.Valid() {
			ve.Add("print_status", "unknown print status %q", v)
		}
	}
	if v := c.QueryParam("from"); v != "" {
		t, _, err := parseBound(v, h.loc)
		if err != nil {
			ve.Add("from", "%v", err)
		} else {
			f.From = &t
		}
	}
	if v := c.QueryParam("to"); v != "" {
		t, dateOnly, err := parseBound(v, h.loc)
		if err != nil {
			ve.Add("to", "%v", err)
		} else {
			if dateOnly {
				t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
			}
			f.To = &t
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		ve.Add("from", "must not be after to")
	}
	return f, ve.Err()
}

func parseBound(v string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, false, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("must be RFC 3339 or YYYY-MM-DD, got %q", v)
}
