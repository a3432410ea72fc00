package alerting

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
)

type Handler struct {
	engine *Engine
	now    func() time.Time
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/security/alerts", auth.RequireRole(auth.RoleSecurityOfficer))
	g.GET("", h.ListAlerts)
	g.POST("/sweep", h.Sweep)
	g.GET("/:id", h.GetAlert)
	g.POST("/:id/investigate", h.Investigate)
	g.POST("/:id/resolve", h.Resolve)
	g.POST("/:id/false-positive", h.MarkFalsePositive)
}

type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

type ListResponse struct {
	Items []*Alert `json:"items"`
	Total int      `json:"total"`
}

func actorID(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) ListAlerts(c echo.Context) error {
	ve := &apperr.ValidationError{}
	f := Filter{
		Status:  Status(c.QueryParam("status")),
		Type:    Type(c.QueryParam("type")),
		ActorID: c.QueryParam("actor_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		ve.Add("status", "unknown alert status %q", f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		ve.Add("type", "unknown alert type %q", f.Type)
	}
	if err := ve.Err(); err != nil {
		return apperr.ToHTTP(err)
	}
	items, err := h.engine.List(c.Request().Context(), f)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ListResponse{Items: items, Total: len(items)})
}

func (h *Handler) GetAlert(c echo.Context) error {
	a, err := h.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Investigate(c echo.Context) error {
	a, err := h.engine.Investigate(c.Request().Context(), c.Param("id"), actorID(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Resolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.engine.Resolve(c.Request().Context(), c.Param("id"), req.Resolution, actorID(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkFalsePositive(c echo.Context) error {
	a, err := h.engine.MarkFalsePositive(c.Request().Context(), c.Param("id"), actorID(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Sweep(c echo.Context) error {
	n, err := h.engine.Sweep(c.Request().Context(), h.now())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"alerts_raised": n})
}
