package securitymetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
)

const maxTrendDays = 90

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/security", auth.RequireRole(auth.RoleSecurityOfficer))
	g.GET("/metrics", h.GetSnapshot)
}

// GetSnapshot handles GET /security/metrics?as_of=&days=.
func (h *Handler) GetSnapshot(c echo.Context) error {
	ve := &apperr.ValidationError{}
	var asOf time.Time
	if v := c.QueryParam("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ve.Add("as_of", "must be an RFC 3339 timestamp")
		}
		asOf = t
	}
	days := h.agg.TrendDays()
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTrendDays {
			ve.Add("days", "must be between 1 and %d", maxTrendDays)
		}
		days = n
	}
	if err := ve.Err(); err != nil {
		return apperr.ToHTTP(err)
	}

	snap, err := h.agg.SnapshotDays(c.Request().Context(), asOf, days)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, snap)
}
