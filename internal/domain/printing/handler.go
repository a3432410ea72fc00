package printing

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/clientinfo"
	"github.com/clinic/auditcore/internal/platform/printspool"
)

type Handler struct {
	svc   *Service
	spool printspool.Store
}

// NewHandler creates the print handler. The job download route is only
// mounted when spool is set.
func NewHandler(svc *Service, spool printspool.Store) *Handler {
	return &Handler{svc: svc, spool: spool}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/print", auth.RequireActor())
	g.POST("/preview", h.Preview)
	g.POST("", h.Submit)
	if h.spool != nil {
		g.GET("/jobs/:id", h.GetJob)
	}
}

func (h *Handler) Preview(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	actor, _ := auth.ActorFromContext(ctx)
	res, err := h.svc.Preview(ctx, actor, clientinfo.FromContext(c), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Submit(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	actor, _ := auth.ActorFromContext(ctx)
	receipt, err := h.svc.Submit(ctx, actor, clientinfo.FromContext(c), req)
	switch {
	case errors.Is(err, ErrPrintFailed) && receipt != nil:
		return c.JSON(http.StatusBadGateway, receipt)
	case err != nil:
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

// GetJob streams a spooled print job to the actor who submitted it.
func (h *Handler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()
	rc, job, err := h.spool.Open(ctx, c.Param("id"))
	switch {
	case errors.Is(err, printspool.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, printspool.ErrJobExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case err != nil:
		return err
	}
	defer rc.Close()

	actor, _ := auth.ActorFromContext(ctx)
	if job.ActorID != actor.ID && !actor.HasRole(auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "print job belongs to another actor")
	}
	c.Response().Header().Set("X-Audit-Fact-ID", job.FactID)
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Stream(http.StatusOK, job.ContentType, rc)
}
