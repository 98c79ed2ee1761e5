package analytics

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/myclinic/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/analytics", auth.RequireIdentity())
	g.GET("/dashboard", report(h.svc.Dashboard))
	g.GET("/revenue", report(h.svc.Revenue))
	g.GET("/patients", report(h.svc.Patients))
	g.GET("/appointments", report(h.svc.Appointments))
	g.GET("/services", report(h.svc.Services))
	g.GET("/staff", report(h.svc.Staff))
	g.GET("/leads", report(h.svc.Leads))
	g.GET("/export/:type", h.Export)
}

// report adapts a service report method to an echo handler.
func report[T any](fn func(context.Context, auth.Identity, Query) (*T, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, q, err := parseRequest(c)
		if err != nil {
			return err
		}
		out, err := fn(c.Request().Context(), id, q)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, out)
	}
}

func (h *Handler) Export(c echo.Context) error {
	id, q, err := parseRequest(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Export(c.Request().Context(), id, c.Param("type"), c.QueryParam("format"), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func parseRequest(c echo.Context) (auth.Identity, Query, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, Query{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	q, err := ParseQuery(c.QueryParams())
	if err != nil {
		return auth.Identity{}, Query{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, q, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrBranchForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUnknownReport), errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrInvalidRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
