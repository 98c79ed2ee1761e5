package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/myclinic/clinic/internal/platform/auth"
	"github.com/myclinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
	bus *Bus
}

// NewHandler builds the REST handler. With a nil bus the event ingest route
// is not registered.
func NewHandler(svc *Service, bus *Bus) *Handler {
	return &Handler{svc: svc, bus: bus}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireIdentity())
	g.GET("", h.List)
	g.GET("/unread-count", h.UnreadCount)
	g.POST("/mark-all-read", h.MarkAllRead)
	g.GET("/preferences", h.GetPreferences)
	g.PATCH("/preferences", h.UpdatePreferences)
	g.PATCH("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)
	if h.bus != nil {
		g.POST("/events", h.IngestEvent, auth.RequireRole("owner", "admin"))
	}
}

func caller(c echo.Context) auth.Identity {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return id
}

func (h *Handler) List(c echo.Context) error {
	id := caller(c)
	pg := pagination.FromContext(c)
	unread, _ := strconv.ParseBool(c.QueryParam("unread"))

	items, total, err := h.svc.List(c.Request().Context(), id.TenantID, id.UserID, ListFilter{
		UnreadOnly: unread,
		Type:       Type(c.QueryParam("type")),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	id := caller(c)
	n, err := h.svc.UnreadCount(c.Request().Context(), id.TenantID, id.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id := caller(c)
	if err := h.svc.MarkRead(c.Request().Context(), id.TenantID, id.UserID, c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	id := caller(c)
	n, err := h.svc.MarkAllRead(c.Request().Context(), id.TenantID, id.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) Delete(c echo.Context) error {
	id := caller(c)
	if err := h.svc.Delete(c.Request().Context(), id.TenantID, id.UserID, c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetPreferences(c echo.Context) error {
	id := caller(c)
	p, err := h.svc.GetPreferences(c.Request().Context(), id.TenantID, id.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePreferences(c echo.Context) error {
	id := caller(c)
	var u PreferenceUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdatePreferences(c.Request().Context(), id.TenantID, id.UserID, u)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// IngestEvent publishes a domain event from another module onto the bus.
// The event is always scoped to the caller's tenant.
func (h *Handler) IngestEvent(c echo.Context) error {
	id := caller(c)
	var env EventEnvelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := env.Decode(id.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.bus.Publish(c.Request().Context(), e); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
