package router

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tribal-ehr/interop/pkg/pagination"
)

// AdminHandler exposes routing table and dead-letter queue management via
// Echo HTTP routes.
type AdminHandler struct {
	router *Router
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(r *Router) *AdminHandler {
	return &AdminHandler{router: r}
}

// RegisterRoutes binds all router management routes to the given Echo group.
func (h *AdminHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/handlers", h.ListHandlers)
	g.GET("/dlq", h.ListDeadLetters)
	g.POST("/dlq/:controlId/retry", h.RetryDeadLetter)
	g.DELETE("/dlq/:controlId", h.PurgeDeadLetter)
	g.DELETE("/dlq", h.ClearDeadLetters)
}

// ListHandlers handles GET /router/handlers.
func (h *AdminHandler) ListHandlers(c echo.Context) error {
	regs := h.router.Registrations()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  regs,
		"total": len(regs),
	})
}

// ListDeadLetters handles GET /router/dlq.
func (h *AdminHandler) ListDeadLetters(c echo.Context) error {
	params := pagination.FromContext(c)
	entries := h.router.DeadLetters()
	lo, hi := params.Slice(len(entries))
	return c.JSON(http.StatusOK, pagination.NewResponse(entries[lo:hi], len(entries), params.Limit, params.Offset))
}

// RetryDeadLetter handles POST /router/dlq/:controlId/retry.
func (h *AdminHandler) RetryDeadLetter(c echo.Context) error {
	controlID := c.Param("controlId")
	ack, err := h.router.Retry(c.Request().Context(), controlID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ackCode := ""
	if msa := ack.FindSegment("MSA"); msa != nil {
		ackCode = msa.FieldValue(1)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"controlId": controlID,
		"ackCode":   ackCode,
		"ack":       ack.String(),
	})
}

// PurgeDeadLetter handles DELETE /router/dlq/:controlId.
func (h *AdminHandler) PurgeDeadLetter(c echo.Context) error {
	if !h.router.Purge(c.Param("controlId")) {
		return echo.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// ClearDeadLetters handles DELETE /router/dlq.
func (h *AdminHandler) ClearDeadLetters(c echo.Context) error {
	purged := h.router.ClearDLQ()
	return c.JSON(http.StatusOK, map[string]interface{}{"purged": purged})
}
