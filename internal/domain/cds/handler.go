package cds

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tribal-ehr/interop/pkg/pagination"
)

// Feedback outcomes defined by the CDS Hooks specification.
const (
	OutcomeAccepted   = "accepted"
	OutcomeOverridden = "overridden"
)

// Handler exposes the CDS Hooks HTTP surface.
type Handler struct {
	engine *Engine
}

// NewHandler creates a CDS Hooks handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers the public CDS Hooks endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/cds-services", h.Discovery)
	g.POST("/cds-services/:serviceId", h.Invoke)
	g.POST("/cds-services/:serviceId/feedback", h.Feedback)
}

// RegisterAdminRoutes registers the override inspection endpoints.
func (h *Handler) RegisterAdminRoutes(g *echo.Group) {
	g.GET("/overrides", h.ListOverrides)
	g.GET("/overrides/patient/:patientId", h.ListPatientOverrides)
}

// Discovery handles GET /cds-services.
func (h *Handler) Discovery(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": h.engine.Discovery(),
	})
}

// Invoke handles POST /cds-services/:serviceId.
func (h *Handler) Invoke(c echo.Context) error {
	serviceID := c.Param("serviceId")

	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Hook == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hook is required")
	}

	resp, err := h.engine.InvokeService(c.Request().Context(), serviceID, &req)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "cds service not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "cds service invocation failed")
	}
	return c.JSON(http.StatusOK, resp)
}

// feedbackPayload is the body of POST /cds-services/:serviceId/feedback.
type feedbackPayload struct {
	Feedback []feedbackItem `json:"feedback"`
}

type feedbackItem struct {
	Card                string                 `json:"card"`
	Outcome             string                 `json:"outcome"`
	AcceptedSuggestions []acceptedSuggestion   `json:"acceptedSuggestions,omitempty"`
	OverrideReason      *feedbackReason        `json:"overrideReason,omitempty"`
	OutcomeTimestamp    string                 `json:"outcomeTimestamp,omitempty"`
	Extension           map[string]interface{} `json:"extension,omitempty"`
}

type acceptedSuggestion struct {
	ID string `json:"id"`
}

type feedbackReason struct {
	Reason      *Coding `json:"reason,omitempty"`
	UserComment string  `json:"userComment,omitempty"`
}

// Feedback handles POST /cds-services/:serviceId/feedback. Overridden
// outcomes are persisted as override records; accepted outcomes are only
// logged. Patient and user identity travel in the item's extension object,
// which the CDS Hooks specification leaves open for this purpose.
func (h *Handler) Feedback(c echo.Context) error {
	serviceID := c.Param("serviceId")

	var payload feedbackPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid feedback body")
	}
	if len(payload.Feedback) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "feedback array is required")
	}

	recorded := 0
	for _, item := range payload.Feedback {
		if item.Card == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "feedback card uuid is required")
		}
		if item.Outcome != OutcomeOverridden {
			continue
		}

		rec := OverrideRecord{
			ServiceID:    serviceID,
			CardUUID:     item.Card,
			UserID:       getString(item.Extension, "userId"),
			PatientID:    getString(item.Extension, "patientId"),
			HookInstance: getString(item.Extension, "hookInstance"),
			CardSummary:  getString(item.Extension, "cardSummary"),
		}
		if item.OverrideReason != nil {
			if item.OverrideReason.Reason != nil {
				rec.ReasonCode = item.OverrideReason.Reason.Code
			}
			rec.ReasonText = item.OverrideReason.UserComment
		}
		if ts, err := time.Parse(time.RFC3339, item.OutcomeTimestamp); err == nil {
			rec.CreatedAt = ts.UTC()
		}

		if err := h.engine.RecordOverride(c.Request().Context(), rec); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to record feedback")
		}
		recorded++
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"recorded": recorded})
}

// ListOverrides handles GET /overrides.
func (h *Handler) ListOverrides(c echo.Context) error {
	params := pagination.FromContext(c)

	recs, total, err := h.engine.ListOverrides(c.Request().Context(), params.Limit, params.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list overrides")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, params.Limit, params.Offset))
}

// ListPatientOverrides handles GET /overrides/patient/:patientId.
func (h *Handler) ListPatientOverrides(c echo.Context) error {
	patientID := c.Param("patientId")

	recs, err := h.engine.Overrides(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list overrides")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  recs,
		"total": len(recs),
	})
}
