package cds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *Engine, *echo.Echo) {
	t.Helper()
	e := NewEngine()
	return NewHandler(e), e, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_Discovery(t *testing.T) {
	h, eng, e := newTestHandler(t)
	eng.Register(cardService("svc-a", HookPatientView, "card a"))
	eng.Register(cardService("svc-b", HookOrderSign, "card b"))

	req := httptest.NewRequest(http.MethodGet, "/cds-services", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Discovery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	services, ok := result["services"].([]interface{})
	if !ok {
		t.Fatal("expected 'services' array in response")
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	first, _ := services[0].(map[string]interface{})
	if first["id"] != "svc-a" || first["hook"] != HookPatientView {
		t.Errorf("unexpected first service: %v", first)
	}
}

func TestHandler_Invoke(t *testing.T) {
	h, eng, e := newTestHandler(t)
	eng.Register(cardService("svc-a", HookPatientView, "card a"))

	body := `{"hook":"patient-view","hookInstance":"hi-1","context":{"patientId":"pat-1"}}`
	req := jsonRequest(http.MethodPost, "/cds-services/svc-a", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("serviceId")
	c.SetParamValues("svc-a")

	if err := h.Invoke(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result Response
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if len(result.Cards) != 1 || result.Cards[0].Summary != "card a" {
		t.Fatalf("unexpected cards: %+v", result.Cards)
	}
	if result.Cards[0].UUID == "" {
		t.Error("expected the card to leave with a uuid")
	}
}

func TestHandler_Invoke_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"hook":"patient-view","hookInstance":"hi-1","context":{}}`
	req := jsonRequest(http.MethodPost, "/cds-services/missing", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("serviceId")
	c.SetParamValues("missing")

	err := h.Invoke(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}

func TestHandler_Invoke_BadRequest(t *testing.T) {
	h, eng, e := newTestHandler(t)
	eng.Register(cardService("svc-a", HookPatientView, "card a"))

	for name, body := range map[string]string{
		"malformed json": `{"hook": `,
		"missing hook":   `{"hookInstance":"hi-1","context":{}}`,
	} {
		req := jsonRequest(http.MethodPost, "/cds-services/svc-a", body)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("serviceId")
		c.SetParamValues("svc-a")

		err := h.Invoke(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("%s: expected echo.HTTPError, got %T", name, err)
		}
		if httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, httpErr.Code)
		}
	}
}

func TestHandler_Feedback_RecordsOverrides(t *testing.T) {
	h, eng, e := newTestHandler(t)

	body := `{
		"feedback": [
			{
				"card": "card-uuid-1",
				"outcome": "overridden",
				"overrideReason": {
					"reason": {"code": "will-monitor", "system": "https://interop.tribal-ehr.io/cds/override-reasons"},
					"userComment": "INR checked weekly"
				},
				"outcomeTimestamp": "2026-02-01T10:30:00Z",
				"extension": {"patientId": "pat-1", "userId": "dr-house"}
			},
			{
				"card": "card-uuid-2",
				"outcome": "accepted",
				"acceptedSuggestions": [{"id": "sugg-1"}]
			}
		]
	}`
	req := jsonRequest(http.MethodPost, "/cds-services/drug-interaction-order-select/feedback", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("serviceId")
	c.SetParamValues("drug-interaction-order-select")

	if err := h.Feedback(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if recorded, _ := result["recorded"].(float64); recorded != 1 {
		t.Errorf("recorded = %v, want 1 (accepted outcomes are not persisted)", result["recorded"])
	}

	recs, err := eng.Overrides(context.Background(), "pat-1")
	if err != nil {
		t.Fatalf("Overrides failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 override record, got %d", len(recs))
	}
	rec0 := recs[0]
	if rec0.ServiceID != "drug-interaction-order-select" {
		t.Errorf("serviceId = %q", rec0.ServiceID)
	}
	if rec0.CardUUID != "card-uuid-1" {
		t.Errorf("cardUuid = %q", rec0.CardUUID)
	}
	if rec0.ReasonCode != "will-monitor" || rec0.ReasonText != "INR checked weekly" {
		t.Errorf("reason = %q / %q", rec0.ReasonCode, rec0.ReasonText)
	}
	if rec0.UserID != "dr-house" {
		t.Errorf("userId = %q", rec0.UserID)
	}
	if got := rec0.CreatedAt.Format("2006-01-02"); got != "2026-02-01" {
		t.Errorf("createdAt = %s, want the outcome timestamp", got)
	}
}

func TestHandler_Feedback_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)

	for name, body := range map[string]string{
		"empty feedback": `{"feedback": []}`,
		"missing card":   `{"feedback": [{"outcome": "overridden"}]}`,
	} {
		req := jsonRequest(http.MethodPost, "/cds-services/svc/feedback", body)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("serviceId")
		c.SetParamValues("svc")

		err := h.Feedback(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("%s: expected echo.HTTPError, got %T", name, err)
		}
		if httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, httpErr.Code)
		}
	}
}

func seedOverrides(t *testing.T, eng *Engine, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := eng.RecordOverride(context.Background(), OverrideRecord{
			ServiceID:  "vital-sign-alerts",
			CardUUID:   fmt.Sprintf("card-%d", i),
			PatientID:  fmt.Sprintf("pat-%d", i%2),
			ReasonCode: "expected-for-condition",
		})
		if err != nil {
			t.Fatalf("RecordOverride failed: %v", err)
		}
	}
}

func TestHandler_ListOverrides_Paginated(t *testing.T) {
	h, eng, e := newTestHandler(t)
	seedOverrides(t, eng, 3)

	req := httptest.NewRequest(http.MethodGet, "/overrides?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListOverrides(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if total, _ := result["total"].(float64); total != 3 {
		t.Errorf("total = %v, want 3", result["total"])
	}
	if hasMore, _ := result["has_more"].(bool); !hasMore {
		t.Error("expected has_more = true")
	}
	data, _ := result["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("expected 2 records in page, got %d", len(data))
	}
	first, _ := data[0].(map[string]interface{})
	if first["cardUuid"] != "card-3" {
		t.Errorf("expected newest record first, got %v", first["cardUuid"])
	}
}

func TestHandler_ListPatientOverrides(t *testing.T) {
	h, eng, e := newTestHandler(t)
	seedOverrides(t, eng, 3)

	req := httptest.NewRequest(http.MethodGet, "/overrides/patient/pat-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("pat-1")

	if err := h.ListPatientOverrides(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if total, _ := result["total"].(float64); total != 2 {
		t.Errorf("total = %v, want 2", result["total"])
	}
	data, _ := result["data"].([]interface{})
	for _, item := range data {
		rec, _ := item.(map[string]interface{})
		if rec["patientId"] != "pat-1" {
			t.Errorf("record for wrong patient: %v", rec["patientId"])
		}
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, eng, e := newTestHandler(t)
	eng.Register(cardService("svc-a", HookPatientView, "card a"))
	h.RegisterRoutes(e.Group("/api/v1"))
	h.RegisterAdminRoutes(e.Group("/admin/cds"))

	for _, target := range []string{"/api/v1/cds-services", "/admin/cds/overrides"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", target, rec.Code)
		}
	}
}
