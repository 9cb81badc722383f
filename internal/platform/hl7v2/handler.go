package hl7v2

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for parsing, validating and
// acknowledging HL7v2 messages.
type Handler struct {
	validator *Validator
}

// NewHandler creates a handler backed by the given validator.
func NewHandler(v *Validator) *Handler {
	if v == nil {
		v = NewValidator()
	}
	return &Handler{validator: v}
}

// RegisterRoutes registers the HL7v2 endpoints on the provided group.
//
//	POST /hl7v2/parse     - parse a raw message to JSON
//	POST /hl7v2/validate  - run the validator over a raw message
//	POST /hl7v2/ack       - build an acknowledgment for a raw message
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/validate", h.ValidateMessage)
	g.POST("/hl7v2/ack", h.AckMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value       string      `json:"value"`
	Components  []string    `json:"components,omitempty"`
	Repetitions []fieldJSON `json:"repetitions,omitempty"`
}

type headerJSON struct {
	MessageType       string `json:"messageType"`
	Type              string `json:"type"`
	TriggerEvent      string `json:"triggerEvent"`
	ControlID         string `json:"controlId"`
	VersionID         string `json:"version"`
	ProcessingID      string `json:"processingId"`
	Timestamp         string `json:"timestamp,omitempty"`
	SendingApp        string `json:"sendingApp"`
	SendingFacility   string `json:"sendingFacility"`
	ReceivingApp      string `json:"receivingApp"`
	ReceivingFacility string `json:"receivingFacility"`
}

func messageJSON(msg *Message) map[string]interface{} {
	segments := make([]segmentJSON, len(msg.Segments))
	for i := range msg.Segments {
		segments[i] = segmentToJSON(&msg.Segments[i])
	}

	hdr := headerJSON{
		MessageType:       msg.Header.MessageType,
		Type:              msg.Header.Type,
		TriggerEvent:      msg.Header.TriggerEvent,
		ControlID:         msg.Header.ControlID,
		VersionID:         msg.Header.VersionID,
		ProcessingID:      msg.Header.ProcessingID,
		SendingApp:        msg.Header.SendingApp,
		SendingFacility:   msg.Header.SendingFacility,
		ReceivingApp:      msg.Header.ReceivingApp,
		ReceivingFacility: msg.Header.ReceivingFacility,
	}
	if !msg.Header.Timestamp.IsZero() {
		hdr.Timestamp = msg.Header.Timestamp.Format("2006-01-02T15:04:05-07:00")
	}

	return map[string]interface{}{
		"header":   hdr,
		"segments": segments,
	}
}

func segmentToJSON(seg *Segment) segmentJSON {
	fields := make([]fieldJSON, len(seg.Fields))
	for i := range seg.Fields {
		fields[i] = fieldToJSON(&seg.Fields[i])
	}
	return segmentJSON{Name: seg.Name, Fields: fields}
}

func fieldToJSON(f *Field) fieldJSON {
	out := fieldJSON{Value: f.Value}
	for _, c := range f.Components {
		out.Components = append(out.Components, c.Value)
	}
	for i := range f.Repetitions {
		out.Repetitions = append(out.Repetitions, fieldToJSON(&f.Repetitions[i]))
	}
	return out
}

// ParseMessage handles POST /hl7v2/parse. It reads raw HL7v2 from the
// request body and returns the parsed tree plus the structured header.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, messageJSON(msg))
}

// ValidateMessage handles POST /hl7v2/validate. It parses the body and
// returns the full diagnostic list; parse failures are reported as a
// single error-severity diagnostic rather than an HTTP error.
func (h *Handler) ValidateMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusOK, ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Segment:  "MSH",
				Code:     "PARSE_ERROR",
				Message:  err.Error(),
				Severity: SeverityError,
			}},
		})
	}

	return c.JSON(http.StatusOK, h.validator.Validate(msg))
}

// ackRequest is the JSON body for POST /hl7v2/ack.
type ackRequest struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	Diagnostic string `json:"diagnostic"`
}

// AckMessage handles POST /hl7v2/ack: it parses the supplied message and
// returns the generated acknowledgment as text/plain wire bytes.
func (h *Handler) AckMessage(c echo.Context) error {
	var req ackRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	msg, err := Parse([]byte(req.Message))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	code := AckCode(req.Code)
	if req.Code == "" {
		code = AckAccept
	}
	ack, err := BuildAck(msg, code, req.Diagnostic)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	return c.Blob(http.StatusOK, "text/plain", ack.Serialize())
}

// decodeJSONBody reads and decodes the JSON request body into target.
func decodeJSONBody(c echo.Context, target interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
