// Package cds hosts the clinical decision support engine: a registry of hook
// services invoked in parallel per the HL7 CDS Hooks specification, built-in
// rule handlers, external service proxies and override tracking.
package cds

import (
	"time"

	"github.com/google/uuid"
)

// Hook names recognized by the engine.
const (
	HookPatientView         = "patient-view"
	HookOrderSelect         = "order-select"
	HookOrderSign           = "order-sign"
	HookMedicationPrescribe = "medication-prescribe"
)

// Indicator grades how urgently a card needs the clinician's attention.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// Coding is a code from a terminology system (RxNorm, LOINC, SNOMED, ...).
type Coding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// Source identifies where a card's guidance comes from.
type Source struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Action is one structured change proposed by a suggestion. Type is
// "create", "update" or "delete"; Resource carries the FHIR-shaped payload.
type Action struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Resource    map[string]interface{} `json:"resource,omitempty"`
}

// Suggestion is an actionable alternative offered on a card.
type Suggestion struct {
	Label         string   `json:"label"`
	UUID          string   `json:"uuid,omitempty"`
	IsRecommended bool     `json:"isRecommended,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
}

// Link points the clinician at further reading or a SMART app.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// Card is one piece of decision support returned to the CDS client.
type Card struct {
	UUID              string       `json:"uuid,omitempty"`
	Summary           string       `json:"summary"`
	Detail            string       `json:"detail,omitempty"`
	Indicator         Indicator    `json:"indicator"`
	Source            Source       `json:"source"`
	Suggestions       []Suggestion `json:"suggestions,omitempty"`
	SelectionBehavior string       `json:"selectionBehavior,omitempty"`
	OverrideReasons   []Coding     `json:"overrideReasons,omitempty"`
	Links             []Link       `json:"links,omitempty"`
}

// Request is the CDS Hooks invocation body. Context and Prefetch are
// loosely-typed bags; either may be absent or partial.
type Request struct {
	HookInstance      string                 `json:"hookInstance"`
	Hook              string                 `json:"hook"`
	FHIRServer        string                 `json:"fhirServer,omitempty"`
	FHIRAuthorization map[string]interface{} `json:"fhirAuthorization,omitempty"`
	Context           map[string]interface{} `json:"context"`
	Prefetch          map[string]interface{} `json:"prefetch,omitempty"`
}

// PatientID returns context.patientId, if present.
func (r *Request) PatientID() string {
	return getString(r.Context, "patientId")
}

// UserID returns context.userId, if present.
func (r *Request) UserID() string {
	return getString(r.Context, "userId")
}

// Response is the CDS Hooks invocation result.
type Response struct {
	Cards         []Card   `json:"cards"`
	SystemActions []Action `json:"systemActions,omitempty"`
}

// ServiceDescriptor is one entry in the discovery document.
type ServiceDescriptor struct {
	ID                string            `json:"id"`
	Hook              string            `json:"hook"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`
}

// OverrideRecord captures a clinician dismissing a card, with the coded
// justification they picked. Records are append-only.
type OverrideRecord struct {
	ID           uuid.UUID `json:"id"`
	ServiceID    string    `json:"serviceId,omitempty"`
	CardUUID     string    `json:"cardUuid"`
	UserID       string    `json:"userId,omitempty"`
	PatientID    string    `json:"patientId,omitempty"`
	HookInstance string    `json:"hookInstance,omitempty"`
	ReasonCode   string    `json:"reasonCode,omitempty"`
	ReasonText   string    `json:"reasonText,omitempty"`
	CardSummary  string    `json:"cardSummary,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
