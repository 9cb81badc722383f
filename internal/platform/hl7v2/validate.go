package hl7v2

import (
	"fmt"
	"regexp"
	"sync"
)

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Validation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ValidationError is one diagnostic produced by a validation rule. Field 0
// means the finding applies to the segment as a whole.
type ValidationError struct {
	Segment  string `json:"segment"`
	Field    int    `json:"field"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ValidationResult collects every diagnostic for a message. Valid is true
// when no error-severity entries are present; warnings and infos do not
// affect it.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// RuleFunc is a custom validation rule applied to each segment with the
// registered name. It may consult the whole message.
type RuleFunc func(seg *Segment, msg *Message) []ValidationError

// ---------------------------------------------------------------------------
// Required-segment table
// ---------------------------------------------------------------------------

// requiredSegments maps TYPE^TRIGGER to the segments a message of that kind
// must carry. ACK is handled separately since it echoes arbitrary triggers.
var requiredSegments = map[string][]string{
	"ADT^A01": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A02": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A03": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A04": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A08": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A11": {"MSH", "EVN", "PID", "PV1"},
	"ADT^A13": {"MSH", "EVN", "PID", "PV1"},
	"ORM^O01": {"MSH", "PID", "ORC", "OBR"},
	"ORU^R01": {"MSH", "PID", "OBR", "OBX"},
	"OML^O21": {"MSH", "PID", "ORC", "OBR"},
	"VXU^V04": {"MSH", "PID", "RXA"},
	"RDE^O11": {"MSH", "PID", "ORC", "RXE"},
	"SIU^S12": {"MSH", "SCH", "PID"},
	"SIU^S13": {"MSH", "SCH", "PID"},
	"SIU^S14": {"MSH", "SCH", "PID"},
	"SIU^S15": {"MSH", "SCH", "PID"},
	"SIU^S26": {"MSH", "SCH", "PID"},
	"MDM^T02": {"MSH", "EVN", "PID", "TXA"},
}

// RequiredSegments returns the required-segment list for a message type and
// trigger event. The second return is false for unsupported combinations.
func RequiredSegments(msgType, trigger string) ([]string, bool) {
	if msgType == "ACK" {
		return []string{"MSH", "MSA"}, true
	}
	segs, ok := requiredSegments[msgType+"^"+trigger]
	return segs, ok
}

// ---------------------------------------------------------------------------
// Field-format patterns
// ---------------------------------------------------------------------------

var (
	hl7DatePattern     = regexp.MustCompile(`^\d{8}(\d{4}(\d{2}(\.\d{1,4})?)?)?([+-]\d{4})?$`)
	processingIDValues = regexp.MustCompile(`^[PDT]$`)
	patientClassValues = regexp.MustCompile(`^[IOEPBRNU]$`)
	sexValues          = regexp.MustCompile(`^[MFOUANC]$`)
)

var obxValueTypes = map[string]bool{
	"NM": true, "ST": true, "TX": true, "CE": true, "CF": true, "CK": true,
	"CN": true, "CP": true, "CX": true, "DT": true, "ED": true, "FT": true,
	"ID": true, "MO": true, "PN": true, "RP": true, "SN": true, "TM": true,
	"TN": true, "TS": true, "AD": true, "XAD": true, "XCN": true,
	"XON": true, "XPN": true, "XTN": true,
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

// Validator runs the layered structural and field-format checks and any
// registered custom rules. Safe for concurrent use.
type Validator struct {
	mu    sync.RWMutex
	rules map[string][]RuleFunc
}

// NewValidator returns a Validator with the built-in rule layers and no
// custom rules.
func NewValidator() *Validator {
	return &Validator{rules: make(map[string][]RuleFunc)}
}

// RegisterRule adds a custom rule applied to every segment with the given
// name after the built-in layers.
func (v *Validator) RegisterRule(segment string, rule RuleFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[segment] = append(v.rules[segment], rule)
}

// Validate checks msg against the universal invariants, the per-type
// required-segment table, the field-format rules, and any custom rules.
// Diagnostics accumulate; nothing is thrown.
func (v *Validator) Validate(msg *Message) ValidationResult {
	var errs []ValidationError

	errs = append(errs, checkUniversal(msg)...)
	errs = append(errs, checkRequiredSegments(msg)...)
	errs = append(errs, checkFieldFormats(msg)...)

	v.mu.RLock()
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		for _, rule := range v.rules[seg.Name] {
			errs = append(errs, rule(seg, msg)...)
		}
	}
	v.mu.RUnlock()

	result := ValidationResult{Valid: true, Errors: errs}
	for _, e := range errs {
		if e.Severity == SeverityError {
			result.Valid = false
			break
		}
	}
	return result
}

// checkUniversal enforces the invariants every message must satisfy: an MSH
// with type, control ID, processing ID and version, plus patient identity
// fields whenever a PID is present.
func checkUniversal(msg *Message) []ValidationError {
	var errs []ValidationError

	msh := msg.FindSegment("MSH")
	if msh == nil {
		return []ValidationError{{
			Segment:  "MSH",
			Code:     "MISSING_REQUIRED_SEGMENT",
			Message:  "message has no MSH segment",
			Severity: SeverityError,
		}}
	}

	mshRequired := []struct {
		field int
		name  string
	}{
		{9, "message type"},
		{10, "message control ID"},
		{11, "processing ID"},
		{12, "version ID"},
	}
	for _, req := range mshRequired {
		if msh.FieldValue(req.field) == "" {
			errs = append(errs, ValidationError{
				Segment:  "MSH",
				Field:    req.field,
				Code:     "MISSING_REQUIRED_FIELD",
				Message:  fmt.Sprintf("MSH-%d (%s) is required", req.field, req.name),
				Severity: SeverityError,
			})
		}
	}

	for _, pid := range msg.FindSegments("PID") {
		if pid.FieldValue(3) == "" {
			errs = append(errs, ValidationError{
				Segment:  "PID",
				Field:    3,
				Code:     "MISSING_REQUIRED_FIELD",
				Message:  "PID-3 (patient identifier list) is required",
				Severity: SeverityError,
			})
		}
		if pid.FieldValue(5) == "" {
			errs = append(errs, ValidationError{
				Segment:  "PID",
				Field:    5,
				Code:     "MISSING_REQUIRED_FIELD",
				Message:  "PID-5 (patient name) is required",
				Severity: SeverityError,
			})
		}
	}
	return errs
}

// checkRequiredSegments applies the per-type table. Unknown type/trigger
// pairs yield a single warning and skip the layer.
func checkRequiredSegments(msg *Message) []ValidationError {
	msgType := msg.Header.Type
	trigger := msg.Header.TriggerEvent
	if msgType == "" {
		return nil // already reported by the universal layer
	}

	required, ok := RequiredSegments(msgType, trigger)
	if !ok {
		return []ValidationError{{
			Segment:  "MSH",
			Field:    9,
			Code:     "UNKNOWN_MESSAGE_TYPE",
			Message:  fmt.Sprintf("no segment requirements known for %s^%s", msgType, trigger),
			Severity: SeverityWarning,
		}}
	}

	var errs []ValidationError
	for _, name := range required {
		if msg.FindSegment(name) == nil {
			errs = append(errs, ValidationError{
				Segment:  name,
				Code:     "MISSING_REQUIRED_SEGMENT",
				Message:  fmt.Sprintf("%s^%s requires a %s segment", msgType, trigger, name),
				Severity: SeverityError,
			})
		}
	}
	return errs
}

// checkFieldFormats emits warnings for malformed dates and out-of-table
// coded values. These never fail a message on their own.
func checkFieldFormats(msg *Message) []ValidationError {
	var errs []ValidationError

	warn := func(seg string, field int, code, message string) {
		errs = append(errs, ValidationError{
			Segment:  seg,
			Field:    field,
			Code:     code,
			Message:  message,
			Severity: SeverityWarning,
		})
	}

	if msh := msg.FindSegment("MSH"); msh != nil {
		if ts := msh.FieldValue(7); ts != "" && !hl7DatePattern.MatchString(ts) {
			warn("MSH", 7, "INVALID_DATE_FORMAT", fmt.Sprintf("MSH-7 %q is not an HL7 timestamp", ts))
		}
		if pid := msh.FieldValue(11); pid != "" && !processingIDValues.MatchString(pid) {
			warn("MSH", 11, "INVALID_PROCESSING_ID", fmt.Sprintf("MSH-11 %q is not one of P, D, T", pid))
		}
	}

	for _, pid := range msg.FindSegments("PID") {
		if dob := pid.FieldValue(7); dob != "" && !hl7DatePattern.MatchString(dob) {
			warn("PID", 7, "INVALID_DATE_FORMAT", fmt.Sprintf("PID-7 %q is not an HL7 date", dob))
		}
		if sex := pid.FieldValue(8); sex != "" && !sexValues.MatchString(sex) {
			warn("PID", 8, "INVALID_SEX_CODE", fmt.Sprintf("PID-8 %q is not an HL7 administrative sex code", sex))
		}
	}

	for _, pv1 := range msg.FindSegments("PV1") {
		if class := pv1.FieldValue(2); class != "" && !patientClassValues.MatchString(class) {
			warn("PV1", 2, "INVALID_PATIENT_CLASS", fmt.Sprintf("PV1-2 %q is not an HL7 patient class", class))
		}
	}

	for _, obx := range msg.FindSegments("OBX") {
		if vt := obx.FieldValue(2); vt != "" && !obxValueTypes[vt] {
			warn("OBX", 2, "INVALID_VALUE_TYPE", fmt.Sprintf("OBX-2 %q is not a recognized HL7 value type", vt))
		}
	}

	return errs
}
