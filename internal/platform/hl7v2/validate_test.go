package hl7v2

import (
	"testing"
)

func severityCount(errs []ValidationError, severity string) int {
	n := 0
	for _, e := range errs {
		if e.Severity == severity {
			n++
		}
	}
	return n
}

func findDiagnostic(errs []ValidationError, code string) *ValidationError {
	for i := range errs {
		if errs[i].Code == code {
			return &errs[i]
		}
	}
	return nil
}

// ===================== Structural Validation =====================

func TestValidate_WellFormedADT(t *testing.T) {
	msg := parseTestMessage(t, testADTA01)
	res := NewValidator().Validate(msg)
	if !res.Valid {
		t.Errorf("expected valid, got diagnostics %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no diagnostics, got %+v", res.Errors)
	}
}

func TestValidate_MissingPID(t *testing.T) {
	raw := "MSH|^~\\&|TRIBAL|FACILITY|DEST|FAC|20240115120000||ADT^A01|MSG001|P|2.5.1\r" +
		"EVN|A01|20240115120000\r" +
		"PV1|1|I|ICU^101^A"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if res.Valid {
		t.Error("expected invalid result")
	}
	if got := severityCount(res.Errors, SeverityError); got != 1 {
		t.Fatalf("expected exactly 1 error, got %d: %+v", got, res.Errors)
	}
	e := findDiagnostic(res.Errors, "MISSING_REQUIRED_SEGMENT")
	if e == nil {
		t.Fatal("expected MISSING_REQUIRED_SEGMENT diagnostic")
	}
	if e.Segment != "PID" {
		t.Errorf("diagnostic segment = %q, want PID", e.Segment)
	}
	if e.Severity != SeverityError {
		t.Errorf("diagnostic severity = %q, want error", e.Severity)
	}
}

func TestValidate_NoMSH(t *testing.T) {
	msg := &Message{Segments: []Segment{{Name: "PID"}}}
	res := NewValidator().Validate(msg)
	if res.Valid {
		t.Error("expected invalid result")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly 1 diagnostic, got %+v", res.Errors)
	}
	if res.Errors[0].Code != "MISSING_REQUIRED_SEGMENT" || res.Errors[0].Segment != "MSH" {
		t.Errorf("unexpected diagnostic %+v", res.Errors[0])
	}
}

func TestValidate_MissingMSHFields(t *testing.T) {
	// No control ID, no version.
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01||P"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if res.Valid {
		t.Error("expected invalid result")
	}
	var fields []int
	for _, e := range res.Errors {
		if e.Code == "MISSING_REQUIRED_FIELD" && e.Segment == "MSH" {
			fields = append(fields, e.Field)
		}
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 missing-field diagnostics, got %v (%+v)", fields, res.Errors)
	}
	if fields[0] != 10 || fields[1] != 12 {
		t.Errorf("missing fields = %v, want [10 12]", fields)
	}
}

func TestValidate_MissingPatientIdentity(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|M1|P|2.5.1\r" +
		"EVN|A01|20240101120000\r" +
		"PID|1\r" +
		"PV1|1|I"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if res.Valid {
		t.Error("expected invalid result")
	}
	for _, field := range []int{3, 5} {
		found := false
		for _, e := range res.Errors {
			if e.Code == "MISSING_REQUIRED_FIELD" && e.Segment == "PID" && e.Field == field {
				found = true
			}
		}
		if !found {
			t.Errorf("expected MISSING_REQUIRED_FIELD for PID-%d, got %+v", field, res.Errors)
		}
	}
}

func TestValidate_UnknownTypeIsWarning(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ZZZ^Z99|M1|P|2.5.1"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if !res.Valid {
		t.Errorf("unknown type must not invalidate: %+v", res.Errors)
	}
	w := findDiagnostic(res.Errors, "UNKNOWN_MESSAGE_TYPE")
	if w == nil {
		t.Fatal("expected UNKNOWN_MESSAGE_TYPE diagnostic")
	}
	if w.Severity != SeverityWarning {
		t.Errorf("severity = %q, want warning", w.Severity)
	}
	if w.Segment != "MSH" || w.Field != 9 {
		t.Errorf("diagnostic location = %s-%d, want MSH-9", w.Segment, w.Field)
	}
}

func TestValidate_ORUMissingOBX(t *testing.T) {
	raw := "MSH|^~\\&|LAB|FAC|EHR|FAC|20240101120000||ORU^R01|M1|P|2.5.1\r" +
		"PID|1||MRN001||DOE^JANE\r" +
		"OBR|1|ORD1||CBC^Complete Blood Count^L"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if res.Valid {
		t.Error("expected invalid result")
	}
	e := findDiagnostic(res.Errors, "MISSING_REQUIRED_SEGMENT")
	if e == nil || e.Segment != "OBX" {
		t.Errorf("expected missing OBX diagnostic, got %+v", res.Errors)
	}
}

// ===================== Field Formats =====================

func TestValidate_FieldFormatWarnings(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|M1|P|2.5.1\r" +
		"EVN|A01|20240101120000\r" +
		"PID|1||MRN001||DOE^JANE||1980|X\r" +
		"PV1|1|Z\r" +
		"OBX|1|QQ|CODE^Text^LN|1|value"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	if !res.Valid {
		t.Errorf("format findings must be warnings, got errors: %+v", res.Errors)
	}
	wantCodes := []string{"INVALID_DATE_FORMAT", "INVALID_SEX_CODE", "INVALID_PATIENT_CLASS", "INVALID_VALUE_TYPE"}
	for _, code := range wantCodes {
		w := findDiagnostic(res.Errors, code)
		if w == nil {
			t.Errorf("expected %s diagnostic, got %+v", code, res.Errors)
			continue
		}
		if w.Severity != SeverityWarning {
			t.Errorf("%s severity = %q, want warning", code, w.Severity)
		}
	}
}

func TestValidate_InvalidProcessingID(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|M1|Q|2.5.1\r" +
		"EVN|A01|20240101120000\r" +
		"PID|1||MRN001||DOE^JANE\r" +
		"PV1|1|I"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)

	w := findDiagnostic(res.Errors, "INVALID_PROCESSING_ID")
	if w == nil {
		t.Fatalf("expected INVALID_PROCESSING_ID diagnostic, got %+v", res.Errors)
	}
	if w.Severity != SeverityWarning || w.Field != 11 {
		t.Errorf("unexpected diagnostic %+v", w)
	}
}

func TestValidate_EmptyOptionalFieldsNotFlagged(t *testing.T) {
	// PID-7 and PID-8 absent entirely; format rules only fire on non-empty values.
	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|M1|P|2.5.1\r" +
		"EVN|A01|20240101120000\r" +
		"PID|1||MRN001||DOE^JANE\r" +
		"PV1|1|I"
	msg := parseTestMessage(t, raw)
	res := NewValidator().Validate(msg)
	if len(res.Errors) != 0 {
		t.Errorf("expected no diagnostics, got %+v", res.Errors)
	}
}

// ===================== Custom Rules =====================

func TestValidate_CustomRule(t *testing.T) {
	v := NewValidator()
	v.RegisterRule("PID", func(seg *Segment, msg *Message) []ValidationError {
		if seg.FieldValue(19) == "" {
			return []ValidationError{{
				Segment:  "PID",
				Field:    19,
				Code:     "MISSING_SSN",
				Message:  "PID-19 is required by site policy",
				Severity: SeverityError,
			}}
		}
		return nil
	})

	msg := parseTestMessage(t, testADTA01)
	res := v.Validate(msg)
	if res.Valid {
		t.Error("expected custom rule to invalidate the message")
	}
	if findDiagnostic(res.Errors, "MISSING_SSN") == nil {
		t.Errorf("expected MISSING_SSN diagnostic, got %+v", res.Errors)
	}
}

func TestValidate_CustomRuleRunsPerMatchingSegment(t *testing.T) {
	v := NewValidator()
	calls := 0
	v.RegisterRule("OBX", func(seg *Segment, msg *Message) []ValidationError {
		calls++
		return nil
	})

	raw := "MSH|^~\\&|A|B|C|D|20240101120000||ORU^R01|M1|P|2.5.1\r" +
		"PID|1||MRN001||DOE^JANE\r" +
		"OBR|1\r" +
		"OBX|1|NM|A^B^LN|1|1\r" +
		"OBX|2|NM|C^D^LN|1|2"
	v.Validate(parseTestMessage(t, raw))
	if calls != 2 {
		t.Errorf("rule ran %d times, want 2", calls)
	}
}

// ===================== Required-Segment Table =====================

func TestRequiredSegments(t *testing.T) {
	tests := []struct {
		msgType string
		trigger string
		want    []string
		ok      bool
	}{
		{"ADT", "A01", []string{"MSH", "EVN", "PID", "PV1"}, true},
		{"ADT", "A08", []string{"MSH", "EVN", "PID", "PV1"}, true},
		{"ORM", "O01", []string{"MSH", "PID", "ORC", "OBR"}, true},
		{"ORU", "R01", []string{"MSH", "PID", "OBR", "OBX"}, true},
		{"OML", "O21", []string{"MSH", "PID", "ORC", "OBR"}, true},
		{"VXU", "V04", []string{"MSH", "PID", "RXA"}, true},
		{"RDE", "O11", []string{"MSH", "PID", "ORC", "RXE"}, true},
		{"SIU", "S12", []string{"MSH", "SCH", "PID"}, true},
		{"SIU", "S26", []string{"MSH", "SCH", "PID"}, true},
		{"MDM", "T02", []string{"MSH", "EVN", "PID", "TXA"}, true},
		{"ACK", "A01", []string{"MSH", "MSA"}, true},
		{"ACK", "", []string{"MSH", "MSA"}, true},
		{"ZZZ", "Z99", nil, false},
		{"ADT", "A99", nil, false},
	}
	for _, tt := range tests {
		segs, ok := RequiredSegments(tt.msgType, tt.trigger)
		if ok != tt.ok {
			t.Errorf("RequiredSegments(%s,%s) ok = %v, want %v", tt.msgType, tt.trigger, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if len(segs) != len(tt.want) {
			t.Errorf("RequiredSegments(%s,%s) = %v, want %v", tt.msgType, tt.trigger, segs, tt.want)
			continue
		}
		for i := range segs {
			if segs[i] != tt.want[i] {
				t.Errorf("RequiredSegments(%s,%s)[%d] = %q, want %q", tt.msgType, tt.trigger, i, segs[i], tt.want[i])
			}
		}
	}
}
