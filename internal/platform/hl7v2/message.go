// Package hl7v2 implements parsing, construction, validation and
// acknowledgment of HL7 version 2.x messages: the pipe-and-hat clinical
// messaging format that carries admits, orders, results, vaccinations and
// scheduling events between healthcare systems.
//
// A message is a list of segments separated by carriage returns. Each
// segment is a three-letter name plus fields separated by the field
// separator; fields divide into repetitions (~), components (^) and
// subcomponents (&). The MSH segment is special: its first field is the
// field separator character itself and its second is the four-character
// encoding string, so external 1-based field numbering counts those two.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Message tree
// ---------------------------------------------------------------------------

// Component is one ^-delimited part of a field. Value holds the raw text;
// Subcomponents holds the &-split of that text (a single entry when no
// subcomponent separator is present).
type Component struct {
	Value         string
	Subcomponents []string
}

// Field is one |-delimited part of a segment. Value holds the raw field
// text. Components holds the component split of the primary repetition.
// When the raw field contains the repetition separator, Repetitions holds
// every repetition in order (each parsed as its own Field); otherwise
// Repetitions is empty.
type Field struct {
	Value       string
	Components  []Component
	Repetitions []Field
}

// Segment is a named list of fields. For MSH, Fields[0] is the field
// separator character and Fields[1] the encoding characters, preserving
// HL7's 1-based field numbering.
type Segment struct {
	Name   string
	Fields []Field

	enc EncodingSet
}

// MessageHeader is the structured view of MSH-3 through MSH-12.
type MessageHeader struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Timestamp         time.Time
	Security          string
	MessageType       string // raw MSH-9, e.g. "ADT^A01" or "ORU^R01^ORU_R01"
	Type              string // MSH-9.1
	TriggerEvent      string // MSH-9.2
	ControlID         string
	ProcessingID      string
	VersionID         string
}

// Message is an immutable parsed or built HL7v2 message. The first segment
// is always MSH and Header is derived from it.
type Message struct {
	Raw      []byte
	Segments []Segment
	Header   MessageHeader
	Encoding EncodingSet
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Segment) encoding() EncodingSet {
	if s.enc == (EncodingSet{}) {
		return DefaultEncoding()
	}
	return s.enc
}

// FieldValue returns the escape-resolved value of the i-th field using
// HL7's 1-based numbering. Out-of-range indices return an empty string.
func (s *Segment) FieldValue(i int) string {
	if s == nil || i < 1 || i > len(s.Fields) {
		return ""
	}
	return s.encoding().Unescape(s.Fields[i-1].Value)
}

// ComponentValue returns the escape-resolved j-th component of the i-th
// field (both 1-based). Out-of-range indices return an empty string. For
// repeating fields the primary repetition is consulted.
func (s *Segment) ComponentValue(i, j int) string {
	if s == nil || i < 1 || i > len(s.Fields) || j < 1 {
		return ""
	}
	comps := s.Fields[i-1].Components
	if j > len(comps) {
		return ""
	}
	return s.encoding().Unescape(comps[j-1].Value)
}

// FindSegment returns the first segment with the given name, or nil.
func (m *Message) FindSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// FindSegments returns all segments with the given name in message order.
func (m *Message) FindSegments(name string) []*Segment {
	var out []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			out = append(out, &m.Segments[i])
		}
	}
	return out
}

// FieldValue returns the i-th field of the first segment named seg, or an
// empty string when the segment or field is absent.
func (m *Message) FieldValue(seg string, i int) string {
	return m.FindSegment(seg).FieldValue(i)
}

// ComponentValue returns component j of field i of the first segment named
// seg, or an empty string when absent.
func (m *Message) ComponentValue(seg string, i, j int) string {
	s := m.FindSegment(seg)
	if s == nil {
		return ""
	}
	return s.ComponentValue(i, j)
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Serialize renders the message back to wire form: segments joined by
// carriage returns, trailing empty fields trimmed from each segment.
func (m *Message) Serialize() []byte {
	lines := make([]string, 0, len(m.Segments))
	for i := range m.Segments {
		lines = append(lines, serializeSegment(&m.Segments[i]))
	}
	return []byte(strings.Join(lines, "\r"))
}

// String renders the message with segments joined by newlines, for logs
// and diagnostics.
func (m *Message) String() string {
	return strings.ReplaceAll(string(m.Serialize()), "\r", "\n")
}

func serializeSegment(s *Segment) string {
	sep := string(s.encoding().Field)

	last := len(s.Fields)
	for last > 0 && s.Fields[last-1].Value == "" {
		last--
	}
	fields := s.Fields[:last]

	values := make([]string, len(fields))
	for i := range fields {
		values[i] = fields[i].Value
	}

	if s.Name == mshSegmentName && len(values) >= 2 {
		// MSH-1 is the separator itself: MSH|^~\&|...
		return s.Name + values[0] + strings.Join(values[1:], values[0])
	}
	if len(values) == 0 {
		return s.Name
	}
	return s.Name + sep + strings.Join(values, sep)
}

// ---------------------------------------------------------------------------
// Timestamps
// ---------------------------------------------------------------------------

var hl7TimestampLayouts = []string{
	"20060102150405.0000-0700",
	"20060102150405-0700",
	"20060102150405.0000",
	"20060102150405",
	"200601021504",
	"2006010215",
	"20060102",
}

// parseHL7Timestamp parses the DTM formats permitted in MSH-7 and friends.
func parseHL7Timestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("hl7v2: empty timestamp")
	}
	for _, layout := range hl7TimestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", value)
}

// formatHL7Timestamp renders t as YYYYMMDDHHMMSS in local time.
func formatHL7Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}
