package hl7v2

import (
	"bytes"
	"errors"
	"strings"
)

const mshSegmentName = "MSH"

var (
	// ErrEmptyMessage is returned by Parse for zero-length input.
	ErrEmptyMessage = errors.New("hl7v2: message is empty")
	// ErrMissingMSH is returned when the first segment is not MSH.
	ErrMissingMSH = errors.New("hl7v2: message must begin with an MSH segment")
	// ErrShortMSH is returned when the MSH prefix is shorter than the 8
	// bytes needed to carry the delimiter declaration.
	ErrShortMSH = errors.New("hl7v2: MSH segment is too short to declare encoding characters")
	// ErrMalformedEncoding is returned when the declared delimiters are not
	// five distinct printable ASCII characters.
	ErrMalformedEncoding = errors.New("hl7v2: malformed encoding characters")
)

// Parse decomposes raw HL7v2 bytes into a Message. CR, LF and CRLF segment
// separators are all accepted. Parse fails only on empty input, a missing
// MSH prefix, or an unusable delimiter declaration; everything else
// (unknown segments, stray separators, malformed fields) is retained in the
// tree and left to the validator.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\r"))
	normalized = bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r"))

	var lines [][]byte
	for _, line := range bytes.Split(normalized, []byte("\r")) {
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, ErrEmptyMessage
	}
	if !bytes.HasPrefix(lines[0], []byte(mshSegmentName)) {
		return nil, ErrMissingMSH
	}

	enc, err := ParseEncoding(lines[0])
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(lines))
	for _, line := range lines {
		segments = append(segments, parseSegment(string(line), enc))
	}

	msg := &Message{
		Raw:      raw,
		Segments: segments,
		Encoding: enc,
	}
	msg.Header = deriveHeader(&msg.Segments[0])
	return msg, nil
}

// parseSegment splits one segment line into its field tree. The MSH
// delimiter declaration is stored literally as fields 1 and 2 so external
// numbering holds; it is never component-split (MSH-2 contains the very
// characters that would split it).
func parseSegment(line string, enc EncodingSet) Segment {
	if len(line) < 3 {
		return Segment{Name: line, enc: enc}
	}

	name := line[:3]
	seg := Segment{Name: name, enc: enc}

	if name == mshSegmentName {
		seg.Fields = append(seg.Fields,
			literalField(string(enc.Field)),
			literalField(enc.Chars()),
		)
		if len(line) > 8 {
			rest := line[8:]
			rest = strings.TrimPrefix(rest, string(enc.Field))
			for _, rawField := range strings.Split(rest, string(enc.Field)) {
				seg.Fields = append(seg.Fields, parseField(rawField, enc))
			}
		}
		return seg
	}

	rest := line[3:]
	if rest == "" {
		return seg
	}
	rest = strings.TrimPrefix(rest, string(enc.Field))
	for _, rawField := range strings.Split(rest, string(enc.Field)) {
		seg.Fields = append(seg.Fields, parseField(rawField, enc))
	}
	return seg
}

// literalField wraps a value that must not be split further.
func literalField(v string) Field {
	return Field{Value: v, Components: []Component{{Value: v, Subcomponents: []string{v}}}}
}

func parseField(raw string, enc EncodingSet) Field {
	f := Field{Value: raw}

	if strings.IndexByte(raw, enc.Repetition) >= 0 {
		parts := strings.Split(raw, string(enc.Repetition))
		f.Repetitions = make([]Field, 0, len(parts))
		for _, part := range parts {
			f.Repetitions = append(f.Repetitions, Field{
				Value:      part,
				Components: parseComponents(part, enc),
			})
		}
		// The primary repetition supplies the field's component view.
		f.Components = f.Repetitions[0].Components
		return f
	}

	f.Components = parseComponents(raw, enc)
	return f
}

func parseComponents(raw string, enc EncodingSet) []Component {
	parts := strings.Split(raw, string(enc.Component))
	comps := make([]Component, 0, len(parts))
	for _, part := range parts {
		comps = append(comps, Component{
			Value:         part,
			Subcomponents: strings.Split(part, string(enc.Subcomponent)),
		})
	}
	return comps
}

func deriveHeader(msh *Segment) MessageHeader {
	h := MessageHeader{
		SendingApp:        msh.FieldValue(3),
		SendingFacility:   msh.FieldValue(4),
		ReceivingApp:      msh.FieldValue(5),
		ReceivingFacility: msh.FieldValue(6),
		Security:          msh.FieldValue(8),
		MessageType:       msh.FieldValue(9),
		Type:              msh.ComponentValue(9, 1),
		TriggerEvent:      msh.ComponentValue(9, 2),
		ControlID:         msh.FieldValue(10),
		ProcessingID:      msh.FieldValue(11),
		VersionID:         msh.FieldValue(12),
	}
	if ts, err := parseHL7Timestamp(msh.FieldValue(7)); err == nil {
		h.Timestamp = ts
	}
	return h
}
