package hl7v2

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodingSet holds the five delimiter characters that shape an HL7v2
// message. Every message declares its own set in the MSH prefix: byte 3 is
// the field separator and bytes 4-7 are the component, repetition, escape
// and subcomponent characters. All five must be distinct printable ASCII.
type EncodingSet struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultEncoding returns the standard HL7 delimiter set: |^~\&.
func DefaultEncoding() EncodingSet {
	return EncodingSet{
		Field:        '|',
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
	}
}

// ParseEncoding derives the delimiter set from the raw bytes of an MSH
// segment. The segment must carry at least "MSH" plus the five delimiter
// characters (8 bytes).
func ParseEncoding(msh []byte) (EncodingSet, error) {
	if len(msh) < 8 {
		return EncodingSet{}, ErrShortMSH
	}
	enc := EncodingSet{
		Field:        msh[3],
		Component:    msh[4],
		Repetition:   msh[5],
		Escape:       msh[6],
		Subcomponent: msh[7],
	}
	if err := enc.validate(); err != nil {
		return EncodingSet{}, err
	}
	return enc, nil
}

func (e EncodingSet) validate() error {
	chars := [5]byte{e.Field, e.Component, e.Repetition, e.Escape, e.Subcomponent}
	for i, c := range chars {
		if c <= 0x20 || c >= 0x7f {
			return fmt.Errorf("%w: delimiter %q is not printable ASCII", ErrMalformedEncoding, c)
		}
		for _, prev := range chars[:i] {
			if c == prev {
				return fmt.Errorf("%w: delimiter %q appears twice", ErrMalformedEncoding, c)
			}
		}
	}
	return nil
}

// Chars returns the four-character encoding string that follows the field
// separator in MSH-2, e.g. "^~\&".
func (e EncodingSet) Chars() string {
	return string([]byte{e.Component, e.Repetition, e.Escape, e.Subcomponent})
}

// ---------------------------------------------------------------------------
// Escape sequences
// ---------------------------------------------------------------------------

// Unescape resolves HL7 escape sequences in s using this delimiter set:
// \F\ field separator, \S\ component, \R\ repetition, \E\ escape,
// \T\ subcomponent, \.br\ line break, \Xhh..\ hex-encoded bytes.
// Unknown sequences and unterminated escapes pass through unchanged.
func (e EncodingSet) Unescape(s string) string {
	if strings.IndexByte(s, e.Escape) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != e.Escape {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], e.Escape)
		if end < 0 {
			// No closing escape character: emit the rest verbatim.
			b.WriteString(s[i:])
			break
		}
		token := s[i+1 : i+1+end]
		if resolved, ok := e.resolveEscape(token); ok {
			b.WriteString(resolved)
		} else {
			b.WriteString(s[i : i+end+2])
		}
		i += end + 2
	}
	return b.String()
}

func (e EncodingSet) resolveEscape(token string) (string, bool) {
	switch token {
	case "F":
		return string(e.Field), true
	case "S":
		return string(e.Component), true
	case "R":
		return string(e.Repetition), true
	case "E":
		return string(e.Escape), true
	case "T":
		return string(e.Subcomponent), true
	case ".br":
		return "\n", true
	}
	if len(token) >= 3 && token[0] == 'X' {
		if decoded, err := hex.DecodeString(token[1:]); err == nil {
			return string(decoded), true
		}
	}
	return "", false
}

// EscapeValue renders a raw value safe for embedding in a message by
// replacing delimiter characters with their escape sequences. The escape
// character itself is replaced first so inserted sequences survive the
// later passes.
func (e EncodingSet) EscapeValue(s string) string {
	if s == "" {
		return s
	}
	esc := string(e.Escape)
	s = strings.ReplaceAll(s, esc, esc+"E"+esc)
	s = strings.ReplaceAll(s, string(e.Field), esc+"F"+esc)
	s = strings.ReplaceAll(s, string(e.Component), esc+"S"+esc)
	s = strings.ReplaceAll(s, string(e.Repetition), esc+"R"+esc)
	s = strings.ReplaceAll(s, string(e.Subcomponent), esc+"T"+esc)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", esc+".br"+esc)
	return s
}
