package hl7v2

import (
	"errors"
	"fmt"
)

// AckCode is an MSA-1 acknowledgment code.
type AckCode string

// Application acknowledgment codes.
const (
	AckAccept AckCode = "AA" // application accept
	AckError  AckCode = "AE" // application error
	AckReject AckCode = "AR" // application reject
)

// Valid reports whether c is one of the three application codes.
func (c AckCode) Valid() bool {
	return c == AckAccept || c == AckError || c == AckReject
}

// ERR-3 codes from table HL70357 used by negative ACKs.
const (
	errCodeUnsupportedType = "200^Unsupported message type^HL70357"
	errCodeInternalError   = "207^Application internal error^HL70357"
)

// BuildAck constructs the application acknowledgment for original. The
// sending and receiving applications and facilities are swapped exactly
// (no defaults are substituted), MSA-2 echoes the original control ID and
// MSA-1 carries the code. For AE and AR with a diagnostic an ERR segment
// is appended: ERR-3 coded from HL70357 (207 internal error for AE, 200
// unsupported type for AR), ERR-4 severity E, ERR-7 and ERR-8 carrying
// the diagnostic text.
func BuildAck(original *Message, code AckCode, diagnostic string) (*Message, error) {
	if original == nil {
		return nil, errors.New("hl7v2: cannot acknowledge a nil message")
	}
	if !code.Valid() {
		return nil, fmt.Errorf("hl7v2: invalid acknowledgment code %q", code)
	}

	b := NewBuilder().CreateMessage("ACK", original.Header.TriggerEvent)

	// Every acknowledgment shares the ACK structure, so the third component
	// stays ACK regardless of the echoed trigger.
	msh9 := "ACK"
	if trig := original.Header.TriggerEvent; trig != "" {
		msh9 = "ACK^" + trig + "^ACK"
	}
	b.appendSegment(mshSegmentName, []string{
		string(b.enc.Field),
		b.enc.Chars(),
		b.escape(original.Header.ReceivingApp),
		b.escape(original.Header.ReceivingFacility),
		b.escape(original.Header.SendingApp),
		b.escape(original.Header.SendingFacility),
		formatHL7Timestamp(b.now()),
		"",
		msh9,
		b.newControlID(),
		defaultString(original.Header.ProcessingID, "P"),
		defaultString(original.Header.VersionID, "2.5.1"),
	})

	b.AddSegment("MSA")
	msa := len(b.segments) - 1
	b.SetField(msa, 1, string(code)).
		SetField(msa, 2, original.Header.ControlID)
	if diagnostic != "" {
		b.SetField(msa, 3, b.escape(diagnostic))
	}

	if diagnostic != "" && code != AckAccept {
		errCode := errCodeInternalError
		if code == AckReject {
			errCode = errCodeUnsupportedType
		}
		b.AddSegment("ERR")
		errIdx := len(b.segments) - 1
		b.SetField(errIdx, 3, errCode).
			SetField(errIdx, 4, "E").
			SetField(errIdx, 7, b.escape(diagnostic)).
			SetField(errIdx, 8, b.escape(diagnostic))
	}

	return b.BuildMessage()
}
