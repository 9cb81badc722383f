package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder accumulates segments and renders them to HL7v2 wire form. Methods
// chain; the first error latches and is surfaced by Build. A Builder is not
// safe for concurrent use.
type Builder struct {
	enc      EncodingSet
	msgType  string
	trigger  string
	segments []builderSegment
	err      error

	now          func() time.Time
	newControlID func() string
}

type builderSegment struct {
	name   string
	fields []string
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source used for default MSH timestamps.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithControlIDFunc overrides the generator used for default control IDs.
func WithControlIDFunc(fn func() string) BuilderOption {
	return func(b *Builder) { b.newControlID = fn }
}

// NewBuilder returns a Builder using the standard delimiter set.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		enc:          DefaultEncoding(),
		now:          time.Now,
		newControlID: generateControlID,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// generateControlID produces a 20-character uppercase hex control ID from a
// random UUID, hyphens stripped.
func generateControlID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return id[:20]
}

// CreateMessage resets the builder and records the message type and trigger
// event used by AddMSH.
func (b *Builder) CreateMessage(msgType, trigger string) *Builder {
	b.msgType = msgType
	b.trigger = trigger
	b.segments = nil
	b.err = nil
	return b
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Err returns the first error recorded by the chain, if any.
func (b *Builder) Err() error {
	return b.err
}

// Build renders the accumulated segments joined by carriage returns, with
// trailing empty fields trimmed from each segment.
func (b *Builder) Build() (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if len(b.segments) == 0 {
		return "", errors.New("hl7v2: builder has no segments")
	}

	sep := string(b.enc.Field)
	lines := make([]string, 0, len(b.segments))
	for _, seg := range b.segments {
		fields := seg.fields
		for len(fields) > 0 && fields[len(fields)-1] == "" {
			fields = fields[:len(fields)-1]
		}
		if seg.name == mshSegmentName && len(fields) >= 2 {
			lines = append(lines, seg.name+fields[0]+strings.Join(fields[1:], fields[0]))
			continue
		}
		if len(fields) == 0 {
			lines = append(lines, seg.name)
			continue
		}
		lines = append(lines, seg.name+sep+strings.Join(fields, sep))
	}
	return strings.Join(lines, "\r"), nil
}

// BuildMessage renders the accumulated segments and parses the result,
// returning the structured Message.
func (b *Builder) BuildMessage() (*Message, error) {
	raw, err := b.Build()
	if err != nil {
		return nil, err
	}
	return Parse([]byte(raw))
}

// ---------------------------------------------------------------------------
// Generic segment operations
// ---------------------------------------------------------------------------

// AddSegment opens a new empty segment with the given name.
func (b *Builder) AddSegment(name string) *Builder {
	if b.err != nil {
		return b
	}
	b.segments = append(b.segments, builderSegment{name: name})
	return b
}

// SetField sets field fieldIdx (1-based, parser numbering) of the
// segIdx-th added segment (0-based) to a raw value, extending the segment
// with empty fields as needed. The value may carry structural separators;
// use EscapeValue for user data.
func (b *Builder) SetField(segIdx, fieldIdx int, value string) *Builder {
	if b.err != nil {
		return b
	}
	if segIdx < 0 || segIdx >= len(b.segments) {
		return b.fail(fmt.Errorf("hl7v2: builder: segment index %d out of range (have %d segments)", segIdx, len(b.segments)))
	}
	if fieldIdx < 1 {
		return b.fail(fmt.Errorf("hl7v2: builder: field index %d out of range (fields are 1-based)", fieldIdx))
	}

	seg := &b.segments[segIdx]
	for len(seg.fields) < fieldIdx {
		seg.fields = append(seg.fields, "")
	}
	seg.fields[fieldIdx-1] = value
	return b
}

// SetComponent sets component compIdx (1-based) of the given field,
// splitting and rejoining the existing value with the component separator.
func (b *Builder) SetComponent(segIdx, fieldIdx, compIdx int, value string) *Builder {
	if b.err != nil {
		return b
	}
	if segIdx < 0 || segIdx >= len(b.segments) {
		return b.fail(fmt.Errorf("hl7v2: builder: segment index %d out of range (have %d segments)", segIdx, len(b.segments)))
	}
	if fieldIdx < 1 || compIdx < 1 {
		return b.fail(fmt.Errorf("hl7v2: builder: field %d / component %d out of range (both are 1-based)", fieldIdx, compIdx))
	}

	seg := &b.segments[segIdx]
	for len(seg.fields) < fieldIdx {
		seg.fields = append(seg.fields, "")
	}

	compSep := string(b.enc.Component)
	comps := strings.Split(seg.fields[fieldIdx-1], compSep)
	for len(comps) < compIdx {
		comps = append(comps, "")
	}
	comps[compIdx-1] = value
	seg.fields[fieldIdx-1] = strings.Join(comps, compSep)
	return b
}

// appendSegment is the common tail of the typed Add helpers.
func (b *Builder) appendSegment(name string, fields []string) *Builder {
	if b.err != nil {
		return b
	}
	b.segments = append(b.segments, builderSegment{name: name, fields: fields})
	return b
}

// composite escapes each part and joins with the component separator,
// dropping trailing empty components.
func (b *Builder) composite(parts ...string) string {
	last := len(parts)
	for last > 0 && parts[last-1] == "" {
		last--
	}
	if last == 0 {
		return ""
	}
	escaped := make([]string, last)
	for i := 0; i < last; i++ {
		escaped[i] = b.enc.EscapeValue(parts[i])
	}
	return strings.Join(escaped, string(b.enc.Component))
}

func (b *Builder) escape(v string) string {
	return b.enc.EscapeValue(v)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ---------------------------------------------------------------------------
// MSH
// ---------------------------------------------------------------------------

// MSHConfig supplies MSH-3 through MSH-12. Zero values fall back to the
// engine defaults: TRIBAL-EHR / TRIBAL-CLINIC as the sending pair, current
// local time, a generated control ID, processing ID P and version 2.5.1.
type MSHConfig struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Timestamp         time.Time
	Security          string
	ControlID         string
	ProcessingID      string
	VersionID         string
}

// AddMSH emits the message header: the fixed MSH|^~\&| prefix followed by
// MSH-3..MSH-12. MSH-9 is formed from the CreateMessage pair as
// TYPE^TRIGGER^TYPE_TRIGGER.
func (b *Builder) AddMSH(cfg MSHConfig) *Builder {
	if b.err != nil {
		return b
	}
	if b.msgType == "" {
		return b.fail(errors.New("hl7v2: builder: message type not set, call CreateMessage first"))
	}

	ts := cfg.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	controlID := cfg.ControlID
	if controlID == "" {
		controlID = b.newControlID()
	}

	msh9 := b.msgType
	if b.trigger != "" {
		msh9 = b.msgType + "^" + b.trigger + "^" + b.msgType + "_" + b.trigger
	}

	fields := []string{
		string(b.enc.Field), // MSH-1
		b.enc.Chars(),       // MSH-2
		b.escape(defaultString(cfg.SendingApp, "TRIBAL-EHR")),
		b.escape(defaultString(cfg.SendingFacility, "TRIBAL-CLINIC")),
		b.escape(cfg.ReceivingApp),
		b.escape(cfg.ReceivingFacility),
		formatHL7Timestamp(ts),
		b.escape(cfg.Security),
		msh9,
		controlID,
		defaultString(cfg.ProcessingID, "P"),
		defaultString(cfg.VersionID, "2.5.1"),
	}
	return b.appendSegment(mshSegmentName, fields)
}

// ---------------------------------------------------------------------------
// Typed segment builders
// ---------------------------------------------------------------------------

// PIDConfig supplies the patient identification fields:
// PID-1 set ID, PID-3 identifier (ID^^^authority^type), PID-5 name
// (last^first^middle^suffix^prefix), PID-7 date of birth, PID-8 sex,
// PID-10 race, PID-11 address, PID-13 home phone, PID-18 account number,
// PID-19 SSN.
type PIDConfig struct {
	SetID              string
	PatientID          string
	AssigningAuthority string
	IdentifierType     string
	LastName           string
	FirstName          string
	MiddleName         string
	Suffix             string
	Prefix             string
	DateOfBirth        string // YYYYMMDD
	Sex                string
	Race               string
	Street             string
	City               string
	State              string
	PostalCode         string
	Country            string
	HomePhone          string
	AccountNumber      string
	SSN                string
}

// AddPID appends a PID segment in HL7 field order. Absent values emit
// empty fields; trailing empties are trimmed at build time.
func (b *Builder) AddPID(cfg PIDConfig) *Builder {
	fields := make([]string, 19)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[2] = b.composite(cfg.PatientID, "", "", cfg.AssigningAuthority, cfg.IdentifierType)
	fields[4] = b.composite(cfg.LastName, cfg.FirstName, cfg.MiddleName, cfg.Suffix, cfg.Prefix)
	fields[6] = cfg.DateOfBirth
	fields[7] = cfg.Sex
	fields[9] = b.escape(cfg.Race)
	fields[10] = b.composite(cfg.Street, "", cfg.City, cfg.State, cfg.PostalCode, cfg.Country)
	fields[12] = b.escape(cfg.HomePhone)
	fields[17] = b.escape(cfg.AccountNumber)
	fields[18] = b.escape(cfg.SSN)
	return b.appendSegment("PID", fields)
}

// PV1Config supplies the patient visit fields: PV1-2 patient class
// (I/O/E/P/B/R/N/U), PV1-3 assigned location (ward^room^bed), PV1-7
// attending doctor (ID^last^first), PV1-10 hospital service, PV1-19 visit
// number, PV1-44 admit timestamp.
type PV1Config struct {
	SetID           string
	PatientClass    string
	Ward            string
	Room            string
	Bed             string
	AttendingID     string
	AttendingLast   string
	AttendingFirst  string
	HospitalService string
	VisitNumber     string
	AdmitTimestamp  string
}

// AddPV1 appends a PV1 segment.
func (b *Builder) AddPV1(cfg PV1Config) *Builder {
	fields := make([]string, 44)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = cfg.PatientClass
	fields[2] = b.composite(cfg.Ward, cfg.Room, cfg.Bed)
	fields[6] = b.composite(cfg.AttendingID, cfg.AttendingLast, cfg.AttendingFirst)
	fields[9] = b.escape(cfg.HospitalService)
	fields[18] = b.escape(cfg.VisitNumber)
	fields[43] = cfg.AdmitTimestamp
	return b.appendSegment("PV1", fields)
}

// EVNConfig supplies the event type segment. TypeCode defaults to the
// builder's trigger event; RecordedAt defaults to the current timestamp.
type EVNConfig struct {
	TypeCode   string
	RecordedAt string
	OccurredAt string
}

// AddEVN appends an EVN segment (EVN-1 type code, EVN-2 recorded time,
// EVN-6 occurred time).
func (b *Builder) AddEVN(cfg EVNConfig) *Builder {
	if b.err != nil {
		return b
	}
	fields := make([]string, 6)
	fields[0] = defaultString(cfg.TypeCode, b.trigger)
	fields[1] = defaultString(cfg.RecordedAt, formatHL7Timestamp(b.now()))
	fields[5] = cfg.OccurredAt
	return b.appendSegment("EVN", fields)
}

// OBRConfig supplies the observation request fields: OBR-2 placer order,
// OBR-3 filler order, OBR-4 universal service ID (code^text^system),
// OBR-7 observation time, OBR-16 ordering provider, OBR-25 result status.
type OBRConfig struct {
	SetID            string
	PlacerOrder      string
	FillerOrder      string
	ServiceCode      string
	ServiceText      string
	ServiceSystem    string
	ObservationTime  string
	OrderingProvider string
	ResultStatus     string
}

// AddOBR appends an OBR segment.
func (b *Builder) AddOBR(cfg OBRConfig) *Builder {
	fields := make([]string, 25)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = b.escape(cfg.PlacerOrder)
	fields[2] = b.escape(cfg.FillerOrder)
	fields[3] = b.composite(cfg.ServiceCode, cfg.ServiceText, cfg.ServiceSystem)
	fields[6] = cfg.ObservationTime
	fields[15] = b.escape(cfg.OrderingProvider)
	fields[24] = cfg.ResultStatus
	return b.appendSegment("OBR", fields)
}

// OBXConfig supplies the observation result fields: OBX-2 value type,
// OBX-3 observation ID (code^text^system), OBX-5 value, OBX-6 units,
// OBX-7 reference range, OBX-8 abnormal flags, OBX-11 result status
// (defaults to F, final).
type OBXConfig struct {
	SetID          string
	ValueType      string
	Code           string
	Text           string
	System         string
	Value          string
	Units          string
	ReferenceRange string
	AbnormalFlags  string
	Status         string
}

// AddOBX appends an OBX segment.
func (b *Builder) AddOBX(cfg OBXConfig) *Builder {
	fields := make([]string, 11)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = cfg.ValueType
	fields[2] = b.composite(cfg.Code, cfg.Text, cfg.System)
	fields[4] = b.escape(cfg.Value)
	fields[5] = b.escape(cfg.Units)
	fields[6] = b.escape(cfg.ReferenceRange)
	fields[7] = cfg.AbnormalFlags
	fields[10] = defaultString(cfg.Status, "F")
	return b.appendSegment("OBX", fields)
}

// AL1Config supplies the allergy fields: AL1-2 allergen type (DA drug,
// FA food, MA miscellaneous, EA environmental), AL1-3 allergen
// (code^text^system), AL1-4 severity (SV/MO/MI), AL1-5 reaction.
type AL1Config struct {
	SetID        string
	AllergenType string
	Code         string
	Text         string
	System       string
	Severity     string
	Reaction     string
}

// AddAL1 appends an AL1 segment.
func (b *Builder) AddAL1(cfg AL1Config) *Builder {
	fields := make([]string, 5)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = cfg.AllergenType
	fields[2] = b.composite(cfg.Code, cfg.Text, cfg.System)
	fields[3] = cfg.Severity
	fields[4] = b.escape(cfg.Reaction)
	return b.appendSegment("AL1", fields)
}

// DG1Config supplies the diagnosis fields: DG1-2 coding method, DG1-3
// diagnosis code (code^text^system), DG1-4 description, DG1-6 type
// (A admitting, W working, F final).
type DG1Config struct {
	SetID         string
	CodingMethod  string
	Code          string
	Text          string
	System        string
	Description   string
	DiagnosisType string
}

// AddDG1 appends a DG1 segment.
func (b *Builder) AddDG1(cfg DG1Config) *Builder {
	fields := make([]string, 6)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = defaultString(cfg.CodingMethod, "I10")
	fields[2] = b.composite(cfg.Code, cfg.Text, cfg.System)
	fields[3] = b.escape(cfg.Description)
	fields[5] = cfg.DiagnosisType
	return b.appendSegment("DG1", fields)
}

// RXEConfig supplies the pharmacy encoded order fields: RXE-1 quantity/
// timing, RXE-2 give code (code^text^system), RXE-3 minimum give amount,
// RXE-5 give units, RXE-6 dosage form.
type RXEConfig struct {
	QuantityTiming string
	GiveCode       string
	GiveText       string
	GiveSystem     string
	GiveAmountMin  string
	GiveUnits      string
	DosageForm     string
}

// AddRXE appends an RXE segment.
func (b *Builder) AddRXE(cfg RXEConfig) *Builder {
	fields := make([]string, 6)
	fields[0] = b.escape(cfg.QuantityTiming)
	fields[1] = b.composite(cfg.GiveCode, cfg.GiveText, cfg.GiveSystem)
	fields[2] = cfg.GiveAmountMin
	fields[4] = b.escape(cfg.GiveUnits)
	fields[5] = b.escape(cfg.DosageForm)
	return b.appendSegment("RXE", fields)
}

// IN1Config supplies the insurance fields: IN1-2 plan ID, IN1-3 company
// ID, IN1-4 company name, IN1-8 group number, IN1-16 insured name,
// IN1-36 policy number.
type IN1Config struct {
	SetID        string
	PlanID       string
	CompanyID    string
	CompanyName  string
	GroupNumber  string
	InsuredLast  string
	InsuredFirst string
	PolicyNumber string
}

// AddIN1 appends an IN1 segment.
func (b *Builder) AddIN1(cfg IN1Config) *Builder {
	fields := make([]string, 36)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = b.escape(cfg.PlanID)
	fields[2] = b.escape(cfg.CompanyID)
	fields[3] = b.escape(cfg.CompanyName)
	fields[7] = b.escape(cfg.GroupNumber)
	fields[15] = b.composite(cfg.InsuredLast, cfg.InsuredFirst)
	fields[35] = b.escape(cfg.PolicyNumber)
	return b.appendSegment("IN1", fields)
}

// NK1Config supplies the next-of-kin fields: NK1-2 name (last^first),
// NK1-3 relationship (code^text^system), NK1-4 address, NK1-5 phone.
type NK1Config struct {
	SetID            string
	LastName         string
	FirstName        string
	RelationshipCode string
	RelationshipText string
	Street           string
	City             string
	State            string
	PostalCode       string
	Phone            string
}

// AddNK1 appends an NK1 segment.
func (b *Builder) AddNK1(cfg NK1Config) *Builder {
	fields := make([]string, 5)
	fields[0] = defaultString(cfg.SetID, "1")
	fields[1] = b.composite(cfg.LastName, cfg.FirstName)
	fields[2] = b.composite(cfg.RelationshipCode, cfg.RelationshipText, "HL70063")
	fields[3] = b.composite(cfg.Street, "", cfg.City, cfg.State, cfg.PostalCode)
	fields[4] = b.escape(cfg.Phone)
	return b.appendSegment("NK1", fields)
}

// SCHConfig supplies the scheduling activity fields: SCH-1 placer
// appointment ID, SCH-2 filler appointment ID, SCH-6 event reason, SCH-7
// appointment reason, SCH-8 appointment type, SCH-9 duration, SCH-10
// duration units, SCH-11 timing (^^^start^end), SCH-25 filler status.
type SCHConfig struct {
	PlacerApptID  string
	FillerApptID  string
	EventReason   string
	ApptReason    string
	ApptType      string
	Duration      string
	DurationUnits string
	StartTime     string
	EndTime       string
	FillerStatus  string
}

// AddSCH appends an SCH segment.
func (b *Builder) AddSCH(cfg SCHConfig) *Builder {
	fields := make([]string, 25)
	fields[0] = b.escape(cfg.PlacerApptID)
	fields[1] = b.escape(cfg.FillerApptID)
	fields[5] = b.escape(cfg.EventReason)
	fields[6] = b.composite(cfg.ApptReason)
	fields[7] = b.composite(cfg.ApptType)
	fields[8] = cfg.Duration
	fields[9] = defaultString(cfg.DurationUnits, "MIN")
	fields[10] = b.composite("", "", "", cfg.StartTime, cfg.EndTime)
	fields[24] = defaultString(cfg.FillerStatus, "BOOKED")
	return b.appendSegment("SCH", fields)
}
