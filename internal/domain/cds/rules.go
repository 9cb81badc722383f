package cds

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// overrideReasonSystem codes the per-rule override reason lists.
const overrideReasonSystem = "https://interop.tribal-ehr.io/cds/override-reasons"

// BuiltinServices returns the rule handlers shipped with the engine, in the
// order they should be registered.
func BuiltinServices() []Service {
	return []Service{
		NewDrugInteractionService(HookOrderSelect),
		NewDrugInteractionService(HookOrderSign),
		NewAllergyCheckService(HookMedicationPrescribe),
		NewAllergyCheckService(HookOrderSign),
		NewVitalSignService(),
		NewImmunizationGapService(),
		NewPreventiveCareService(),
	}
}

// ---------------------------------------------------------------------------
// Shared input extraction
// ---------------------------------------------------------------------------

// medicationRef is one medication pulled out of a context or prefetch bag.
type medicationRef struct {
	Text  string
	Codes []Coding
}

func (m medicationRef) display() string {
	if m.Text != "" {
		return m.Text
	}
	for _, c := range m.Codes {
		if c.Display != "" {
			return c.Display
		}
	}
	return "medication"
}

// medicationFromResource reads the shapes a medication can arrive in: a
// MedicationRequest (medicationCodeableConcept or medicationReference), a
// Medication resource (code), or a loose {text}/{display} map.
func medicationFromResource(res map[string]interface{}) (medicationRef, bool) {
	if cc := getMap(res, "medicationCodeableConcept"); cc != nil {
		ref := medicationRef{Text: getString(cc, "text"), Codes: codingsOf(cc)}
		if ref.Text != "" || len(ref.Codes) > 0 {
			return ref, true
		}
	}
	if mr := getMap(res, "medicationReference"); mr != nil {
		if d := getString(mr, "display"); d != "" {
			return medicationRef{Text: d}, true
		}
	}
	if cc := getMap(res, "code"); cc != nil {
		ref := medicationRef{Text: getString(cc, "text"), Codes: codingsOf(cc)}
		if ref.Text != "" || len(ref.Codes) > 0 {
			return ref, true
		}
	}
	if t := getString(res, "text"); t != "" {
		return medicationRef{Text: t}, true
	}
	if d := getString(res, "display"); d != "" {
		return medicationRef{Text: d}, true
	}
	return medicationRef{}, false
}

// extractMedications collects medications from any of the given bag values.
func extractMedications(values ...interface{}) []medicationRef {
	var out []medicationRef
	for _, v := range values {
		if v == nil {
			continue
		}
		for _, res := range resourcesOf(v) {
			if ref, ok := medicationFromResource(res); ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// proposedMedications pulls the medications the clinician is about to order
// from the hook context.
func proposedMedications(req *Request) []medicationRef {
	return extractMedications(req.Context["draftOrders"], req.Context["medications"])
}

// activeMedications pulls the patient's current medications from prefetch.
func activeMedications(req *Request) []medicationRef {
	return extractMedications(
		req.Prefetch["medications"],
		req.Prefetch["activeMedications"],
		req.Prefetch["medicationRequests"],
	)
}

// parseFHIRDate accepts the precisions FHIR allows on date fields.
func parseFHIRDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ageInYears computes completed years since birthDate, or -1 when unknown.
func ageInYears(birthDate string, now time.Time) int {
	born, ok := parseFHIRDate(birthDate)
	if !ok {
		return -1
	}
	years := now.Year() - born.Year()
	if now.YearDay() < born.YearDay() {
		years--
	}
	if years < 0 {
		return -1
	}
	return years
}

// ---------------------------------------------------------------------------
// Drug-drug interaction check
// ---------------------------------------------------------------------------

type interactionService struct {
	hook string
}

// NewDrugInteractionService checks proposed orders against the patient's
// active medications (and against each other) using the pairwise interaction
// table. Registered for order-select and order-sign.
func NewDrugInteractionService(hook string) Service {
	return &interactionService{hook: hook}
}

func (s *interactionService) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ID:          "drug-interaction-" + s.hook,
		Hook:        s.hook,
		Title:       "Drug-drug interaction check",
		Description: "Checks proposed medication orders against active medications for known high-risk interactions.",
		Prefetch: map[string]string{
			"medications": "MedicationRequest?patient={{context.patientId}}&status=active",
		},
		UsageRequirements: "Active medications should be supplied via the medications prefetch for full coverage.",
	}
}

var interactionOverrideReasons = []Coding{
	{Code: "benefit-outweighs-risk", System: overrideReasonSystem, Display: "Benefit outweighs risk"},
	{Code: "will-monitor", System: overrideReasonSystem, Display: "Will monitor closely"},
	{Code: "tolerated-previously", System: overrideReasonSystem, Display: "Patient tolerated combination previously"},
}

func (s *interactionService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	proposed := proposedMedications(req)
	active := activeMedications(req)

	type pair struct {
		a, b        medicationRef
		interaction drugInteraction
	}
	var pairs []pair
	seen := map[string]bool{}

	check := func(a, b medicationRef) {
		classA, okA := classifyMedication(a.Codes, a.Text)
		classB, okB := classifyMedication(b.Codes, b.Text)
		if !okA || !okB {
			return
		}
		di, found := findInteraction(classA, classB)
		if !found {
			return
		}
		key := di.classA + "|" + di.classB
		if seen[key] {
			return
		}
		seen[key] = true
		pairs = append(pairs, pair{a: a, b: b, interaction: di})
	}

	for _, p := range proposed {
		for _, act := range active {
			check(p, act)
		}
	}
	for i := 0; i < len(proposed); i++ {
		for j := i + 1; j < len(proposed); j++ {
			check(proposed[i], proposed[j])
		}
	}

	resp := &Response{Cards: []Card{}}
	for _, p := range pairs {
		di := p.interaction
		resp.Cards = append(resp.Cards, Card{
			Summary:   di.headline,
			Detail:    fmt.Sprintf("%s and %s: %s\n\n**Management:** %s", p.a.display(), p.b.display(), di.effect, di.management),
			Indicator: di.severity,
			Source:    Source{Label: "Drug interaction knowledge base"},
			Suggestions: []Suggestion{{
				Label:         fmt.Sprintf("Cancel %s", p.a.display()),
				IsRecommended: di.severity == IndicatorCritical,
				Actions: []Action{{
					Type:        "delete",
					Description: fmt.Sprintf("Remove the proposed order for %s", p.a.display()),
				}},
			}},
			SelectionBehavior: "at-most-one",
			OverrideReasons:   interactionOverrideReasons,
		})
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Allergy check
// ---------------------------------------------------------------------------

type allergyService struct {
	hook string
}

// NewAllergyCheckService checks proposed orders against the patient's
// recorded allergy classes, including cross-reactivity. Registered for
// medication-prescribe and order-sign.
func NewAllergyCheckService(hook string) Service {
	return &allergyService{hook: hook}
}

func (s *allergyService) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ID:          "allergy-check-" + s.hook,
		Hook:        s.hook,
		Title:       "Medication allergy check",
		Description: "Checks proposed medication orders against recorded allergies and known cross-reactivity.",
		Prefetch: map[string]string{
			"allergies": "AllergyIntolerance?patient={{context.patientId}}",
		},
	}
}

var allergyOverrideReasons = []Coding{
	{Code: "tolerated-previously", System: overrideReasonSystem, Display: "Patient previously tolerated this agent"},
	{Code: "desensitization-planned", System: overrideReasonSystem, Display: "Desensitization protocol planned"},
	{Code: "benefit-outweighs-risk", System: overrideReasonSystem, Display: "Benefit outweighs risk"},
}

// allergyClasses extracts and classifies the substances in the prefetch
// allergies bundle.
func allergyClasses(req *Request) map[string]string {
	out := map[string]string{} // class -> recorded substance display
	for _, v := range []interface{}{req.Prefetch["allergies"], req.Prefetch["allergyIntolerances"]} {
		if v == nil {
			continue
		}
		for _, res := range resourcesOf(v) {
			concept := getMap(res, "code")
			if concept == nil {
				continue
			}
			text := getString(concept, "text")
			class, ok := classifyMedication(codingsOf(concept), text)
			if !ok {
				continue
			}
			if text == "" {
				text = class
			}
			if _, exists := out[class]; !exists {
				out[class] = text
			}
		}
	}
	return out
}

func (s *allergyService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	proposed := proposedMedications(req)
	allergies := allergyClasses(req)

	resp := &Response{Cards: []Card{}}
	if len(proposed) == 0 || len(allergies) == 0 {
		return resp, nil
	}

	seen := map[string]bool{}
	for _, med := range proposed {
		medClass, ok := classifyMedication(med.Codes, med.Text)
		if !ok {
			continue
		}
		for _, rule := range allergyRules {
			substance, recorded := allergies[rule.allergyClass]
			if !recorded || rule.medClass != medClass {
				continue
			}
			key := rule.allergyClass + "|" + medClass + "|" + med.display()
			if seen[key] {
				continue
			}
			seen[key] = true

			resp.Cards = append(resp.Cards, Card{
				Summary:   fmt.Sprintf("Allergy alert: %s ordered with recorded %s allergy", med.display(), substance),
				Detail:    fmt.Sprintf("%s\n\nProposed order: %s.", rule.note, med.display()),
				Indicator: rule.severity,
				Source:    Source{Label: "Allergy cross-reactivity tables"},
				Suggestions: []Suggestion{{
					Label:         fmt.Sprintf("Cancel %s", med.display()),
					IsRecommended: rule.severity == IndicatorCritical,
					Actions: []Action{{
						Type:        "delete",
						Description: fmt.Sprintf("Remove the proposed order for %s", med.display()),
					}},
				}},
				SelectionBehavior: "at-most-one",
				OverrideReasons:   allergyOverrideReasons,
			})
		}
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Vital-sign alerts
// ---------------------------------------------------------------------------

type vitalSignService struct{}

// NewVitalSignService flags the latest vital-sign observations that fall
// outside their reference ranges. Registered for patient-view.
func NewVitalSignService() Service {
	return &vitalSignService{}
}

func (s *vitalSignService) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ID:          "vital-sign-alerts",
		Hook:        HookPatientView,
		Title:       "Vital sign alerts",
		Description: "Flags the most recent vital signs outside reference ranges.",
		Prefetch: map[string]string{
			"observations": "Observation?patient={{context.patientId}}&category=vital-signs&_sort=-date&_count=50",
		},
	}
}

var vitalOverrideReasons = []Coding{
	{Code: "expected-for-condition", System: overrideReasonSystem, Display: "Expected for patient's condition"},
	{Code: "treatment-in-progress", System: overrideReasonSystem, Display: "Treatment already in progress"},
	{Code: "spurious-reading", System: overrideReasonSystem, Display: "Measurement artifact"},
}

// vitalReading is one numeric observation matched to a reference range.
type vitalReading struct {
	rng       vitalRange
	value     float64
	effective string
}

// readVitals flattens observations (including BP panel components) into
// per-range readings, keeping only the most recent reading per vital.
func readVitals(req *Request) []vitalReading {
	latest := map[string]vitalReading{}

	record := func(concept map[string]interface{}, holder map[string]interface{}, effective string) {
		if concept == nil {
			return
		}
		rng, ok := findVitalRange(codingsOf(concept), getString(concept, "text"))
		if !ok {
			return
		}
		qty := getMap(holder, "valueQuantity")
		value, ok := getFloat(qty, "value")
		if !ok {
			return
		}
		prev, exists := latest[rng.loinc]
		if !exists || effective > prev.effective {
			latest[rng.loinc] = vitalReading{rng: rng, value: value, effective: effective}
		}
	}

	for _, v := range []interface{}{req.Prefetch["observations"], req.Prefetch["vitalSigns"]} {
		if v == nil {
			continue
		}
		for _, res := range resourcesOf(v) {
			effective := getString(res, "effectiveDateTime")
			record(getMap(res, "code"), res, effective)
			for _, comp := range getArray(res, "component") {
				cm, ok := comp.(map[string]interface{})
				if !ok {
					continue
				}
				record(getMap(cm, "code"), cm, effective)
			}
		}
	}

	out := make([]vitalReading, 0, len(latest))
	for _, vr := range vitalRanges { // stable order
		if reading, ok := latest[vr.loinc]; ok {
			out = append(out, reading)
		}
	}
	return out
}

func (s *vitalSignService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{Cards: []Card{}}
	for _, reading := range readVitals(req) {
		vr := reading.rng
		value := reading.value

		var indicator Indicator
		var direction string
		switch {
		case value > vr.criticalHigh:
			indicator, direction = IndicatorCritical, "critically above"
		case value < vr.criticalLow:
			indicator, direction = IndicatorCritical, "critically below"
		case value > vr.high:
			indicator, direction = IndicatorWarning, "above"
		case value < vr.low:
			indicator, direction = IndicatorWarning, "below"
		default:
			continue
		}

		resp.Cards = append(resp.Cards, Card{
			Summary:         fmt.Sprintf("%s %g %s is %s the reference range", vr.name, value, vr.unit, direction),
			Detail:          fmt.Sprintf("Latest %s: %g %s. Reference range %g-%g %s.", strings.ToLower(vr.name), value, vr.unit, vr.low, vr.high, vr.unit),
			Indicator:       indicator,
			Source:          Source{Label: "Vital sign reference ranges"},
			OverrideReasons: vitalOverrideReasons,
		})
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Immunization gaps
// ---------------------------------------------------------------------------

type immunizationService struct {
	now func() time.Time
}

// NewImmunizationGapService reminds about vaccines that are due per the
// CVX-keyed schedule. Registered for patient-view.
func NewImmunizationGapService() Service {
	return &immunizationService{now: time.Now}
}

func (s *immunizationService) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ID:          "immunization-gaps",
		Hook:        HookPatientView,
		Title:       "Immunization gaps",
		Description: "Reminds about vaccinations due for the patient's age.",
		Prefetch: map[string]string{
			"patient":       "Patient/{{context.patientId}}",
			"immunizations": "Immunization?patient={{context.patientId}}",
		},
	}
}

var immunizationOverrideReasons = []Coding{
	{Code: "patient-declined", System: overrideReasonSystem, Display: "Patient declined"},
	{Code: "administered-elsewhere", System: overrideReasonSystem, Display: "Administered elsewhere"},
	{Code: "medical-contraindication", System: overrideReasonSystem, Display: "Medical contraindication"},
}

// matchesVaccine reports whether an Immunization resource is a dose of rec.
func matchesVaccine(res map[string]interface{}, rec vaccineRecommendation) bool {
	concept := getMap(res, "vaccineCode")
	if concept == nil {
		return false
	}
	for _, c := range codingsOf(concept) {
		if c.System != "" && c.System != systemCVX {
			continue
		}
		for _, code := range rec.cvxCodes {
			if c.Code == code {
				return true
			}
		}
	}
	text := strings.ToLower(getString(concept, "text"))
	if text == "" {
		for _, c := range codingsOf(concept) {
			if c.Display != "" {
				text = strings.ToLower(c.Display)
				break
			}
		}
	}
	for _, kw := range rec.keywords {
		if text != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// immunizationDate reads the administration time of an Immunization.
func immunizationDate(res map[string]interface{}) (time.Time, bool) {
	for _, key := range []string{"occurrenceDateTime", "date"} {
		if s := getString(res, key); s != "" {
			if t, ok := parseFHIRDate(s); ok {
				return t, ok
			}
		}
	}
	return time.Time{}, false
}

func (s *immunizationService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{Cards: []Card{}}
	patient := getMap(req.Prefetch, "patient")
	age := ageInYears(getString(patient, "birthDate"), s.now())
	if age < 0 {
		return resp, nil
	}

	doses := resourcesOf(req.Prefetch["immunizations"])

	for _, rec := range vaccineSchedule {
		if age < rec.minAge || age > rec.maxAge {
			continue
		}

		var last time.Time
		found := false
		for _, res := range doses {
			if !matchesVaccine(res, rec) {
				continue
			}
			found = true
			if t, ok := immunizationDate(res); ok && t.After(last) {
				last = t
			}
		}

		var detail string
		switch {
		case !found:
			detail = fmt.Sprintf("No %s dose on record.", rec.name)
		case rec.intervalYears > 0 && s.now().Sub(last).Hours() > rec.intervalYears*365.25*24:
			detail = fmt.Sprintf("Last %s dose was %s; the recommended interval is %g year(s).",
				rec.name, last.Format("2006-01-02"), rec.intervalYears)
		default:
			continue
		}

		resp.Cards = append(resp.Cards, Card{
			Summary:         fmt.Sprintf("%s vaccination due", rec.name),
			Detail:          detail,
			Indicator:       IndicatorInfo,
			Source:          Source{Label: "Immunization schedule"},
			OverrideReasons: immunizationOverrideReasons,
		})
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Preventive-care reminders
// ---------------------------------------------------------------------------

type preventiveService struct {
	now func() time.Time
}

// NewPreventiveCareService reminds about age/interval screenings per the
// CPT-keyed table. Registered for patient-view.
func NewPreventiveCareService() Service {
	return &preventiveService{now: time.Now}
}

func (s *preventiveService) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ID:          "preventive-care",
		Hook:        HookPatientView,
		Title:       "Preventive care reminders",
		Description: "Reminds about screenings due for the patient's age and sex.",
		Prefetch: map[string]string{
			"patient":    "Patient/{{context.patientId}}",
			"procedures": "Procedure?patient={{context.patientId}}",
		},
	}
}

var preventiveOverrideReasons = []Coding{
	{Code: "completed-elsewhere", System: overrideReasonSystem, Display: "Completed elsewhere"},
	{Code: "patient-declined", System: overrideReasonSystem, Display: "Patient declined"},
	{Code: "not-indicated", System: overrideReasonSystem, Display: "Not clinically indicated"},
}

// matchesScreening reports whether a Procedure resource satisfies rec.
func matchesScreening(res map[string]interface{}, rec screeningRecommendation) bool {
	concept := getMap(res, "code")
	if concept == nil {
		return false
	}
	for _, c := range codingsOf(concept) {
		if c.System != "" && c.System != systemCPT {
			continue
		}
		for _, code := range rec.cptCodes {
			if c.Code == code {
				return true
			}
		}
	}
	text := strings.ToLower(getString(concept, "text"))
	for _, kw := range rec.keywords {
		if text != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// procedureDate reads when a Procedure was performed.
func procedureDate(res map[string]interface{}) (time.Time, bool) {
	if s := getString(res, "performedDateTime"); s != "" {
		return parseFHIRDate(s)
	}
	if period := getMap(res, "performedPeriod"); period != nil {
		if s := getString(period, "start"); s != "" {
			return parseFHIRDate(s)
		}
	}
	return time.Time{}, false
}

func (s *preventiveService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{Cards: []Card{}}
	patient := getMap(req.Prefetch, "patient")
	age := ageInYears(getString(patient, "birthDate"), s.now())
	if age < 0 {
		return resp, nil
	}
	sex := strings.ToLower(getString(patient, "gender"))

	procedures := resourcesOf(req.Prefetch["procedures"])

	for _, rec := range screeningSchedule {
		if age < rec.minAge || age > rec.maxAge {
			continue
		}
		if rec.sex != "" && rec.sex != sex {
			continue
		}

		var last time.Time
		found := false
		for _, res := range procedures {
			if !matchesScreening(res, rec) {
				continue
			}
			found = true
			if t, ok := procedureDate(res); ok && t.After(last) {
				last = t
			}
		}

		var detail string
		switch {
		case !found:
			detail = fmt.Sprintf("No %s on record.", strings.ToLower(rec.name))
		case s.now().Sub(last).Hours() > rec.intervalYears*365.25*24:
			detail = fmt.Sprintf("Last performed %s; the recommended interval is every %g year(s).",
				last.Format("2006-01-02"), rec.intervalYears)
		default:
			continue
		}

		resp.Cards = append(resp.Cards, Card{
			Summary:   fmt.Sprintf("%s due", rec.name),
			Detail:    detail,
			Indicator: IndicatorInfo,
			Source:    Source{Label: "Preventive care schedule"},
			Links: []Link{{
				Label: "USPSTF recommendations",
				URL:   "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation-topics",
				Type:  "absolute",
			}},
			OverrideReasons: preventiveOverrideReasons,
		})
	}
	return resp, nil
}
