package cds

import "strings"

// Terminology systems used by the curated tables.
const (
	systemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	systemLOINC  = "http://loinc.org"
	systemCVX    = "http://hl7.org/fhir/sid/cvx"
	systemCPT    = "http://www.ama-assn.org/go/cpt"
)

// Medication classes referenced by the interaction and allergy tables.
const (
	classWarfarin       = "warfarin"
	classNSAID          = "nsaid"
	classOpioid         = "opioid"
	classBenzodiazepine = "benzodiazepine"
	classSSRI           = "ssri"
	classMAOI           = "maoi"
	classStatin         = "statin"
	classMacrolide      = "macrolide"
	classACEInhibitor   = "ace-inhibitor"
	classKSparing       = "potassium-sparing-diuretic"
	classMethotrexate   = "methotrexate"
	classLithium        = "lithium"
	classDigoxin        = "digoxin"
	classAmiodarone     = "amiodarone"
	classPenicillin     = "penicillin"
	classCephalosporin  = "cephalosporin"
	classSulfonamide    = "sulfonamide"
)

// medClassRxNorm lists RxNorm ingredient codes per medication class. Exact
// code matches take precedence over keyword matches.
var medClassRxNorm = map[string][]string{
	classWarfarin:       {"11289"},
	classNSAID:          {"5640", "7258", "1191", "35827", "140587", "3355"},
	classOpioid:         {"7052", "7804", "5489", "4337", "2670", "10689"},
	classBenzodiazepine: {"6470", "3322", "596", "6960", "2598"},
	classSSRI:           {"4493", "36437", "32937", "2556", "321988"},
	classMAOI:           {"8123", "10734", "9639"},
	classStatin:         {"83367", "36567", "301542", "42463", "6472"},
	classMacrolide:      {"4053", "21212", "18631"},
	classACEInhibitor:   {"29046", "3827", "35296", "1998"},
	classKSparing:       {"9997", "298869", "644", "10763"},
	classMethotrexate:   {"6851"},
	classLithium:        {"6448"},
	classDigoxin:        {"3407"},
	classAmiodarone:     {"703"},
	classPenicillin:     {"723", "733", "7980"},
	classCephalosporin:  {"2231", "2193"},
	classSulfonamide:    {"10831"},
}

// medClassKeywords lists lowercase display-name fragments per class, used
// when no code matched.
var medClassKeywords = map[string][]string{
	classWarfarin:       {"warfarin", "coumadin", "jantoven"},
	classNSAID:          {"ibuprofen", "advil", "motrin", "naproxen", "aleve", "aspirin", "ketorolac", "toradol", "celecoxib", "celebrex", "diclofenac", "indomethacin", "meloxicam"},
	classOpioid:         {"morphine", "oxycodone", "percocet", "oxycontin", "hydrocodone", "vicodin", "fentanyl", "codeine", "tramadol", "hydromorphone", "dilaudid", "methadone"},
	classBenzodiazepine: {"lorazepam", "ativan", "diazepam", "valium", "alprazolam", "xanax", "midazolam", "clonazepam", "klonopin", "temazepam"},
	classSSRI:           {"fluoxetine", "prozac", "sertraline", "zoloft", "paroxetine", "paxil", "citalopram", "celexa", "escitalopram", "lexapro"},
	classMAOI:           {"phenelzine", "nardil", "tranylcypromine", "parnate", "selegiline", "isocarboxazid"},
	classStatin:         {"atorvastatin", "lipitor", "simvastatin", "zocor", "rosuvastatin", "crestor", "pravastatin", "lovastatin"},
	classMacrolide:      {"erythromycin", "clarithromycin", "biaxin", "azithromycin", "zithromax"},
	classACEInhibitor:   {"lisinopril", "prinivil", "zestril", "enalapril", "vasotec", "ramipril", "altace", "captopril", "benazepril"},
	classKSparing:       {"spironolactone", "aldactone", "eplerenone", "inspra", "amiloride", "triamterene"},
	classMethotrexate:   {"methotrexate", "trexall"},
	classLithium:        {"lithium", "lithobid"},
	classDigoxin:        {"digoxin", "lanoxin"},
	classAmiodarone:     {"amiodarone", "pacerone", "cordarone"},
	classPenicillin:     {"penicillin", "amoxicillin", "amoxil", "augmentin", "ampicillin", "piperacillin", "dicloxacillin"},
	classCephalosporin:  {"cephalexin", "keflex", "cefazolin", "ancef", "ceftriaxone", "rocephin", "cefuroxime", "cefdinir"},
	classSulfonamide:    {"sulfamethoxazole", "bactrim", "septra", "sulfadiazine", "sulfasalazine"},
}

// classifyMedication resolves a medication to a class, preferring an exact
// RxNorm code match over a keyword match on the display text.
func classifyMedication(codes []Coding, text string) (string, bool) {
	for _, c := range codes {
		if c.System != "" && c.System != systemRxNorm {
			continue
		}
		for class, rxCodes := range medClassRxNorm {
			for _, code := range rxCodes {
				if c.Code == code {
					return class, true
				}
			}
		}
	}
	lower := strings.ToLower(text)
	if lower == "" {
		return "", false
	}
	for class, keywords := range medClassKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return class, true
			}
		}
	}
	return "", false
}

// drugInteraction is one entry of the pairwise interaction table. The class
// pair is unordered. headline becomes the card summary prefix.
type drugInteraction struct {
	classA     string
	classB     string
	severity   Indicator
	headline   string
	effect     string
	management string
}

var drugInteractions = []drugInteraction{
	{
		classA: classWarfarin, classB: classNSAID, severity: IndicatorCritical,
		headline:   "Serious bleeding risk: NSAID ordered with warfarin",
		effect:     "Concurrent use of warfarin and an NSAID significantly increases the risk of serious bleeding, including gastrointestinal hemorrhage.",
		management: "Avoid the combination. Consider acetaminophen for analgesia, or add gastroprotection and intensify INR monitoring if unavoidable.",
	},
	{
		classA: classSSRI, classB: classMAOI, severity: IndicatorCritical,
		headline:   "Serotonin syndrome risk: SSRI with MAO inhibitor",
		effect:     "SSRIs combined with MAO inhibitors can precipitate serotonin syndrome, which may be fatal.",
		management: "Contraindicated. Allow a 14-day washout between agents.",
	},
	{
		classA: classOpioid, classB: classBenzodiazepine, severity: IndicatorCritical,
		headline:   "Respiratory depression risk: opioid with benzodiazepine",
		effect:     "Opioids with benzodiazepines cause additive CNS and respiratory depression.",
		management: "Avoid co-prescribing. If unavoidable, use the lowest effective doses and counsel on overdose risk.",
	},
	{
		classA: classMethotrexate, classB: classNSAID, severity: IndicatorCritical,
		headline:   "Methotrexate toxicity risk: NSAID reduces clearance",
		effect:     "NSAIDs reduce renal clearance of methotrexate and can cause severe myelosuppression.",
		management: "Avoid NSAIDs with high-dose methotrexate. Monitor blood counts and renal function closely otherwise.",
	},
	{
		classA: classStatin, classB: classMacrolide, severity: IndicatorWarning,
		headline:   "Myopathy risk: macrolide raises statin exposure",
		effect:     "Macrolide antibiotics inhibit statin metabolism, raising the risk of myopathy and rhabdomyolysis.",
		management: "Consider pausing the statin during the antibiotic course, or switch to azithromycin.",
	},
	{
		classA: classACEInhibitor, classB: classKSparing, severity: IndicatorWarning,
		headline:   "Hyperkalemia risk: ACE inhibitor with potassium-sparing diuretic",
		effect:     "ACE inhibitors with potassium-sparing diuretics increase the risk of hyperkalemia.",
		management: "Monitor serum potassium within one week of starting the combination.",
	},
	{
		classA: classLithium, classB: classNSAID, severity: IndicatorWarning,
		headline:   "Lithium toxicity risk: NSAID reduces clearance",
		effect:     "NSAIDs reduce renal lithium clearance and can cause lithium toxicity.",
		management: "Monitor lithium levels within 4-7 days; watch for tremor, confusion and GI upset.",
	},
	{
		classA: classDigoxin, classB: classAmiodarone, severity: IndicatorWarning,
		headline:   "Digoxin toxicity risk: amiodarone raises digoxin levels",
		effect:     "Amiodarone raises serum digoxin concentrations and can cause digoxin toxicity.",
		management: "Reduce the digoxin dose by roughly half and monitor levels.",
	},
	{
		classA: classWarfarin, classB: classMacrolide, severity: IndicatorWarning,
		headline:   "Elevated INR risk: macrolide potentiates warfarin",
		effect:     "Macrolides potentiate warfarin and can elevate the INR.",
		management: "Check the INR 3-5 days into the antibiotic course.",
	},
	{
		classA: classWarfarin, classB: classAmiodarone, severity: IndicatorWarning,
		headline:   "Elevated INR risk: amiodarone potentiates warfarin",
		effect:     "Amiodarone inhibits warfarin metabolism and elevates the INR for weeks.",
		management: "Reduce the warfarin dose by 30-50% and monitor the INR weekly.",
	},
}

// findInteraction looks up the unordered class pair in the table.
func findInteraction(classA, classB string) (drugInteraction, bool) {
	for _, di := range drugInteractions {
		if (di.classA == classA && di.classB == classB) || (di.classA == classB && di.classB == classA) {
			return di, true
		}
	}
	return drugInteraction{}, false
}

// allergyRule flags a medication class as contraindicated (or cautioned) for
// patients with a recorded allergy class.
type allergyRule struct {
	allergyClass string
	medClass     string
	severity     Indicator
	note         string
}

var allergyRules = []allergyRule{
	{allergyClass: classPenicillin, medClass: classPenicillin, severity: IndicatorCritical,
		note: "Patient has a recorded penicillin allergy."},
	{allergyClass: classPenicillin, medClass: classCephalosporin, severity: IndicatorWarning,
		note: "Cephalosporins carry a low but real cross-reactivity risk in penicillin-allergic patients."},
	{allergyClass: classSulfonamide, medClass: classSulfonamide, severity: IndicatorCritical,
		note: "Patient has a recorded sulfonamide allergy."},
	{allergyClass: classNSAID, medClass: classNSAID, severity: IndicatorCritical,
		note: "Patient has a recorded NSAID/aspirin allergy or intolerance."},
	{allergyClass: classOpioid, medClass: classOpioid, severity: IndicatorWarning,
		note: "Patient has a recorded opioid allergy or intolerance; verify the specific agent."},
}

// vitalRange is a LOINC-keyed reference range. Values outside [low, high]
// warrant a warning card; values beyond the critical bounds a critical one.
type vitalRange struct {
	loinc        string
	name         string
	unit         string
	low          float64
	high         float64
	criticalLow  float64
	criticalHigh float64
	keywords     []string
}

var vitalRanges = []vitalRange{
	{loinc: "8480-6", name: "Systolic blood pressure", unit: "mmHg", low: 90, high: 140, criticalLow: 70, criticalHigh: 180,
		keywords: []string{"systolic"}},
	{loinc: "8462-4", name: "Diastolic blood pressure", unit: "mmHg", low: 60, high: 90, criticalLow: 40, criticalHigh: 120,
		keywords: []string{"diastolic"}},
	{loinc: "8867-4", name: "Heart rate", unit: "/min", low: 50, high: 100, criticalLow: 40, criticalHigh: 130,
		keywords: []string{"heart rate", "pulse"}},
	{loinc: "9279-1", name: "Respiratory rate", unit: "/min", low: 12, high: 20, criticalLow: 8, criticalHigh: 30,
		keywords: []string{"respiratory rate"}},
	{loinc: "8310-5", name: "Body temperature", unit: "Cel", low: 36.0, high: 38.0, criticalLow: 35.0, criticalHigh: 39.5,
		keywords: []string{"temperature"}},
	{loinc: "2708-6", name: "Oxygen saturation", unit: "%", low: 92, high: 100, criticalLow: 88, criticalHigh: 101,
		keywords: []string{"oxygen saturation", "spo2"}},
	{loinc: "2339-0", name: "Blood glucose", unit: "mg/dL", low: 70, high: 180, criticalLow: 54, criticalHigh: 400,
		keywords: []string{"glucose"}},
}

// findVitalRange matches an observation's codings (then display keywords)
// against the reference table.
func findVitalRange(codes []Coding, text string) (vitalRange, bool) {
	for _, c := range codes {
		if c.System != "" && c.System != systemLOINC {
			continue
		}
		for _, vr := range vitalRanges {
			if vr.loinc == c.Code {
				return vr, true
			}
		}
	}
	lower := strings.ToLower(text)
	if lower == "" {
		return vitalRange{}, false
	}
	for _, vr := range vitalRanges {
		for _, kw := range vr.keywords {
			if strings.Contains(lower, kw) {
				return vr, true
			}
		}
	}
	return vitalRange{}, false
}

// vaccineRecommendation is a CVX-keyed schedule entry. intervalYears == 0
// means a one-time series; minAge/maxAge bound applicability in years.
type vaccineRecommendation struct {
	name          string
	cvxCodes      []string
	keywords      []string
	intervalYears float64
	minAge        int
	maxAge        int
}

var vaccineSchedule = []vaccineRecommendation{
	{name: "Influenza", cvxCodes: []string{"140", "141", "150", "158", "88"},
		keywords: []string{"influenza", "flu"}, intervalYears: 1, minAge: 0, maxAge: 150},
	{name: "Tetanus/diphtheria (Td/Tdap)", cvxCodes: []string{"115", "113", "09"},
		keywords: []string{"tdap", "tetanus"}, intervalYears: 10, minAge: 11, maxAge: 150},
	{name: "Pneumococcal", cvxCodes: []string{"33", "133", "152"},
		keywords: []string{"pneumococcal", "pneumonia"}, intervalYears: 0, minAge: 65, maxAge: 150},
	{name: "Zoster (shingles)", cvxCodes: []string{"187", "121"},
		keywords: []string{"zoster", "shingles"}, intervalYears: 0, minAge: 50, maxAge: 150},
}

// screeningRecommendation is a CPT-keyed preventive-care entry. sex is
// "female", "male" or empty for everyone.
type screeningRecommendation struct {
	name          string
	cptCodes      []string
	keywords      []string
	sex           string
	minAge        int
	maxAge        int
	intervalYears float64
}

var screeningSchedule = []screeningRecommendation{
	{name: "Colorectal cancer screening (colonoscopy)", cptCodes: []string{"45378", "45380"},
		keywords: []string{"colonoscopy"}, minAge: 45, maxAge: 75, intervalYears: 10},
	{name: "Screening mammography", cptCodes: []string{"77067", "77066"},
		keywords: []string{"mammogra"}, sex: "female", minAge: 40, maxAge: 74, intervalYears: 2},
	{name: "Cervical cancer screening", cptCodes: []string{"88175", "88142"},
		keywords: []string{"cervical", "pap "}, sex: "female", minAge: 21, maxAge: 65, intervalYears: 3},
	{name: "Lipid panel", cptCodes: []string{"80061"},
		keywords: []string{"lipid"}, minAge: 40, maxAge: 75, intervalYears: 5},
}
