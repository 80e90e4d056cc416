package contract

import (
	"fmt"
	"strings"
)

// Triage categories accepted in an assessment.
const (
	TriageEmergent = "emergent"
	TriageUrgent   = "urgent"
	TriageRoutine  = "routine"
)

// AssessmentKeys are the top-level keys every assessment must carry.
var AssessmentKeys = []string{"case_id", "summary", "triage", "differential", "red_flags", "next_steps"}

var diagnosisKeys = []string{"dx", "rationale", "evidence_quotes"}

// Diagnosis is one entry of the differential.
type Diagnosis struct {
	Dx             string   `json:"dx"`
	Likelihood     string   `json:"likelihood,omitempty"`
	Rationale      string   `json:"rationale"`
	EvidenceQuotes []string `json:"evidence_quotes"`
}

// Assessment is the validated review output.
type Assessment struct {
	CaseID       string      `json:"case_id"`
	Summary      string      `json:"summary"`
	Triage       string      `json:"triage"`
	Differential []Diagnosis `json:"differential"`
	RedFlags     []string    `json:"red_flags"`
	NextSteps    []string    `json:"next_steps"`
}

// DecodeAssessment validates obj against the assessment schema. Unlike turn
// replies nothing is defaulted: a missing key or an unknown triage value is
// a violation.
func DecodeAssessment(obj map[string]any) (*Assessment, error) {
	if err := RequireKeys(obj, AssessmentKeys...); err != nil {
		return nil, err
	}

	a := &Assessment{
		CaseID:    strings.TrimSpace(asString(obj["case_id"])),
		Summary:   strings.TrimSpace(asString(obj["summary"])),
		Triage:    strings.ToLower(strings.TrimSpace(asString(obj["triage"]))),
		RedFlags:  nonNil(asStrings(obj["red_flags"])),
		NextSteps: nonNil(asStrings(obj["next_steps"])),
	}
	switch a.Triage {
	case TriageEmergent, TriageUrgent, TriageRoutine:
	default:
		return nil, &ViolationError{Reason: fmt.Sprintf("invalid-triage: %q", a.Triage)}
	}

	items, ok := obj["differential"].([]any)
	if !ok {
		return nil, &ViolationError{Reason: "differential-not-a-list"}
	}
	a.Differential = make([]Diagnosis, 0, len(items))
	for i, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			return nil, &ViolationError{Reason: fmt.Sprintf("differential[%d]-not-an-object", i)}
		}
		entry := lowerKeys(raw)
		if err := RequireKeys(entry, diagnosisKeys...); err != nil {
			ve := err.(*ViolationError)
			ve.Reason = fmt.Sprintf("differential[%d] %s", i, ve.Reason)
			return nil, ve
		}
		a.Differential = append(a.Differential, Diagnosis{
			Dx:             strings.TrimSpace(asString(entry["dx"])),
			Likelihood:     strings.TrimSpace(asString(entry["likelihood"])),
			Rationale:      strings.TrimSpace(asString(entry["rationale"])),
			EvidenceQuotes: nonNil(asStrings(entry["evidence_quotes"])),
		})
	}
	return a, nil
}

// ParseAssessment combines ParseObject and DecodeAssessment.
func ParseAssessment(text string) (*Assessment, error) {
	obj, err := ParseObject(text)
	if err != nil {
		return nil, err
	}
	return DecodeAssessment(obj)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
