package models

import (
	"encoding/json"
	"fmt"
)

// --- Raw bundle structures (input file) ---

// Bundle is the top-level container of the patients.json input file.
// Entries are kept raw so each one can be decoded by its resourceType.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

// ResourceHeader is the first-pass decode used to route a bundle entry.
type ResourceHeader struct {
	ResourceType string `json:"resourceType"`
}

type Patient struct {
	ID         string       `json:"id"`
	Name       []HumanName  `json:"name"`
	BirthDate  string       `json:"birthDate"`
	Extension  []Extension  `json:"extension"`
	Telecom    []Telecom    `json:"telecom"`
	Identifier []Identifier `json:"identifier"`
	Address    []Address    `json:"address"`
}

type Condition struct {
	ID       string          `json:"id"`
	Subject  Reference       `json:"subject"`
	Code     CodeableConcept `json:"code"`
	Severity CodeableConcept `json:"severity"`
}

type HumanName struct {
	Given  []string `json:"given"`
	Family string   `json:"family"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString"`
	ValueDate   string `json:"valueDate,omitempty"`
}

type Telecom struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type Identifier struct {
	Type   CodeableConcept `json:"type"`
	System string          `json:"system"`
	Value  string          `json:"value"`
}

type Address struct {
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

type Reference struct {
	Reference string `json:"reference"`
}

type CodeableConcept struct {
	Text   string   `json:"text"`
	Coding []Coding `json:"coding"`
}

type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

// --- Extracted domain structures ---

type Severity string

const (
	SeveritySevere   Severity = "severe"
	SeverityModerate Severity = "moderate"
	SeverityUnknown  Severity = "unknown"
)

// BloodPressure holds a parsed "SYS/DIA" reading. IsValid is false when the
// reading was absent or malformed, so an unrecorded reading can never
// satisfy a threshold check.
type BloodPressure struct {
	IsValid   bool
	Systolic  int
	Diastolic int
}

type HbA1c struct {
	IsValid bool
	Value   float64
}

type Cholesterol struct {
	IsValid bool
	Value   int
}

type Vitals struct {
	BP          BloodPressure
	HbA1c       HbA1c
	Cholesterol Cholesterol
}

type ContactInfo struct {
	Email      string
	Phone      string
	City       string
	State      string
	PostalCode string
}

type ConditionSummary struct {
	Display   string
	Severity  Severity
	PatientID string
}

// PatientRecord is the read-only view of one patient after extraction from
// the bundle. Age is -1 when the birth date was missing or unparseable.
type PatientRecord struct {
	ID         string
	Name       string
	BirthDate  string
	Age        int
	MRN        string
	Contact    ContactInfo
	Vitals     Vitals
	Conditions []ConditionSummary
}

// --- Risk assessment ---

type RiskLevel int

// Levels are ordered so escalation can compare them directly.
const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (l RiskLevel) String() string {
	switch l {
	case RiskHigh:
		return "HIGH"
	case RiskMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func (l RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "LOW":
		*l = RiskLow
	case "MEDIUM":
		*l = RiskMedium
	case "HIGH":
		*l = RiskHigh
	default:
		return fmt.Errorf("unknown risk level %q", s)
	}
	return nil
}

type RiskAssessment struct {
	Level              RiskLevel `json:"risk_level"`
	Explanation        string    `json:"explanation"`
	RecommendedActions []string  `json:"recommended_actions"`
}

// --- Pipeline state ---

// PipelineState is the single mutable container threaded through the
// pipeline stages. Assessments and Drafts are keyed by the stable patient
// id; display names are only formatted at the output boundary.
type PipelineState struct {
	Records     []PatientRecord
	Summary     string
	Assessments map[string]RiskAssessment
	Drafts      map[string]string
}

func NewPipelineState() *PipelineState {
	return &PipelineState{
		Assessments: make(map[string]RiskAssessment),
		Drafts:      make(map[string]string),
	}
}
