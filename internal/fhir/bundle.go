package fhir

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"hospitalgpt/internal/models"
)

// Extension URL markers for the three recognized vitals. Matching is by
// substring because the synthetic bundles use full URLs.
const (
	markerBloodPressure = "blood-pressure"
	markerHbA1c         = "hba1c"
	markerCholesterol   = "cholesterol"
)

// LoadBundle reads and decodes the bundle file. This is the only place an
// input problem is fatal; everything downstream absorbs missing fields.
func LoadBundle(path string) (*models.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle file: %w", err)
	}
	var bundle models.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle file %s: %w", path, err)
	}
	return &bundle, nil
}

// Patients returns every Patient entry in the bundle. Entries that fail to
// decode are skipped, not fatal.
func Patients(bundle *models.Bundle) []models.Patient {
	var patients []models.Patient
	for _, entry := range bundle.Entry {
		var header models.ResourceHeader
		if err := json.Unmarshal(entry.Resource, &header); err != nil {
			continue
		}
		if header.ResourceType != "Patient" {
			continue
		}
		var patient models.Patient
		if err := json.Unmarshal(entry.Resource, &patient); err != nil {
			log.Printf("Skipping undecodable Patient entry: %v", err)
			continue
		}
		patients = append(patients, patient)
	}
	return patients
}

// ConditionsFor returns the Condition entries whose subject references
// Patient/{patientID}. Conditions pointing at unknown patients are simply
// not returned by any call; orphans are a data-quality note for the caller.
func ConditionsFor(bundle *models.Bundle, patientID string) []models.ConditionSummary {
	want := "Patient/" + patientID
	var conditions []models.ConditionSummary
	for _, entry := range bundle.Entry {
		var header models.ResourceHeader
		if err := json.Unmarshal(entry.Resource, &header); err != nil {
			continue
		}
		if header.ResourceType != "Condition" {
			continue
		}
		var cond models.Condition
		if err := json.Unmarshal(entry.Resource, &cond); err != nil {
			log.Printf("Skipping undecodable Condition entry: %v", err)
			continue
		}
		if cond.Subject.Reference != want {
			continue
		}
		conditions = append(conditions, models.ConditionSummary{
			Display:   ConditionDisplay(cond),
			Severity:  SeverityOf(cond),
			PatientID: patientID,
		})
	}
	return conditions
}

// ConditionDisplay prefers code.text, then the first coding's display.
func ConditionDisplay(cond models.Condition) string {
	if cond.Code.Text != "" {
		return cond.Code.Text
	}
	if len(cond.Code.Coding) > 0 && cond.Code.Coding[0].Display != "" {
		return cond.Code.Coding[0].Display
	}
	return "Unknown"
}

func SeverityOf(cond models.Condition) models.Severity {
	switch strings.ToLower(cond.Severity.Text) {
	case "severe":
		return models.SeveritySevere
	case "moderate":
		return models.SeverityModerate
	default:
		return models.SeverityUnknown
	}
}

// DisplayName formats "Given Family" from the first recorded name. Returns
// an empty string when no name is recorded.
func DisplayName(patient models.Patient) string {
	if len(patient.Name) == 0 {
		return ""
	}
	name := patient.Name[0]
	given := ""
	if len(name.Given) > 0 {
		given = name.Given[0]
	}
	return strings.TrimSpace(given + " " + name.Family)
}

// Age computes whole years between the ISO birth date and now, truncating
// (no rounding up before the birthday has passed). Returns -1 when the
// birth date is absent or unparseable.
func Age(patient models.Patient, now time.Time) int {
	if patient.BirthDate == "" {
		return -1
	}
	birth, err := time.Parse("2006-01-02", patient.BirthDate)
	if err != nil {
		return -1
	}
	years := now.Year() - birth.Year()
	anniversary := birth.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	if years < 0 {
		return -1
	}
	return years
}

// ExtractVitals scans the patient's extension list for the three recognized
// vital markers. Absent or malformed values leave IsValid false so they can
// never pass a threshold comparison downstream.
func ExtractVitals(patient models.Patient) models.Vitals {
	var vitals models.Vitals
	for _, ext := range patient.Extension {
		switch {
		case strings.Contains(ext.URL, markerBloodPressure):
			parts := strings.Split(ext.ValueString, "/")
			if len(parts) != 2 {
				continue
			}
			sys, errS := strconv.Atoi(strings.TrimSpace(parts[0]))
			dia, errD := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errS != nil || errD != nil {
				continue
			}
			vitals.BP = models.BloodPressure{IsValid: true, Systolic: sys, Diastolic: dia}
		case strings.Contains(ext.URL, markerHbA1c):
			value, err := strconv.ParseFloat(strings.TrimSpace(ext.ValueString), 64)
			if err != nil {
				continue
			}
			vitals.HbA1c = models.HbA1c{IsValid: true, Value: value}
		case strings.Contains(ext.URL, markerCholesterol):
			value, err := strconv.Atoi(strings.TrimSpace(ext.ValueString))
			if err != nil {
				continue
			}
			vitals.Cholesterol = models.Cholesterol{IsValid: true, Value: value}
		}
	}
	return vitals
}

// Contact pulls email, phone and the first address out of the patient
// record. Missing pieces stay empty.
func Contact(patient models.Patient) models.ContactInfo {
	var info models.ContactInfo
	for _, t := range patient.Telecom {
		switch t.System {
		case "email":
			if info.Email == "" {
				info.Email = t.Value
			}
		case "phone":
			if info.Phone == "" {
				info.Phone = t.Value
			}
		}
	}
	if len(patient.Address) > 0 {
		info.City = patient.Address[0].City
		info.State = patient.Address[0].State
		info.PostalCode = patient.Address[0].PostalCode
	}
	return info
}

// MRN returns the identifier typed "Medical Record Number", or "".
func MRN(patient models.Patient) string {
	for _, id := range patient.Identifier {
		if id.Type.Text == "Medical Record Number" {
			return id.Value
		}
	}
	return ""
}

// CollectRecords assembles one PatientRecord per Patient entry, joining
// each patient's conditions by the stable patient id. Conditions whose
// subject matches no patient in the bundle are dropped with a data-quality
// log line.
func CollectRecords(bundle *models.Bundle, now time.Time) []models.PatientRecord {
	patients := Patients(bundle)
	if orphans := countOrphanedConditions(bundle, patients); orphans > 0 {
		log.Printf("Data quality: dropped %d condition(s) referencing no patient in the bundle", orphans)
	}
	records := make([]models.PatientRecord, 0, len(patients))
	for _, patient := range patients {
		records = append(records, models.PatientRecord{
			ID:         patient.ID,
			Name:       DisplayName(patient),
			BirthDate:  patient.BirthDate,
			Age:        Age(patient, now),
			MRN:        MRN(patient),
			Contact:    Contact(patient),
			Vitals:     ExtractVitals(patient),
			Conditions: ConditionsFor(bundle, patient.ID),
		})
	}
	return records
}

func countOrphanedConditions(bundle *models.Bundle, patients []models.Patient) int {
	known := make(map[string]bool, len(patients))
	for _, p := range patients {
		known["Patient/"+p.ID] = true
	}
	orphans := 0
	for _, entry := range bundle.Entry {
		var header models.ResourceHeader
		if err := json.Unmarshal(entry.Resource, &header); err != nil || header.ResourceType != "Condition" {
			continue
		}
		var cond models.Condition
		if err := json.Unmarshal(entry.Resource, &cond); err != nil {
			continue
		}
		if !known[cond.Subject.Reference] {
			orphans++
		}
	}
	return orphans
}
