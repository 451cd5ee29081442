package risk

import (
	"fmt"
	"strings"

	"hospitalgpt/internal/models"
)

// Vitals thresholds. A rule fires whenever its threshold is met on a
// recorded reading; whether the risk level actually moves is decided by
// that rule's escalation guard.
const (
	systolicHigh     = 160
	systolicElevated = 140
	hba1cHigh        = 9.0
	hba1cElevated    = 7.0
	cholesterolHigh  = 240
)

// LevelDescription maps a risk level to its monitoring guidance, used when
// prompting for outreach drafts.
func LevelDescription(level models.RiskLevel) string {
	switch level {
	case models.RiskHigh:
		return "High risk - Immediate intervention recommended"
	case models.RiskMedium:
		return "Medium risk - Increased monitoring and preventive measures recommended"
	default:
		return "Low risk - Regular monitoring recommended"
	}
}

// Assess derives a deterministic risk assessment for one patient from
// condition burden and vitals. The explanation is the space-joined list of
// fired reasons in firing order; recommended actions are concatenated per
// rule without deduplication.
func Assess(rec models.PatientRecord) models.RiskAssessment {
	severeCount, moderateCount := 0, 0
	for _, cond := range rec.Conditions {
		switch cond.Severity {
		case models.SeveritySevere:
			severeCount++
		case models.SeverityModerate:
			moderateCount++
		}
	}

	var reasons []string
	var actions []string
	level := models.RiskLow

	// Baseline from condition burden.
	switch {
	case severeCount >= 2 || (severeCount == 1 && moderateCount >= 2):
		level = models.RiskHigh
		reasons = append(reasons, fmt.Sprintf(
			"Condition burden is critical with %d severe and %d moderate conditions on record.",
			severeCount, moderateCount))
		actions = append(actions,
			"Schedule an urgent care-team review",
			"Flag chart for case management")
	case severeCount == 1 || moderateCount >= 2:
		level = models.RiskMedium
		reasons = append(reasons, fmt.Sprintf(
			"Condition burden is elevated with %d severe and %d moderate conditions on record.",
			severeCount, moderateCount))
		actions = append(actions, "Schedule a follow-up appointment within 30 days")
	}

	// Vitals escalation, fixed order: blood pressure, HbA1c, cholesterol.
	// Escalation never de-escalates, and each guard only fires from the
	// exact level it names: the >=160 systolic rule raises MEDIUM to HIGH
	// but leaves a LOW patient at LOW.
	if bp := rec.Vitals.BP; bp.IsValid {
		if bp.Systolic >= systolicHigh {
			reasons = append(reasons, fmt.Sprintf(
				"Systolic blood pressure is severely elevated at %d mmHg.", bp.Systolic))
			actions = append(actions, "Refer for hypertension management")
			if level == models.RiskMedium {
				level = models.RiskHigh
			}
		} else if bp.Systolic >= systolicElevated {
			reasons = append(reasons, fmt.Sprintf(
				"Systolic blood pressure is elevated at %d mmHg.", bp.Systolic))
			actions = append(actions, "Recheck blood pressure at the next visit")
			if level == models.RiskLow {
				level = models.RiskMedium
			}
		}
	}
	if a1c := rec.Vitals.HbA1c; a1c.IsValid {
		if a1c.Value >= hba1cHigh {
			reasons = append(reasons, fmt.Sprintf(
				"HbA1c is poorly controlled at %.1f%%.", a1c.Value))
			actions = append(actions, "Refer to a diabetes management program")
			if level == models.RiskMedium {
				level = models.RiskHigh
			}
		} else if a1c.Value >= hba1cElevated {
			reasons = append(reasons, fmt.Sprintf(
				"HbA1c is above target at %.1f%%.", a1c.Value))
			actions = append(actions, "Review the glycemic control plan")
			if level == models.RiskLow {
				level = models.RiskMedium
			}
		}
	}
	if chol := rec.Vitals.Cholesterol; chol.IsValid && chol.Value >= cholesterolHigh {
		reasons = append(reasons, fmt.Sprintf(
			"Total cholesterol is high at %d mg/dL.", chol.Value))
		actions = append(actions, "Order a fasting lipid panel")
		if level == models.RiskLow {
			level = models.RiskMedium
		}
	}

	return models.RiskAssessment{
		Level:              level,
		Explanation:        strings.Join(reasons, " "),
		RecommendedActions: actions,
	}
}
