package output

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"hospitalgpt/internal/models"
)

const (
	SummaryFile    = "summary.md"
	RiskLabelsFile = "risk_labels.json"
	EmailsDir      = "emails"

	summaryHeader = "# Patient Analysis Summary\n\n"

	// Placeholders keep every artifact non-empty even when generation
	// produced nothing.
	placeholderSummary = "[ERROR] No summary was generated for this run."
	placeholderDraft   = "[ERROR] No outreach email was generated for this patient."
)

var reservedChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename strips path-hostile characters and converts spaces to
// underscores so a patient display name is safe as a file name.
func SanitizeFilename(name string) string {
	return strings.ReplaceAll(reservedChars.ReplaceAllString(name, ""), " ", "_")
}

// Sink writes the pipeline artifacts under a single output directory.
type Sink struct {
	Dir string
}

func NewSink(dir string) *Sink {
	return &Sink{Dir: dir}
}

// EnsureDirs creates the output directory tree at startup.
func (s *Sink) EnsureDirs() error {
	for _, dir := range []string{s.Dir, filepath.Join(s.Dir, EmailsDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		log.Printf("Ensured directory exists: %s", dir)
	}
	return nil
}

// Write persists the summary, the risk labels and one email draft per
// patient. It always writes all three artifact kinds, substituting
// placeholders for missing content, so a degraded run still produces
// well-formed files.
func (s *Sink) Write(state *models.PipelineState) error {
	if err := s.writeSummary(state.Summary); err != nil {
		return err
	}
	if err := s.writeRiskLabels(state); err != nil {
		return err
	}
	return s.writeDrafts(state)
}

func (s *Sink) writeSummary(summary string) error {
	if strings.TrimSpace(summary) == "" {
		summary = placeholderSummary
	}
	path := filepath.Join(s.Dir, SummaryFile)
	if err := os.WriteFile(path, []byte(summaryHeader+summary+"\n"), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *Sink) writeRiskLabels(state *models.PipelineState) error {
	// The artifact is keyed by display name; the stable-id join only
	// exists inside the pipeline.
	labels := make(map[string]models.RiskAssessment, len(state.Assessments))
	for _, rec := range state.Records {
		if assessment, ok := state.Assessments[rec.ID]; ok {
			labels[displayKey(rec)] = assessment
		}
	}
	data, err := json.MarshalIndent(labels, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding risk labels: %w", err)
	}
	path := filepath.Join(s.Dir, RiskLabelsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *Sink) writeDrafts(state *models.PipelineState) error {
	for _, rec := range state.Records {
		if _, ok := state.Assessments[rec.ID]; !ok {
			continue
		}
		draft := state.Drafts[rec.ID]
		if strings.TrimSpace(draft) == "" {
			draft = placeholderDraft
		}
		path := filepath.Join(s.Dir, EmailsDir, SanitizeFilename(displayKey(rec))+".txt")
		if err := os.WriteFile(path, []byte(draft), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// displayKey falls back to the patient id when no name is recorded, so two
// artifacts can never silently merge under an empty key.
func displayKey(rec models.PatientRecord) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.ID
}

// Verify re-checks that every expected artifact exists and returns an error
// naming exactly the missing ones. Artifact presence is a contractual
// postcondition of a successful run.
func (s *Sink) Verify(state *models.PipelineState) error {
	expected := []string{
		filepath.Join(s.Dir, SummaryFile),
		filepath.Join(s.Dir, RiskLabelsFile),
	}
	for _, rec := range state.Records {
		if _, ok := state.Assessments[rec.ID]; !ok {
			continue
		}
		expected = append(expected, filepath.Join(s.Dir, EmailsDir, SanitizeFilename(displayKey(rec))+".txt"))
	}

	var missing []string
	for _, path := range expected {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		} else {
			log.Printf("Verified output file exists: %s", path)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing expected output files: %s", strings.Join(missing, ", "))
	}
	return nil
}
