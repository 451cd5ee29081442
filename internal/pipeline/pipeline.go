package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hospitalgpt/internal/fhir"
	"hospitalgpt/internal/llm"
	"hospitalgpt/internal/models"
	"hospitalgpt/internal/risk"
)

// TextGenerator is the gateway contract the stages depend on. Tests inject
// a stub; production wires *llm.Client.
type TextGenerator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

type Options struct {
	Retry   RetryPolicy
	Workers int
	Now     func() time.Time
}

// Pipeline runs the three stages ANALYZE -> ASSESS -> OUTREACH over a
// single PipelineState it owns for the duration of one Run.
type Pipeline struct {
	gen     TextGenerator
	retry   RetryPolicy
	workers int
	now     func() time.Time
	runID   string
}

func New(gen TextGenerator, opts Options) *Pipeline {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Workers < 1 {
		opts.Workers = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		gen:     gen,
		retry:   opts.Retry,
		workers: opts.Workers,
		now:     opts.Now,
		runID:   uuid.NewString(),
	}
}

// RunID identifies one pipeline run in the logs.
func (p *Pipeline) RunID() string { return p.runID }

type stage struct {
	name string
	run  func(context.Context, *models.PipelineState) error
}

// Run executes the stages in order over one shared state. Stages merge
// their output additively; generation failures degrade to placeholder text
// inside the stage and never surface here. If a stage itself fails (only
// cancellation does that), the pristine initial state is returned alongside
// the error so the caller can still persist well-formed artifacts.
func (p *Pipeline) Run(ctx context.Context, bundle *models.Bundle) (*models.PipelineState, error) {
	initial := models.NewPipelineState()
	state := models.NewPipelineState()

	stages := []stage{
		{"ANALYZE", func(ctx context.Context, st *models.PipelineState) error {
			return p.analyze(ctx, bundle, st)
		}},
		{"ASSESS", p.assess},
		{"OUTREACH", p.outreach},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			log.Printf("[%s] Pipeline cancelled before stage %s", p.runID, s.name)
			return initial, fmt.Errorf("cancelled before stage %s: %w", s.name, err)
		}
		log.Printf("[%s] Stage %s starting", p.runID, s.name)
		start := time.Now()
		if err := s.run(ctx, state); err != nil {
			log.Printf("[%s] Stage %s failed after %s: %v", p.runID, s.name, time.Since(start).Round(time.Millisecond), err)
			return initial, fmt.Errorf("stage %s: %w", s.name, err)
		}
		log.Printf("[%s] Stage %s completed in %s", p.runID, s.name, time.Since(start).Round(time.Millisecond))
	}
	return state, nil
}

// generate wraps one gateway call in the retry policy. Exhausted retries
// and non-retryable failures degrade to placeholder text; only context
// cancellation propagates as an error.
func (p *Pipeline) generate(ctx context.Context, label string, messages []llm.Message) (string, error) {
	text, err := p.retry.Do(ctx, func(ctx context.Context) (string, error) {
		return p.gen.Chat(ctx, messages)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		log.Printf("[%s] %s degraded to placeholder: %v", p.runID, label, err)
		return llm.Placeholder(err.Error()), nil
	}
	return text, nil
}

// --- ANALYZE ---

func (p *Pipeline) analyze(ctx context.Context, bundle *models.Bundle, state *models.PipelineState) error {
	state.Records = fhir.CollectRecords(bundle, p.now())
	log.Printf("[%s] Extracted %d patient records from bundle", p.runID, len(state.Records))

	total := len(state.Records)
	ageDist := make(map[string]int)
	conditionCounts := make(map[string]int)
	for _, rec := range state.Records {
		if rec.Age >= 0 {
			decade := (rec.Age / 10) * 10
			ageDist[fmt.Sprintf("%d-%d", decade, decade+9)]++
		}
		for _, cond := range rec.Conditions {
			conditionCounts[cond.Display]++
		}
	}

	prompt := buildSummaryPrompt(total, ageDist, conditionCounts)
	summary, err := p.generate(ctx, "Summary generation", []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return err
	}
	state.Summary = summary
	return nil
}

func buildSummaryPrompt(total int, ageDist, conditionCounts map[string]int) string {
	var b strings.Builder
	b.WriteString("Please analyze this patient data and create a clear summary:\n\n")
	fmt.Fprintf(&b, "Total Patients: %d\n", total)
	fmt.Fprintf(&b, "Age Distribution: %s\n", formatCounts(ageDist))
	fmt.Fprintf(&b, "Common Conditions: %s\n\n", formatCounts(conditionCounts))
	b.WriteString("Focus on:\n")
	b.WriteString("- Key patterns in the data\n")
	b.WriteString("- Important health trends\n")
	b.WriteString("- Any notable patient groups\n")
	b.WriteString("- Areas that might need attention")
	return b.String()
}

// formatCounts renders a count map with sorted keys so prompts are stable
// across runs.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none recorded"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

// --- ASSESS ---

// assess is fully deterministic and never touches the gateway, so its
// output survives even a run where every generation call fails.
func (p *Pipeline) assess(ctx context.Context, state *models.PipelineState) error {
	for _, rec := range state.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		assessment := risk.Assess(rec)
		state.Assessments[rec.ID] = assessment
		log.Printf("[%s] Assessed patient %s (%s): %s", p.runID, rec.ID, rec.Name, assessment.Level)
	}
	return nil
}

// --- OUTREACH ---

// outreach drafts one email per assessed patient through a bounded worker
// pool. A failing patient is recorded as placeholder text and never aborts
// the others.
func (p *Pipeline) outreach(ctx context.Context, state *models.PipelineState) error {
	type job struct {
		rec        models.PatientRecord
		assessment models.RiskAssessment
	}

	jobs := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := p.workers
	if workers > len(state.Records) && len(state.Records) > 0 {
		workers = len(state.Records)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					return
				}
				prompt := buildOutreachPrompt(j.rec, j.assessment)
				draft, err := p.generate(ctx, fmt.Sprintf("Outreach draft for patient %s", j.rec.ID),
					[]llm.Message{{Role: "user", Content: prompt}})
				if err != nil {
					return
				}
				mu.Lock()
				state.Drafts[j.rec.ID] = draft
				mu.Unlock()
				log.Printf("[%s] Drafted outreach email for patient %s (%s)", p.runID, j.rec.ID, j.rec.Name)
			}
		}()
	}

	for _, rec := range state.Records {
		assessment, ok := state.Assessments[rec.ID]
		if !ok {
			continue
		}
		select {
		case jobs <- job{rec: rec, assessment: assessment}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func buildOutreachPrompt(rec models.PatientRecord, assessment models.RiskAssessment) string {
	explanation := assessment.Explanation
	if explanation == "" {
		explanation = risk.LevelDescription(assessment.Level)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a personalized outreach email for %s:\n", rec.Name)
	fmt.Fprintf(&b, "Risk Level: %s\n", assessment.Level)
	fmt.Fprintf(&b, "Assessment: %s\n\n", explanation)
	b.WriteString("Create a professional, empathetic email that:\n")
	b.WriteString("1. Addresses their specific health concerns\n")
	b.WriteString("2. Suggests next steps\n")
	b.WriteString("3. Maintains a supportive tone")
	return b.String()
}
