package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospitalgpt/internal/llm"
	"hospitalgpt/internal/models"
)

const testBundle = `{
  "resourceType": "Bundle",
  "type": "searchset",
  "entry": [
    {
      "resource": {
        "resourceType": "Patient",
        "id": "p-1",
        "name": [{"given": ["John"], "family": "Smith"}],
        "birthDate": "1955-03-12",
        "extension": [
          {"url": "x/blood-pressure", "valueString": "150/90"},
          {"url": "x/hba1c", "valueString": "8.0"},
          {"url": "x/cholesterol", "valueString": "250"}
        ]
      }
    },
    {
      "resource": {
        "resourceType": "Condition",
        "subject": {"reference": "Patient/p-1"},
        "code": {"text": "Hyperglycemia"},
        "severity": {"text": "severe"}
      }
    },
    {
      "resource": {
        "resourceType": "Patient",
        "id": "p-2",
        "name": [{"given": ["Jane"], "family": "Roe"}],
        "birthDate": "1990-07-21"
      }
    }
  ]
}`

func loadTestBundle(t *testing.T) *models.Bundle {
	t.Helper()
	var bundle models.Bundle
	require.NoError(t, json.Unmarshal([]byte(testBundle), &bundle))
	return &bundle
}

// stubGenerator is a canned TextGenerator; fn may be swapped per test.
type stubGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(messages []llm.Message) (string, error)
}

func (s *stubGenerator) Chat(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(messages)
	}
	return "generated text", nil
}

func (s *stubGenerator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastOptions() Options {
	return Options{
		Retry:   RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
		Workers: 2,
	}
}

func TestRunHappyPath(t *testing.T) {
	gen := &stubGenerator{fn: func(messages []llm.Message) (string, error) {
		if strings.Contains(messages[0].Content, "analyze this patient data") {
			return "A clear summary.", nil
		}
		return "Dear patient, please come in.", nil
	}}

	pipe := New(gen, fastOptions())
	state, err := pipe.Run(context.Background(), loadTestBundle(t))
	require.NoError(t, err)

	require.Len(t, state.Records, 2)
	assert.Equal(t, "A clear summary.", state.Summary)

	require.Len(t, state.Assessments, 2)
	// One severe condition, BP 150, HbA1c 8.0, cholesterol 250: MEDIUM.
	assert.Equal(t, models.RiskMedium, state.Assessments["p-1"].Level)
	assert.Len(t, state.Assessments["p-1"].RecommendedActions, 4)
	// No conditions, no recorded vitals: LOW with empty explanation.
	assert.Equal(t, models.RiskLow, state.Assessments["p-2"].Level)
	assert.Equal(t, "", state.Assessments["p-2"].Explanation)

	require.Len(t, state.Drafts, 2)
	assert.Equal(t, "Dear patient, please come in.", state.Drafts["p-1"])

	// One summary call plus one outreach call per patient.
	assert.Equal(t, 3, gen.callCount())
}

func TestRunOutreachPromptCarriesAssessment(t *testing.T) {
	var outreachPrompts []string
	var mu sync.Mutex
	gen := &stubGenerator{fn: func(messages []llm.Message) (string, error) {
		if strings.Contains(messages[0].Content, "outreach email") {
			mu.Lock()
			outreachPrompts = append(outreachPrompts, messages[0].Content)
			mu.Unlock()
		}
		return "ok", nil
	}}

	pipe := New(gen, fastOptions())
	_, err := pipe.Run(context.Background(), loadTestBundle(t))
	require.NoError(t, err)

	require.Len(t, outreachPrompts, 2)
	joined := strings.Join(outreachPrompts, "\n---\n")
	assert.Contains(t, joined, "John Smith")
	assert.Contains(t, joined, "Risk Level: MEDIUM")
	assert.Contains(t, joined, "Risk Level: LOW")
	// An empty explanation falls back to the level description.
	assert.Contains(t, joined, "Regular monitoring recommended")
}

func TestRunGatewayFailureStillProducesAssessments(t *testing.T) {
	gen := &stubGenerator{fn: func([]llm.Message) (string, error) {
		return "", &llm.TransportError{Err: errors.New("connection refused")}
	}}

	pipe := New(gen, fastOptions())
	state, err := pipe.Run(context.Background(), loadTestBundle(t))
	require.NoError(t, err, "generation failures degrade, the pipeline still completes")

	// Risk assessment is local and must survive a dead gateway.
	require.Len(t, state.Assessments, 2)
	assert.Equal(t, models.RiskMedium, state.Assessments["p-1"].Level)

	assert.True(t, llm.IsPlaceholder(state.Summary))
	require.Len(t, state.Drafts, 2)
	for id, draft := range state.Drafts {
		assert.True(t, llm.IsPlaceholder(draft), "draft for %s should be a placeholder", id)
	}
}

func TestRunMissingCredentialDegradesWithoutRetries(t *testing.T) {
	gen := &stubGenerator{fn: func([]llm.Message) (string, error) {
		return "", llm.ErrNoAPIKey
	}}

	pipe := New(gen, Options{
		Retry:   RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2},
		Workers: 1,
	})
	state, err := pipe.Run(context.Background(), loadTestBundle(t))
	require.NoError(t, err)

	assert.True(t, llm.IsPlaceholder(state.Summary))
	require.Len(t, state.Assessments, 2)

	// Configuration errors fail fast: exactly one call per generation, no
	// retries (1 summary + 2 outreach).
	assert.Equal(t, 3, gen.callCount())
}

func TestRunOnePatientFailureDoesNotAbortOthers(t *testing.T) {
	gen := &stubGenerator{fn: func(messages []llm.Message) (string, error) {
		if strings.Contains(messages[0].Content, "John Smith") {
			return "", &llm.TransportError{Err: errors.New("flaky")}
		}
		return "fine", nil
	}}

	pipe := New(gen, fastOptions())
	state, err := pipe.Run(context.Background(), loadTestBundle(t))
	require.NoError(t, err)

	require.Len(t, state.Drafts, 2)
	assert.True(t, llm.IsPlaceholder(state.Drafts["p-1"]))
	assert.Equal(t, "fine", state.Drafts["p-2"])
}

func TestRunCancelledBeforeStartReturnsInitialState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &stubGenerator{}
	pipe := New(gen, fastOptions())
	state, err := pipe.Run(ctx, loadTestBundle(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// The pre-run state is returned so persistence still has something
	// well-formed to write.
	require.NotNil(t, state)
	assert.Empty(t, state.Records)
	assert.Empty(t, state.Assessments)
	assert.Empty(t, state.Drafts)
	assert.Equal(t, 0, gen.callCount())
}

func TestRunIDIsStablePerRun(t *testing.T) {
	pipe := New(&stubGenerator{}, fastOptions())
	assert.NotEmpty(t, pipe.RunID())
	assert.Equal(t, pipe.RunID(), pipe.RunID())
}
