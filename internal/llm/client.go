package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel   = "deepseek/deepseek-r1:free"
	DefaultTimeout = 30 * time.Second

	apiKeyPrefix = "sk-or-v1-"

	// ErrorPrefix marks generated text that is a placeholder rather than
	// real model output. The dashboard keys off this exact prefix.
	ErrorPrefix = "[ERROR]"
)

// Configuration errors, detected before any network I/O.
var (
	ErrNoAPIKey  = errors.New("OPENROUTER_API_KEY is not set")
	ErrBadAPIKey = errors.New("OPENROUTER_API_KEY does not look like an OpenRouter key")
)

// TransportError wraps connectivity, timeout and server-side failures that
// are worth retrying.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "openrouter transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the orchestrator should retry the call.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPlaceholder reports whether generated text is the degraded placeholder
// rather than genuine model output.
func IsPlaceholder(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix)
}

// Placeholder builds the user-visible stand-in for unavailable generation.
func Placeholder(reason string) string {
	return fmt.Sprintf("%s Sorry, we had trouble writing this message: %s", ErrorPrefix, reason)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to the OpenRouter chat-completion endpoint. It never mutates
// caller state; every call validates the credential before any I/O.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	referer    string
	title      string
}

type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		referer:    "http://localhost:8501",
		title:      "HospitalGPT",
	}
}

// HasCredential reports whether a well-formed API key is configured.
func (c *Client) HasCredential() bool {
	return c.validateCredential() == nil
}

func (c *Client) validateCredential() error {
	if c.apiKey == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(c.apiKey, apiKeyPrefix) {
		return ErrBadAPIKey
	}
	return nil
}

// Chat sends the ordered messages and returns the generated text. Transport
// and server failures come back as a retryable *TransportError; credential
// problems as a configuration error; a well-formed but unusable response
// degrades immediately to a placeholder string with a nil error.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := c.validateCredential(); err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return "", &TransportError{Err: fmt.Errorf("server returned %s", resp.Status)}
	}
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("openrouter rejected the request: %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Placeholder("the response could not be decoded"), nil
	}
	if len(parsed.Choices) == 0 {
		return Placeholder("the model returned no content"), nil
	}
	return normalizeText(parsed.Choices[0].Message.Content), nil
}

// normalizeText replaces typographic Unicode punctuation with ASCII so file
// output and the dashboard stay free of encoding artifacts.
var textNormalizer = strings.NewReplacer(
	"≤", "<=", // less than or equal to
	"≥", ">=", // greater than or equal to
	"–", "-", // en dash
	"—", "--", // em dash
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
)

func normalizeText(s string) string {
	return textNormalizer.Replace(s)
}
