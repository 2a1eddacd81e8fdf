package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/mailterm/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	// bodyLimit bounds how much message text is sent per request.
	bodyLimit = 8000
)

// Summary is the result of one summarization request.
type Summary struct {
	StableID string
	Text     string
	Err      error
}

// Summarizer produces short summaries of messages and threads through
// the Claude Messages API. It is a side channel: requests run in their
// own goroutine, results arrive on a channel, and failures never
// affect sync. A Summarizer with an empty API key is disabled.
type Summarizer struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	results   chan Summary
}

// New creates a summarizer with the given configuration.
func New(apiKey string, cfg model.AIConfig) *Summarizer {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Summarizer{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{},
		results:   make(chan Summary, 8),
	}
}

// Enabled reports whether an API key is configured.
func (s *Summarizer) Enabled() bool { return s.apiKey != "" }

// Results returns the channel summaries are delivered on.
func (s *Summarizer) Results() <-chan Summary { return s.results }

// Summarize requests a summary of one message in the background. The
// result is delivered on Results keyed by the message's stable id.
func (s *Summarizer) Summarize(ctx context.Context, msg model.Message, bodyText string) {
	if !s.Enabled() {
		return
	}

	go func() {
		text, err := s.callAPI(ctx, buildPrompt(msg, bodyText))
		select {
		case s.results <- Summary{StableID: msg.StableID, Text: text, Err: err}:
		case <-ctx.Done():
		}
	}()
}

// buildPrompt renders one message into the summarization request.
func buildPrompt(msg model.Message, bodyText string) string {
	if len(bodyText) > bodyLimit {
		bodyText = bodyText[:bodyLimit]
	}

	var sb strings.Builder
	sb.WriteString("Summarize this email in at most three sentences. ")
	sb.WriteString("Mention any action the recipient is asked to take.\n\n")
	sb.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	sb.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	sb.WriteString(fmt.Sprintf("Date: %s\n\n", msg.Date.Format("2006-01-02 15:04")))
	sb.WriteString(bodyText)
	return sb.String()
}

// callAPI makes a single request to the Claude Messages API.
func (s *Summarizer) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []apiMessage{
			{
				Role: "user",
				Content: []apiContentBlock{
					{Type: "text", Text: prompt},
				},
			},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, ""), nil
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
