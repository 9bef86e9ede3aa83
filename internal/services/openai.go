// Package services – OpenAI client
//
// This file implements the Transcriber and Summarizer interfaces against the
// OpenAI HTTP API: Whisper-style audio transcription via multipart upload and
// chat-completion summarization with a structured-JSON prompt. API errors are
// decoded into a typed error carrying the HTTP status so the pipeline can
// separate transient failures (throttling, server errors) from permanent ones
// (bad input, unsupported format).
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-call-backend/internal/config"
)

// Summary is the structured result of summarizing one call transcript.
type Summary struct {
	IssueSentence string   `json:"issue_sentence"`
	KeyDetails    []string `json:"key_details"`
	ActionItems   []string `json:"action_items"`
	NextSteps     []string `json:"next_steps"`
	Sentiment     string   `json:"sentiment"`
}

// Transcriber converts call audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Summarizer condenses a transcript into a structured Summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (*Summary, error)
}

// summarySystemPrompt instructs the model to emit exactly the JSON shape of
// Summary. Responses that fail to parse are treated as permanent errors.
const summarySystemPrompt = `You analyze customer-care call transcripts. Respond with a single JSON object, no prose, with keys:
"issue_sentence" (one sentence naming the caller's issue),
"key_details" (array of short strings),
"action_items" (array of short strings),
"next_steps" (array of short strings),
"sentiment" (one of "positive", "neutral", "negative").`

// APIError is a non-2xx response from the OpenAI API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai api error: status %d type %s message %s", e.StatusCode, e.Type, e.Message)
}

// Transient reports whether the failure is worth retrying: throttling and
// server-side errors are, everything else (bad request, auth, unsupported
// media) is not.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// OpenAIClient talks to the OpenAI REST API over plain HTTP.
type OpenAIClient struct {
	apiKey          string
	baseURL         string
	transcribeModel string
	summaryModel    string
	httpClient      *http.Client
}

// NewOpenAIClient builds a client from configuration.
func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OpenAIClient{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		transcribeModel: cfg.TranscriptionModel,
		summaryModel:    cfg.SummaryModel,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Transcribe uploads audio as multipart form data and returns the plain-text
// transcript.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if err := c.ensureAPIKey(); err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	if err := writer.WriteField("model", c.transcribeModel); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", decodeAPIError(resp)
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return strings.TrimSpace(payload.Text), nil
}

// Summarize sends the transcript through a chat completion constrained to
// JSON output and parses the result into a Summary.
func (c *OpenAIClient) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	if err := c.ensureAPIKey(); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model": c.summaryModel,
		"messages": []map[string]string{
			{"role": "system", "content": summarySystemPrompt},
			{"role": "user", "content": transcript},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode summary payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", buf)
	if err != nil {
		return nil, fmt.Errorf("create summary request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp)
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode summary response: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("no summary returned")
	}

	return parseSummary(response.Choices[0].Message.Content)
}

// parseSummary decodes the model's JSON reply. Malformed output is a
// permanent condition; retrying the same transcript would produce the same
// shape of failure class, so the caller fails the item.
func parseSummary(content string) (*Summary, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in fences despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var s Summary
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return nil, fmt.Errorf("parse summary JSON: %w", err)
	}
	if strings.TrimSpace(s.IssueSentence) == "" {
		return nil, errors.New("summary missing issue sentence")
	}
	switch s.Sentiment {
	case "positive", "neutral", "negative":
	default:
		s.Sentiment = "neutral"
	}
	return &s, nil
}

func (c *OpenAIClient) ensureAPIKey() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return errors.New("openai api key is not configured")
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
