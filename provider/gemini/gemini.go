// Package gemini implements the Google Gemini completion provider using the
// native generateContent API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenthatchery/cradle"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements cradle.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// New creates a Gemini provider. The default HTTP client carries the
// 120-second per-request cap shared by all providers.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Model returns the configured model id.
func (g *Gemini) Model() string { return g.model }

// Complete sends a single-turn generateContent request.
func (g *Gemini) Complete(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (cradle.Completion, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     temperature,
			"maxOutputTokens": maxTokens,
		},
	}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return cradle.Completion{}, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return cradle.Completion{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return cradle.Completion{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return cradle.Completion{}, g.wrapErr("read response body: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cradle.Completion{}, &cradle.ErrHTTP{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return cradle.Completion{}, g.wrapErr("parse response JSON: " + err.Error())
	}

	var content strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
	}

	out := cradle.Completion{
		Content:  content.String(),
		Provider: g.Name(),
		Model:    g.model,
	}
	if parsed.UsageMetadata != nil {
		out.InputTokens = parsed.UsageMetadata.PromptTokenCount
		out.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &cradle.ErrLLM{Provider: "gemini", Message: msg}
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

var _ cradle.Provider = (*Gemini)(nil)
