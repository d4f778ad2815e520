// Package openaicompat implements a completion provider for any service
// exposing the OpenAI chat completions dialect: MiniMax, Groq, OpenRouter,
// and OpenAI itself.
package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenthatchery/cradle"
)

// Provider implements cradle.Provider against a /chat/completions endpoint.
type Provider struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHeader adds a static header to every request. OpenRouter requires
// HTTP-Referer and X-Title for attribution.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers[key] = value }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a provider named name talking to baseURL. The default HTTP
// client carries the 120-second per-request cap shared by all providers.
func New(name, apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    make(map[string]string),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Model returns the configured model id.
func (p *Provider) Model() string { return p.model }

// Complete sends a single-turn chat completions request.
func (p *Provider) Complete(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (cradle.Completion, error) {
	messages := make([]map[string]string, 0, 2)
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":       p.model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return cradle.Completion{}, p.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", strings.NewReader(string(payload)))
	if err != nil {
		return cradle.Completion{}, p.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return cradle.Completion{}, p.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return cradle.Completion{}, p.wrapErr("read response body: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cradle.Completion{}, &cradle.ErrHTTP{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return cradle.Completion{}, p.wrapErr("parse response JSON: " + err.Error())
	}

	out := cradle.Completion{
		Provider:     p.name,
		Model:        p.model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	if len(parsed.Choices) > 0 {
		out.Content = parsed.Choices[0].Message.Content
	}
	return out, nil
}

func (p *Provider) wrapErr(msg string) error {
	return &cradle.ErrLLM{Provider: p.name, Message: msg}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

var _ cradle.Provider = (*Provider)(nil)
