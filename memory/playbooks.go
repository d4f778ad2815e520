// Package memory implements the AgentPlaybooks.ai client: MCP JSON-RPC for
// writes, REST for reads. Every operation is best-effort from the caller's
// point of view; errors are returned but never retried here.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agenthatchery/cradle"
)

const defaultBaseURL = "https://agentplaybooks.ai"

// ErrNotConfigured is returned when no GUID or API key is set. Callers
// treat it like any other memory failure: log and continue.
var ErrNotConfigured = fmt.Errorf("memory: no GUID or API key configured")

// Playbooks is the AgentPlaybooks.ai memory client.
type Playbooks struct {
	baseURL    string
	apiKey     string
	guid       string
	httpClient *http.Client
	logger     *slog.Logger
	rpcID      atomic.Int64
}

// Option configures a Playbooks client.
type Option func(*Playbooks)

// WithBaseURL overrides the service URL, mainly for tests.
func WithBaseURL(u string) Option {
	return func(p *Playbooks) { p.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Playbooks) { p.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Playbooks) { p.logger = l }
}

// New creates a client for one playbook GUID. The default HTTP client
// carries the 30-second per-request cap used for repo and memory calls.
func New(apiKey, guid string, opts ...Option) *Playbooks {
	p := &Playbooks{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		guid:       guid,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// mcpCall invokes one MCP tool via JSON-RPC and returns the raw result.
func (p *Playbooks) mcpCall(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	if p.guid == "" || p.apiKey == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      p.rpcID.Add(1),
		"method":  "tools/call",
		"params": map[string]any{
			"name":      tool,
			"arguments": arguments,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/mcp/%s", p.baseURL, p.guid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", tool, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: read response: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &cradle.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("mcp %s: parse response: %w", tool, err)
	}
	if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		return nil, fmt.Errorf("mcp %s: %s", tool, envelope.Error)
	}
	p.logger.Debug("mcp call succeeded", "tool", tool)
	return envelope.Result, nil
}

// restGet issues a REST read under /api/playbooks/{guid}/.
func (p *Playbooks) restGet(ctx context.Context, path string) (json.RawMessage, error) {
	if p.guid == "" {
		return nil, ErrNotConfigured
	}
	url := fmt.Sprintf("%s/api/playbooks/%s/%s", p.baseURL, p.guid, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest get %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest get %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &cradle.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// mcpText extracts the first text item from an MCP content array result.
func mcpText(result json.RawMessage) (string, bool) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(result, &parsed) != nil {
		return "", false
	}
	for _, item := range parsed.Content {
		if item.Type == "text" {
			return item.Text, true
		}
	}
	return "", false
}

// Store writes one memory entry.
func (p *Playbooks) Store(ctx context.Context, key string, value any, tags []string) error {
	args := map[string]any{"key": key, "value": value}
	if len(tags) > 0 {
		args["tags"] = tags
	}
	_, err := p.mcpCall(ctx, "write_memory", args)
	if err == nil {
		p.logger.Info("memory stored", "key", key)
	}
	return err
}

// StoreReflection writes a task reflection plus one long-term memory per
// learning.
func (p *Playbooks) StoreReflection(ctx context.Context, taskID, reflection string, learnings []string) error {
	_, err := p.mcpCall(ctx, "write_memory", map[string]any{
		"key":         "reflection:" + taskID,
		"value":       map[string]any{"reflection": reflection, "learnings": learnings},
		"tags":        []string{"reflection", "self-evolution"},
		"description": "Reflection on task " + taskID,
		"summary":     head(reflection, 200),
	})
	if err != nil {
		return err
	}
	for i, learning := range learnings {
		if learning == "" {
			continue
		}
		if _, lerr := p.mcpCall(ctx, "write_memory", map[string]any{
			"key":         fmt.Sprintf("learning:%s:%d", taskID, i),
			"value":       map[string]any{"learning": learning},
			"tags":        []string{"learning"},
			"description": head(learning, 200),
			"tier":        "longterm",
		}); lerr != nil {
			p.logger.Warn("learning store failed", "task", taskID, "error", lerr)
		}
	}
	return nil
}

// GetLearnings searches memories tagged "learning" and flattens the values.
func (p *Playbooks) GetLearnings(ctx context.Context) ([]string, error) {
	result, err := p.mcpCall(ctx, "search_memory", map[string]any{
		"tags": []string{"learning"},
	})
	if err != nil {
		return nil, err
	}
	text, ok := mcpText(result)
	if !ok {
		return nil, nil
	}
	var memories []struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(text), &memories); err != nil {
		return nil, nil
	}
	var learnings []string
	for _, m := range memories {
		var obj struct {
			Learning string `json:"learning"`
		}
		if json.Unmarshal(m.Value, &obj) == nil && obj.Learning != "" {
			learnings = append(learnings, obj.Learning)
			continue
		}
		var s string
		if json.Unmarshal(m.Value, &s) == nil && s != "" {
			learnings = append(learnings, s)
		}
	}
	return learnings, nil
}

// WriteCanvas creates or updates a slug-addressed canvas document.
func (p *Playbooks) WriteCanvas(ctx context.Context, slug, name, content string) error {
	_, err := p.mcpCall(ctx, "write_canvas", map[string]any{
		"slug":    slug,
		"name":    name,
		"content": content,
	})
	return err
}

// ReadCanvas fetches a canvas document's text.
func (p *Playbooks) ReadCanvas(ctx context.Context, slug string) (string, error) {
	result, err := p.mcpCall(ctx, "read_canvas", map[string]any{"slug": slug})
	if err != nil {
		return "", err
	}
	text, _ := mcpText(result)
	return text, nil
}

// UpdatePersona sets the persona system prompt on the playbook.
func (p *Playbooks) UpdatePersona(ctx context.Context, systemPrompt string) error {
	if systemPrompt == "" {
		return nil
	}
	_, err := p.mcpCall(ctx, "update_playbook", map[string]any{
		"persona_system_prompt": systemPrompt,
	})
	return err
}

// GetPersona fetches the dynamically managed system prompt, "" when unset.
func (p *Playbooks) GetPersona(ctx context.Context) (string, error) {
	body, err := p.restGet(ctx, "")
	if err != nil {
		return "", err
	}
	var data struct {
		PersonaSystemPrompt string `json:"persona_system_prompt"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("parse playbook detail: %w", err)
	}
	return data.PersonaSystemPrompt, nil
}

// StoreSkill creates or updates a skill, deduplicating by name.
func (p *Playbooks) StoreSkill(ctx context.Context, name, content, description string) error {
	if description == "" {
		description = name
	}
	tool := "create_skill"
	if skills, err := p.ListSkills(ctx); err == nil {
		for _, s := range skills {
			if s.Name == name {
				tool = "update_skill"
				break
			}
		}
	}
	_, err := p.mcpCall(ctx, tool, map[string]any{
		"name":        name,
		"content":     content,
		"description": description,
	})
	if err == nil {
		p.logger.Info("skill stored", "tool", tool, "name", name)
	}
	return err
}

// ListSkills returns all remote skills.
func (p *Playbooks) ListSkills(ctx context.Context) ([]cradle.Skill, error) {
	result, err := p.mcpCall(ctx, "list_skills", map[string]any{})
	if err != nil {
		return nil, err
	}
	text, ok := mcpText(result)
	if !ok {
		return nil, nil
	}
	var raw []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, nil
	}
	skills := make([]cradle.Skill, 0, len(raw))
	for _, s := range raw {
		skills = append(skills, cradle.Skill{Name: s.Name, Description: s.Description, Content: s.Content})
	}
	return skills, nil
}

// head limits s to n bytes.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ cradle.MemoryPort = (*Playbooks)(nil)
