// Package repo implements the GitHub REST client the agent uses to publish
// its own code changes: branch, push, merge, and remote-drift detection.
package repo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agenthatchery/cradle"
)

const defaultAPIBase = "https://api.github.com"

// ErrNotFound is returned by ReadFile when the path does not exist at the
// requested ref.
var ErrNotFound = fmt.Errorf("not found")

// GitHub is a minimal GitHub API client for self-evolution workflows.
type GitHub struct {
	apiBase       string
	owner         string
	repo          string
	token         string
	defaultBranch string
	httpClient    *http.Client
	logger        *slog.Logger
}

// Option configures a GitHub client.
type Option func(*GitHub)

// WithAPIBase overrides the API base URL, mainly for tests.
func WithAPIBase(u string) Option {
	return func(g *GitHub) { g.apiBase = u }
}

// WithDefaultBranch overrides the default branch name (default "main").
func WithDefaultBranch(name string) Option {
	return func(g *GitHub) { g.defaultBranch = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *GitHub) { g.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *GitHub) { g.logger = l }
}

// New creates a client for owner/repo. The default HTTP client carries the
// 30-second per-request cap used for repo and memory calls.
func New(owner, repoName, token string, opts ...Option) *GitHub {
	g := &GitHub{
		apiBase:       defaultAPIBase,
		owner:         owner,
		repo:          repoName,
		token:         token,
		defaultBranch: "main",
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) repoURL() string {
	return fmt.Sprintf("%s/repos/%s/%s", g.apiBase, g.owner, g.repo)
}

// do issues one API request and returns the status code and body.
func (g *GitHub) do(ctx context.Context, method, url string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+g.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// EnsureRepo checks that the repository exists, creating it when missing.
func (g *GitHub) EnsureRepo(ctx context.Context) error {
	status, body, err := g.do(ctx, http.MethodGet, g.repoURL(), nil)
	if err != nil {
		return fmt.Errorf("check repo: %w", err)
	}
	switch {
	case status == http.StatusOK:
		g.logger.Info("repo exists", "owner", g.owner, "repo", g.repo)
		return nil
	case status == http.StatusNotFound:
		return g.createRepo(ctx)
	default:
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
}

func (g *GitHub) createRepo(ctx context.Context) error {
	url := fmt.Sprintf("%s/orgs/%s/repos", g.apiBase, g.owner)
	status, body, err := g.do(ctx, http.MethodPost, url, map[string]any{
		"name":        g.repo,
		"description": "🐣 Cradle — Self-Evolving Agent System",
		"private":     false,
		"auto_init":   true,
	})
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	if status < 200 || status >= 300 {
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	g.logger.Info("created repo", "owner", g.owner, "repo", g.repo)
	return nil
}

// ReadFile fetches a file's content and blob SHA at ref. An empty ref means
// the default branch.
func (g *GitHub) ReadFile(ctx context.Context, path, ref string) (string, string, error) {
	if ref == "" {
		ref = g.defaultBranch
	}
	url := fmt.Sprintf("%s/contents/%s?ref=%s", g.repoURL(), path, ref)
	status, body, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("get file %s: %w", path, err)
	}
	if status == http.StatusNotFound {
		return "", "", ErrNotFound
	}
	if status != http.StatusOK {
		return "", "", &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	var data struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", "", fmt.Errorf("parse file response: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(stripNewlines(data.Content))
	if err != nil {
		return "", "", fmt.Errorf("decode file content: %w", err)
	}
	return string(decoded), data.SHA, nil
}

// PutFile creates or updates a file. prevSHA must carry the current blob
// SHA on update and be empty on create.
func (g *GitHub) PutFile(ctx context.Context, path, content, message, branch, prevSHA string) error {
	if branch == "" {
		branch = g.defaultBranch
	}
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if prevSHA != "" {
		body["sha"] = prevSHA
	}
	url := fmt.Sprintf("%s/contents/%s", g.repoURL(), path)
	status, respBody, err := g.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("put file %s: %w", path, err)
	}
	if status < 200 || status >= 300 {
		return &cradle.ErrHTTP{Status: status, Body: string(respBody)}
	}
	g.logger.Info("pushed file", "path", path, "branch", branch)
	return nil
}

// CreateBranch creates a branch from another. An empty from means the
// default branch. A branch that already exists is not an error.
func (g *GitHub) CreateBranch(ctx context.Context, name, from string) error {
	if from == "" {
		from = g.defaultBranch
	}
	url := fmt.Sprintf("%s/git/ref/heads/%s", g.repoURL(), from)
	status, body, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("resolve branch %s: %w", from, err)
	}
	if status != http.StatusOK {
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &ref); err != nil {
		return fmt.Errorf("parse ref response: %w", err)
	}

	status, body, err = g.do(ctx, http.MethodPost, g.repoURL()+"/git/refs", map[string]any{
		"ref": "refs/heads/" + name,
		"sha": ref.Object.SHA,
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	if status == http.StatusUnprocessableEntity {
		g.logger.Info("branch already exists", "branch", name)
		return nil
	}
	if status < 200 || status >= 300 {
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	g.logger.Info("created branch", "branch", name, "from", from)
	return nil
}

// Merge merges head into base. An empty base means the default branch.
// "Nothing to merge" (204) is not an error.
func (g *GitHub) Merge(ctx context.Context, head, base, message string) error {
	if base == "" {
		base = g.defaultBranch
	}
	if message == "" {
		message = fmt.Sprintf("Merge %s into %s", head, base)
	}
	status, body, err := g.do(ctx, http.MethodPost, g.repoURL()+"/merges", map[string]any{
		"base":           base,
		"head":           head,
		"commit_message": message,
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", head, err)
	}
	if status == http.StatusNoContent {
		g.logger.Info("nothing to merge, already up to date", "head", head)
		return nil
	}
	if status < 200 || status >= 300 {
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	g.logger.Info("merged branch", "head", head, "base", base)
	return nil
}

// DeleteBranch removes a branch ref.
func (g *GitHub) DeleteBranch(ctx context.Context, name string) error {
	url := fmt.Sprintf("%s/git/refs/heads/%s", g.repoURL(), name)
	status, body, err := g.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	if status != http.StatusNoContent {
		return &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	g.logger.Info("deleted branch", "branch", name)
	return nil
}

// PushFiles writes each file to branch as its own commit, reading the
// current blob SHA per path first so updates are content-addressed.
func (g *GitHub) PushFiles(ctx context.Context, files map[string]string, branch, message string) error {
	for path, content := range files {
		_, sha, err := g.ReadFile(ctx, path, branch)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("read existing %s: %w", path, err)
		}
		if err := g.PutFile(ctx, path, content, message, branch, sha); err != nil {
			return err
		}
	}
	return nil
}

// CommitsBehind reports how many commits the default branch is ahead of
// localSHA.
func (g *GitHub) CommitsBehind(ctx context.Context, localSHA string) (int, error) {
	url := fmt.Sprintf("%s/compare/%s...%s", g.repoURL(), localSHA, g.defaultBranch)
	status, body, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("compare: %w", err)
	}
	if status != http.StatusOK {
		return 0, &cradle.ErrHTTP{Status: status, Body: string(body)}
	}
	var cmp struct {
		AheadBy int `json:"ahead_by"`
	}
	if err := json.Unmarshal(body, &cmp); err != nil {
		return 0, fmt.Errorf("parse compare response: %w", err)
	}
	return cmp.AheadBy, nil
}

// stripNewlines removes the line breaks GitHub inserts into base64 content.
func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ cradle.RepoClient = (*GitHub)(nil)
