package cradle

import (
	"context"
	"time"
)

// Completion is the normalized response from any LLM provider. The router
// fills in latency and cost after the provider call returns.
type Completion struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
	CostUSD      float64
}

// Provider is a single LLM backend speaking one API dialect. Implementations
// live in provider/gemini and provider/openaicompat.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (Completion, error)
}

// SandboxResult is the outcome of one sandboxed execution.
type SandboxResult struct {
	Success    bool
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
	Truncated  bool
	Method     string // "container-stdin", "container-shell", "subprocess-fallback"
}

// CodeRequest runs a Python program in the sandbox.
type CodeRequest struct {
	Code     string
	Timeout  time.Duration
	Packages []string
	Network  bool
}

// ShellRequest runs a POSIX shell script in the sandbox.
type ShellRequest struct {
	Script  string
	Image   string
	Timeout time.Duration
	Network bool
}

// Sandbox executes untrusted code in an ephemeral isolated environment.
type Sandbox interface {
	RunCode(ctx context.Context, req CodeRequest) (SandboxResult, error)
	RunShell(ctx context.Context, req ShellRequest) (SandboxResult, error)
}

// Skill is one SKILL.md-style capability: a short description for prompt
// summaries and the full markdown body for progressive disclosure.
type Skill struct {
	Name        string
	Description string
	Content     string
}

// SkillSource provides skill text to the task engine and is refreshed on a
// heartbeat cadence.
type SkillSource interface {
	// Summary returns a short bullet list of skill names and descriptions
	// for system-prompt injection, or "" when no skills are loaded.
	Summary() string
	// Relevant returns the full content of skills whose keywords match the
	// task title or description, joined with separators, or "".
	Relevant(title, description string) string
	// Refresh pulls remote skill definitions, merging into the local cache.
	Refresh(ctx context.Context) (int, error)
}

// MemoryPort is the external knowledge service. All writes are best-effort:
// callers log and continue on error, never block the heartbeat.
type MemoryPort interface {
	Store(ctx context.Context, key string, value any, tags []string) error
	StoreReflection(ctx context.Context, taskID, reflection string, learnings []string) error
	GetLearnings(ctx context.Context) ([]string, error)
	WriteCanvas(ctx context.Context, slug, name, content string) error
	UpdatePersona(ctx context.Context, systemPrompt string) error
	// GetPersona returns the dynamically managed system prompt, or "" when
	// none is set remotely.
	GetPersona(ctx context.Context) (string, error)
	StoreSkill(ctx context.Context, name, content, description string) error
	ListSkills(ctx context.Context) ([]Skill, error)
}

// RepoClient is the remote VCS surface used by the evolver and the
// heartbeat auto-sync.
type RepoClient interface {
	EnsureRepo(ctx context.Context) error
	// ReadFile returns content and blob SHA; a missing file is an error.
	ReadFile(ctx context.Context, path, ref string) (content, sha string, err error)
	// PutFile creates (prevSHA == "") or updates (prevSHA set) a file.
	PutFile(ctx context.Context, path, content, message, branch, prevSHA string) error
	CreateBranch(ctx context.Context, name, from string) error
	Merge(ctx context.Context, head, base, message string) error
	DeleteBranch(ctx context.Context, name string) error
	// PushFiles reads each path's current SHA on branch and writes the new
	// content, one commit per file.
	PushFiles(ctx context.Context, files map[string]string, branch, message string) error
	// CommitsBehind reports how many commits localSHA is behind the default
	// branch head.
	CommitsBehind(ctx context.Context, localSHA string) (int, error)
}

// Frontend is the outbound chat transport to the operator. Sends are
// best-effort; the heartbeat swallows failures.
type Frontend interface {
	Send(ctx context.Context, text string) error
}

// AuditEntry records one provider attempt for the performance audit.
type AuditEntry struct {
	Provider     string
	Model        string
	Success      bool
	LatencyMS    int64
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Error        string
	At           time.Time
}

// AuditLog persists provider attempts and aggregates them into a
// human-readable performance report.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
	Report(ctx context.Context) (string, error)
}
