package cradle

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	evolveMaxTokens   = 8192
	evolveTestTimeout = 30 * time.Second
)

// rootWhitelist is the set of project-root files included in the source
// snapshot alongside the Go sources.
var rootWhitelist = []string{"go.mod", "Dockerfile", "docker-compose.yml", "run.sh", "README.md"}

// protectedFiles may never be modified by an evolution proposal. Both bare
// and source-dir-prefixed forms are rejected.
var protectedFiles = map[string]struct{}{
	"main.go":                   {},
	"cmd/cradle/main.go":        {},
	"config.go":                 {},
	"internal/config/config.go": {},
	"evolver.go":                {},
	"Dockerfile":                {},
	"docker-compose.yml":        {},
	"run.sh":                    {},
}

// proposal is the JSON shape the evolution prompt mandates.
type proposal struct {
	Description string            `json:"description"`
	Files       map[string]string `json:"files"`
	TestCode    string            `json:"test_code"`
	Risk        string            `json:"risk"`
}

// Evolver proposes, tests, and publishes one self-modification per cycle.
// A merged change ends with a process exit carrying ExitSelfUpdate so the
// supervisor pulls the new code and restarts.
type Evolver struct {
	llm     *Router
	sandbox Sandbox
	repo    RepoClient
	memory  MemoryPort // optional

	sourceDir string
	count     int

	exit   func(int)
	logger *slog.Logger
	now    func() time.Time
}

// EvolverOption configures an Evolver.
type EvolverOption func(*Evolver)

// EvolverMemory attaches the memory port for evolution records.
func EvolverMemory(m MemoryPort) EvolverOption {
	return func(e *Evolver) { e.memory = m }
}

// EvolverExitFunc replaces os.Exit after a successful merge.
func EvolverExitFunc(fn func(int)) EvolverOption {
	return func(e *Evolver) { e.exit = fn }
}

// EvolverLogger sets the structured logger.
func EvolverLogger(l *slog.Logger) EvolverOption {
	return func(e *Evolver) { e.logger = l }
}

// NewEvolver creates an evolution engine reading sources from sourceDir.
func NewEvolver(llm *Router, sandbox Sandbox, repo RepoClient, sourceDir string, opts ...EvolverOption) *Evolver {
	e := &Evolver{
		llm:       llm,
		sandbox:   sandbox,
		repo:      repo,
		sourceDir: sourceDir,
		exit:      os.Exit,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Count returns the number of evolution cycles attempted.
func (e *Evolver) Count() int { return e.count }

// Evolve runs one evolution cycle and returns a human-readable summary.
// At most one file changes per cycle.
func (e *Evolver) Evolve(ctx context.Context) string {
	e.count++
	branch := fmt.Sprintf("evolve-%d-%d", e.count, e.now().Unix())
	e.logger.Info("evolution cycle starting", "cycle", e.count, "branch", branch)

	source, err := e.readSource()
	if err != nil || len(source) == 0 {
		return "❌ Evolution failed: could not read source files"
	}

	prop, reason := e.propose(ctx, source)
	if prop == nil {
		return "🤷 No improvements proposed this cycle" + reason
	}

	if prop.TestCode != "" {
		result, err := e.sandbox.RunCode(ctx, CodeRequest{
			Code:    prop.TestCode,
			Timeout: evolveTestTimeout,
			Network: false,
		})
		if err != nil || !result.Success {
			stderr := result.Stderr
			if err != nil {
				stderr = err.Error()
			}
			e.logger.Warn("evolution proposal failed tests", "stderr", truncate(stderr, 500))
			e.recordMemory(ctx, fmt.Sprintf("evolution-failed:%d", e.count),
				prop.Description+"\nTest failure: "+truncate(stderr, 500))
			return "⚠️ Proposed changes failed testing:\n" + prop.Description
		}
	}

	commitMsg := fmt.Sprintf("Evolution #%d: %s", e.count, prop.Description)
	if err := e.repo.CreateBranch(ctx, branch, ""); err != nil {
		return "❌ Failed to create evolution branch: " + err.Error()
	}
	if err := e.repo.PushFiles(ctx, prop.Files, branch, commitMsg); err != nil {
		e.cleanupBranch(ctx, branch)
		return "❌ Failed to push changes: " + err.Error()
	}
	if err := e.repo.Merge(ctx, branch, "", commitMsg); err != nil {
		e.cleanupBranch(ctx, branch)
		return "❌ Failed to merge evolution branch: " + err.Error()
	}
	e.cleanupBranch(ctx, branch)

	e.recordMemory(ctx, fmt.Sprintf("evolution:%d", e.count), prop.Description)

	paths := make([]string, 0, len(prop.Files))
	for p := range prop.Files {
		paths = append(paths, p)
	}
	summary := fmt.Sprintf(
		"✅ Evolution #%d complete!\n📝 %s\n📂 Files changed: %s\n🔄 Restarting with new code.",
		e.count, prop.Description, strings.Join(paths, ", "))
	e.logger.Info("evolution merged, exiting for supervisor restart", "cycle", e.count)
	e.exit(ExitSelfUpdate)
	return summary
}

// readSource snapshots the Go sources under sourceDir plus the whitelisted
// project-root files.
func (e *Evolver) readSource() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(e.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "vendor" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(e.sourceDir, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("could not read source file", "path", path, "error", err)
			return nil
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, name := range rootWhitelist {
		data, err := os.ReadFile(filepath.Join(e.sourceDir, name))
		if err == nil {
			files[name] = string(data)
		}
	}
	return files, nil
}

// propose asks the router for a single-file improvement and validates it.
// A nil return means no acceptable proposal; reason explains why.
func (e *Evolver) propose(ctx context.Context, source map[string]string) (*proposal, string) {
	system := `You are Cradle's self-evolution engine. Analyze the source code and propose ONE specific, testable improvement.

Focus on:
- Bug fixes or error handling improvements
- New capabilities (tools, skills)
- Performance or token efficiency optimizations
- Better error messages or logging
- Code clarity and documentation

Respond with JSON:
{
  "description": "Brief description of the change",
  "files": {"path/to/file.go": "full new file content"},
  "test_code": "Python code to test the change works",
  "risk": "low|medium|high"
}

IMPORTANT:
- Change exactly ONE file
- Only propose LOW or MEDIUM risk changes
- Include the COMPLETE file content for the changed file
- Test code should be self-contained and exit 0 on success
- Do NOT change the entry point, the config, or the evolver itself`

	learnings := "None yet"
	if e.memory != nil {
		if ls, err := e.memory.GetLearnings(ctx); err == nil && len(ls) > 0 {
			if len(ls) > 10 {
				ls = ls[len(ls)-10:]
			}
			learnings = "- " + strings.Join(ls, "\n- ")
		}
	}

	paths := make([]string, 0, len(source))
	for p := range source {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		content := source[p]
		if lines := strings.Split(content, "\n"); len(lines) > 100 {
			content = strings.Join(lines[:100], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-100)
		}
		fmt.Fprintf(&b, "\n### %s\n```go\n%s\n```\n", p, content)
	}

	prompt := fmt.Sprintf(`# Current source code:
%s

# Previous learnings:
%s

# Evolution count: %d

Propose one improvement. Focus on making the agent more capable and robust.`, b.String(), learnings, e.count)

	resp, err := e.llm.Complete(ctx, CompleteRequest{Prompt: prompt, System: system, MaxTokens: evolveMaxTokens})
	if err != nil {
		e.logger.Warn("proposal generation failed", "error", err)
		return nil, ""
	}

	raw, ok := ExtractJSON(resp.Content)
	if !ok {
		return nil, ""
	}
	var prop proposal
	if err := json.Unmarshal(raw, &prop); err != nil {
		return nil, ""
	}
	if prop.Risk == "" || prop.Risk == "high" {
		e.logger.Warn("rejecting high-risk evolution proposal")
		return nil, " (rejected: high risk)"
	}
	if len(prop.Files) == 0 {
		return nil, " (rejected: no file changes)"
	}
	for path := range prop.Files {
		if isProtected(path) {
			e.logger.Warn("rejecting proposal touching protected file", "path", path)
			return nil, " (rejected: protected file " + path + ")"
		}
	}
	// Trim to a single file, keeping the lexically first for determinism.
	if len(prop.Files) > 1 {
		keys := make([]string, 0, len(prop.Files))
		for k := range prop.Files {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		prop.Files = map[string]string{keys[0]: prop.Files[keys[0]]}
	}
	return &prop, ""
}

// isProtected reports whether path names a protected file in any form:
// exact, prefixed with extra directories, or by bare basename.
func isProtected(path string) bool {
	p := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "./")
	if _, ok := protectedFiles[p]; ok {
		return true
	}
	if _, ok := protectedFiles[filepath.Base(p)]; ok {
		return true
	}
	for name := range protectedFiles {
		if strings.HasSuffix(p, "/"+name) {
			return true
		}
	}
	return false
}

func (e *Evolver) cleanupBranch(ctx context.Context, branch string) {
	if err := e.repo.DeleteBranch(ctx, branch); err != nil {
		e.logger.Warn("branch cleanup failed", "branch", branch, "error", err)
	}
}

func (e *Evolver) recordMemory(ctx context.Context, key, value string) {
	if e.memory == nil {
		return
	}
	if err := e.memory.Store(ctx, key, value, []string{"evolution"}); err != nil {
		e.logger.Warn("evolution memory store failed", "error", err)
	}
}
