package cradle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// SelfUpdateSentinel in sandbox stdout means the task pushed new agent code
// and a supervised restart should follow.
const SelfUpdateSentinel = "SELF_UPDATE_PUSHED"

// reflectionProvider is preferred for Reflect calls: reflection is cheap
// summarization work, so it goes to the cheapest fast provider first.
const reflectionProvider = "groq"

const defaultMaxAttempts = 3

// fallbackPersona is the builtin system-prompt persona, used when the
// memory port has no dynamically managed one.
const fallbackPersona = `You are Cradle, a fully autonomous self-evolving AI agent.

## Your capabilities:
1. Run Python or bash code in an isolated Docker sandbox (code is piped via stdin)
2. Access the internet (web search, APIs) when needs_network=true
3. Edit your own source code and push to GitHub
4. Trigger a self-restart/update: print SELF_UPDATE_PUSHED after pushing new code
5. Store skills, memories, and prompts in AgentPlaybooks via the memory port
6. Spawn sub-agents by cloning repos and running them in Docker
7. Do ANYTHING the user asks via chat — treat every message as a task

Be practical, direct, and confident. Write clean working code.`

// responseContract is the strict response-format block appended to every
// Think system prompt.
const responseContract = `## Response format — pick exactly one:
1. {"type": "direct_answer", "answer": "..."} — for questions needing no code
2. {"type": "code", "language": "python", "code": "...", "packages": [], "needs_network": false} — execute Python
3. {"type": "code", "language": "bash", "code": "..."} — execute shell
4. {"type": "decompose", "subtasks": [{"title": "...", "description": "..."}]} — for complex multi-step tasks`

// sandboxEnvContract documents the env vars forwarded into the sandbox.
const sandboxEnvContract = `## Key environment variables available in sandbox:
- GITHUB_PAT — push to the agent repository
- AGENTPLAYBOOKS_KEY + AGENTPLAYBOOKS_GUID — store skills/memory
- GEMINI_API_KEY — call Gemini directly if needed
- GOOGLE_CSE_KEY + GOOGLE_CSE_ID — Google Custom Search`

// Engine manages the hierarchical task tree and executes tasks through the
// ReAct loop: Think → Act → Execute → Reflect.
type Engine struct {
	llm     *Router
	sandbox Sandbox
	skills  SkillSource // optional
	memory  MemoryPort  // optional

	mu    sync.Mutex
	tasks map[string]*Task
	queue []string // FIFO of task ids; the engine is the sole consumer

	// requestRestart fires when sandbox output carries SelfUpdateSentinel.
	requestRestart func()

	logger *slog.Logger
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineSkills attaches a skill source injected into Think prompts.
func EngineSkills(s SkillSource) EngineOption {
	return func(e *Engine) { e.skills = s }
}

// EngineMemory attaches the memory port used for persona fetches.
func EngineMemory(m MemoryPort) EngineOption {
	return func(e *Engine) { e.memory = m }
}

// EngineLogger sets the structured logger.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// EngineRestartFunc sets the callback fired on the self-update sentinel.
func EngineRestartFunc(fn func()) EngineOption {
	return func(e *Engine) { e.requestRestart = fn }
}

// NewEngine creates a task engine over the given router and sandbox.
func NewEngine(llm *Router, sandbox Sandbox, opts ...EngineOption) *Engine {
	e := &Engine{
		llm:            llm,
		sandbox:        sandbox,
		tasks:          make(map[string]*Task),
		requestRestart: func() {},
		logger:         nopLogger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddTask creates and enqueues a new task. An empty description defaults to
// the title. A known parentID links the child into the tree.
func (e *Engine) AddTask(title, description, parentID, source string) *Task {
	if description == "" {
		description = title
	}
	task := &Task{
		ID:          NewTaskID(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		ParentID:    parentID,
		MaxAttempts: defaultMaxAttempts,
		CreatedAt:   e.now(),
		Source:      source,
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	if parent, ok := e.tasks[parentID]; ok {
		parent.Children = append(parent.Children, task.ID)
	} else {
		task.ParentID = ""
	}
	e.queue = append(e.queue, task.ID)
	e.mu.Unlock()

	e.logger.Info("task added", "task", task.ID, "title", title, "source", source)
	return task
}

// ProcessNext dequeues one task id and runs exactly one ReAct pass.
// Returns nil when the queue is empty.
func (e *Engine) ProcessNext(ctx context.Context) *Task {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	id := e.queue[0]
	e.queue = e.queue[1:]
	task := e.tasks[id]
	e.mu.Unlock()

	if task == nil {
		return nil
	}
	return e.reactPass(ctx, task)
}

// reactPass executes a single task attempt through the ReAct cycle.
func (e *Engine) reactPass(ctx context.Context, task *Task) *Task {
	task.Attempts++
	e.logger.Info("react pass", "task", task.ID, "attempt", task.Attempts, "title", task.Title)

	// Think.
	task.Status = StatusThinking
	plan, err := e.think(ctx, task)
	if err != nil {
		task.Error = "Think failed: " + err.Error()
		e.failOrRetry(task, true)
		return task
	}

	switch plan.Type {
	case PlanDirectAnswer:
		task.Result = plan.Answer
		e.complete(task)
		return task

	case PlanDecompose:
		for _, sub := range plan.Subtasks {
			e.AddTask(sub.Title, sub.Description, task.ID, SourceSelf)
		}
		task.Status = StatusBlocked // wait for children
		return task
	}

	// Act.
	task.Status = StatusActing
	if plan.Code == "" {
		task.Error = "Think phase produced no code"
		task.Status = StatusFailed
		return task
	}

	// Execute.
	task.Status = StatusExecuting
	var result SandboxResult
	if plan.Language == "bash" || plan.Language == "sh" || plan.Language == "shell" {
		result, err = e.sandbox.RunShell(ctx, ShellRequest{
			Script:  plan.Code,
			Network: plan.NeedsNetwork,
		})
	} else {
		result, err = e.sandbox.RunCode(ctx, CodeRequest{
			Code:     plan.Code,
			Packages: plan.Packages,
			Network:  plan.NeedsNetwork,
		})
	}
	if err != nil {
		result = SandboxResult{Success: false, Stderr: err.Error(), ExitCode: -1}
	}

	// Observe + Reflect.
	task.Status = StatusReflecting
	reflection := e.reflect(ctx, task, plan.Code, result)
	task.Reflection = reflection.Reflection

	if result.Success {
		task.Result = result.Stdout
		if task.Result == "" {
			task.Result = reflection.Summary
		}
		if task.Result == "" {
			task.Result = "Task completed"
		}
		e.complete(task)
		if strings.Contains(result.Stdout, SelfUpdateSentinel) {
			e.logger.Info("self-update sentinel seen, requesting restart", "task", task.ID)
			e.requestRestart()
		}
		return task
	}

	task.Error = result.Stderr
	if task.Error == "" {
		task.Error = "Unknown error"
	}
	e.failOrRetry(task, reflection.ShouldRetry)
	return task
}

// failOrRetry re-queues a failed task when attempts remain and a retry is
// wanted, otherwise marks it failed. task.Error is already set.
func (e *Engine) failOrRetry(task *Task, retry bool) {
	if retry && task.Attempts < task.MaxAttempts {
		e.logger.Info("task failed, retrying", "task", task.ID, "attempt", task.Attempts)
		task.Status = StatusPending
		e.mu.Lock()
		e.queue = append(e.queue, task.ID)
		e.mu.Unlock()
		return
	}
	task.Status = StatusFailed
	e.logger.Warn("task failed permanently", "task", task.ID, "error", task.Error)
}

func (e *Engine) complete(task *Task) {
	task.Status = StatusCompleted
	task.CompletedAt = e.now()
	e.logger.Info("task completed", "task", task.ID)
}

// think plans the approach for a task and parses the response into a Plan.
// A router error propagates so the attempt counts as a failure instead of
// completing with a degraded answer.
func (e *Engine) think(ctx context.Context, task *Task) (Plan, error) {
	system := e.systemPrompt(ctx)

	if e.skills != nil {
		if summary := e.skills.Summary(); summary != "" {
			system += "\n\n" + summary
		}
	}

	prompt := fmt.Sprintf("Task: %s\n\nDescription: %s", task.Title, task.Description)
	if task.Attempts > 1 && task.Error != "" {
		prompt += fmt.Sprintf("\n\nPrevious attempt failed with:\n%s\n\nPlease fix the issue.", task.Error)
	}
	if e.skills != nil {
		if details := e.skills.Relevant(task.Title, task.Description); details != "" {
			prompt += "\n\n## Relevant Skill Instructions\n" + details
		}
	}

	resp, err := e.llm.Complete(ctx, CompleteRequest{Prompt: prompt, System: system})
	if err != nil {
		e.logger.Warn("think failed", "task", task.ID, "error", err)
		return Plan{}, err
	}
	return ParsePlan(resp.Content), nil
}

// systemPrompt composes the persona (remote when available), the response
// contract, and the sandbox environment contract.
func (e *Engine) systemPrompt(ctx context.Context) string {
	persona := fallbackPersona
	if e.memory != nil {
		if remote, err := e.memory.GetPersona(ctx); err == nil && remote != "" {
			persona = remote
		}
	}
	return persona + "\n\n" + responseContract + "\n\n" + sandboxEnvContract
}

// reflect analyzes an execution result, preferring the cheap provider.
func (e *Engine) reflect(ctx context.Context, task *Task, code string, result SandboxResult) Reflection {
	system := `You are Cradle reflecting on a task execution. Analyze the result and provide:
1. A brief reflection on what happened
2. A summary of the outcome
3. Whether to retry if it failed (and why)
4. Any learnings to store for future reference

Respond with JSON: {"reflection": "...", "summary": "...", "should_retry": true/false, "learnings": ["..."]}`

	prompt := fmt.Sprintf(`Task: %s
Code executed:
%s

Exit code: %d
Success: %t
Duration: %dms

stdout:
%s

stderr:
%s`,
		task.Title,
		truncate(code, 2000),
		result.ExitCode,
		result.Success,
		result.DurationMS,
		truncate(result.Stdout, 2000),
		truncate(result.Stderr, 2000))

	attemptsLeft := task.Attempts < task.MaxAttempts
	resp, err := e.llm.Complete(ctx, CompleteRequest{
		Prompt:    prompt,
		System:    system,
		Preferred: reflectionProvider,
	})
	if err != nil {
		return ParseReflection("", result, attemptsLeft)
	}
	return ParseReflection(resp.Content, result, attemptsLeft)
}

// Task returns the task with the given id, or nil.
func (e *Engine) Task(id string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[id]
}

// PendingCount returns the number of queued task ids.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// TaskCount returns the total number of tasks ever created.
func (e *Engine) TaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Snapshot returns all tasks, for state persistence.
func (e *Engine) Snapshot() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

// StatusSummary renders the ten most recent tasks for the /status command.
func (e *Engine) StatusSummary() string {
	tasks := e.Snapshot()
	if len(tasks) == 0 {
		return "📋 No tasks."
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if len(tasks) > 10 {
		tasks = tasks[:10]
	}
	lines := []string{"📋 Task Status:"}
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("  %s [%s] %s (%s)", statusIcon(t.Status), t.ID, t.Title, t.Status))
	}
	return strings.Join(lines, "\n")
}
