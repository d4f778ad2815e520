package cradle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExitSelfUpdate is the process exit code telling the supervisor to pull
// the default branch and relaunch a fresh process.
const ExitSelfUpdate = 42

const (
	defaultBeatInterval = 30 * time.Second
	tasksPerBeat        = 3

	// auditReportBeats is roughly one week at the default interval.
	auditReportBeats = 20160

	stateFile      = "state.json"
	bootstrapFile  = ".bootstrapped"
	masterplanSlug = "cradle-masterplan"
)

// masterplan is the standing long-term plan pushed to the memory service.
const masterplan = `# Cradle Masterplan

Cradle is an autonomous self-evolving agent. Standing goals, in order:
1. Stay alive: never crash the heartbeat, self-heal failed tasks.
2. Serve the user: treat every chat message as a task and report back.
3. Improve continuously: seed self-improvement work when idle.
4. Evolve safely: propose, test, and merge small low-risk code changes.
5. Remember: push reflections, learnings, and skills to external memory.`

// selfImprovementTasks is the immutable round-robin list seeded when the
// agent is idle.
var selfImprovementTasks = []struct {
	Title       string
	Description string
}{
	{
		Title: "Migrate the system prompt to the external persona store",
		Description: "Extract the full system prompt from the engine and config instructions. " +
			"Use the memory playbook update to set the persona system prompt in the external store, " +
			"making the agent's core instructions editable from the web UI.",
	},
	{
		Title: "Perform a deep architecture review with the premium provider",
		Description: "Read all source files in the agent repository. Use the premium provider " +
			"to analyze the architecture for bottlenecks, security flaws, and scalability issues. " +
			"Store the detailed analysis as a canvas document in external memory.",
	},
	{
		Title: "Synchronize agent capabilities as official skills",
		Description: "For each key module (sandbox, llm router, memory, evolver) generate a concise " +
			"skill definition with prompt and instructions, and upload them to the external skill store.",
	},
	{
		Title: "Research and implement sub-agent spawning",
		Description: "Implement a sub-agent spawner skill that takes a repository URL, " +
			"spins up a container, executes a specific command, and pulls the results back. " +
			"Test with a small public repository as a proof of concept.",
	},
	{
		Title: "Audit and optimize multi-provider cost and performance",
		Description: "Analyze recent LLM calls from the audit log. Compare latency and success rates " +
			"between providers, propose priority adjustments, and store the optimization report in memory.",
	},
	{
		Title: "Enhance the evolver with automated unit test generation",
		Description: "Extend the evolution proposal format so every change ships with generated tests " +
			"that run in the sandbox, proceeding only when both the code and the tests pass.",
	},
	{
		Title: "Implement long-term memory consolidation",
		Description: "Add a background task that summarizes contextual memories into long-term memories, " +
			"preventing context bloat while retaining knowledge.",
	},
	{
		Title: "Research revenue-generating agent skills",
		Description: "Investigate automated issue triage and freelance coding tasks. Develop a skill that " +
			"searches for open issues labelled good-first-issue and proposes fixes for them.",
	},
}

// bootstrapTasks are seeded exactly once, on the first ever boot of a fresh
// data directory.
var bootstrapTasks = []struct {
	Title       string
	Description string
}{
	{
		Title:       "Introduce yourself",
		Description: "Summarize your capabilities, environment, and standing goals in a short message.",
	},
	{
		Title:       "Verify the sandbox works",
		Description: "Run a trivial Python program in the sandbox and confirm stdout comes back.",
	},
	{
		Title:       "Record the masterplan in memory",
		Description: "Read the masterplan and store a short acknowledgement memory tagged bootstrap.",
	},
}

// Heartbeat drives all periodic agent activity: draining the task queue,
// idle seeding, evolution, persistence, and repo auto-sync.
type Heartbeat struct {
	engine  *Engine
	evolver *Evolver

	memory   MemoryPort  // optional
	frontend Frontend    // optional
	skills   SkillSource // optional
	repo     RepoClient  // optional, enables auto-sync
	audit    AuditLog    // optional, enables the periodic performance report

	interval time.Duration
	dataDir  string

	// localHead returns the SHA the running code was built from, used to
	// detect when the remote default branch moved ahead.
	localHead func() (string, error)
	exit      func(int)

	logger *slog.Logger
	now    func() time.Time

	beatCount        int
	startTime        time.Time
	improvementIndex int
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// HeartbeatInterval overrides the default 30-second beat period.
func HeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// HeartbeatMemory attaches the memory port.
func HeartbeatMemory(m MemoryPort) HeartbeatOption {
	return func(h *Heartbeat) { h.memory = m }
}

// HeartbeatFrontend attaches the chat transport for notifications.
func HeartbeatFrontend(f Frontend) HeartbeatOption {
	return func(h *Heartbeat) { h.frontend = f }
}

// HeartbeatSkills attaches the skill source refreshed every 10 beats.
func HeartbeatSkills(s SkillSource) HeartbeatOption {
	return func(h *Heartbeat) { h.skills = s }
}

// HeartbeatRepo attaches the repo client, enabling auto-sync. localHead
// reports the SHA the running process was started from.
func HeartbeatRepo(r RepoClient, localHead func() (string, error)) HeartbeatOption {
	return func(h *Heartbeat) {
		h.repo = r
		h.localHead = localHead
	}
}

// HeartbeatAudit attaches the audit log, enabling the periodic provider
// performance report.
func HeartbeatAudit(a AuditLog) HeartbeatOption {
	return func(h *Heartbeat) { h.audit = a }
}

// HeartbeatExitFunc replaces os.Exit for the self-update path.
func HeartbeatExitFunc(fn func(int)) HeartbeatOption {
	return func(h *Heartbeat) { h.exit = fn }
}

// HeartbeatLogger sets the structured logger.
func HeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// NewHeartbeat creates the scheduler. dataDir holds the state snapshot and
// the bootstrap sentinel.
func NewHeartbeat(engine *Engine, evolver *Evolver, dataDir string, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		engine:    engine,
		evolver:   evolver,
		interval:  defaultBeatInterval,
		dataDir:   dataDir,
		localHead: func() (string, error) { return "", fmt.Errorf("no local head source") },
		exit:      os.Exit,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.now()
	return h
}

// Start announces the agent, runs bootstrap once, then beats until ctx is
// cancelled. Errors inside a beat never stop the loop.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.logger.Info("heartbeat starting", "interval", h.interval)

	h.send(ctx, fmt.Sprintf(
		"🐣 Cradle Agent online!\n⏱️ Heartbeat: every %ds\n📋 Pending tasks: %d\n🧬 Self-evolution: active\n🔄 Continuous improvement: enabled\n\nSend /status for info, or just send me a task.",
		int(h.interval.Seconds()), h.engine.PendingCount()))

	h.bootstrapOnce(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// bootstrapOnce seeds the bootstrap tasks and masterplan exactly once per
// data directory, guarded by a sentinel file.
func (h *Heartbeat) bootstrapOnce(ctx context.Context) {
	sentinel := filepath.Join(h.dataDir, bootstrapFile)
	if _, err := os.Stat(sentinel); err == nil {
		return
	}

	h.logger.Info("first boot, seeding bootstrap tasks")
	if h.memory != nil {
		if err := h.memory.WriteCanvas(ctx, masterplanSlug, "Cradle Masterplan", masterplan); err != nil {
			h.logger.Warn("masterplan write failed", "error", err)
		}
	}
	for _, t := range bootstrapTasks {
		h.engine.AddTask(t.Title, t.Description, "", SourceBootstrap)
	}

	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		h.logger.Warn("data dir create failed", "error", err)
		return
	}
	if err := os.WriteFile(sentinel, []byte(h.now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		h.logger.Warn("bootstrap sentinel write failed", "error", err)
	}
}

// beat runs one heartbeat cycle.
func (h *Heartbeat) beat(ctx context.Context) {
	h.beatCount++

	h.drainTasks(ctx)

	// Auto-sync runs before idle seeding: both want an empty queue on the
	// same cadence, and a seeded task must not mask a pending update.
	if h.repo != nil && h.beatCount%20 == 0 && h.engine.PendingCount() == 0 {
		h.autoSync(ctx)
	}

	// Idle seeding.
	if h.beatCount%20 == 0 && h.beatCount > 5 && h.engine.PendingCount() == 0 {
		t := selfImprovementTasks[h.improvementIndex%len(selfImprovementTasks)]
		h.improvementIndex++
		h.engine.AddTask(t.Title, t.Description, "", SourceSelfImprovement)
		h.logger.Info("seeded improvement task", "title", t.Title)
	}

	// Self-evolution: first at beat 20, then every 50 beats.
	if h.evolver != nil && (h.beatCount == 20 || (h.beatCount > 20 && h.beatCount%50 == 0)) {
		h.logger.Info("triggering self-evolution", "beat", h.beatCount)
		result := h.evolver.Evolve(ctx)
		h.logger.Info("evolution result", "summary", truncate(result, 200))
		h.send(ctx, "🧬 Self-evolution:\n"+result)
	}

	if h.beatCount%5 == 0 {
		h.persistState()
	}

	if h.skills != nil && h.beatCount%10 == 0 {
		if n, err := h.skills.Refresh(ctx); err != nil {
			h.logger.Debug("skill refresh failed", "error", err)
		} else if n > 0 {
			h.logger.Info("skills refreshed", "count", n)
		}
	}

	if h.memory != nil && h.beatCount%100 == 0 {
		h.persistMemory(ctx)
	}

	if h.audit != nil && h.beatCount%auditReportBeats == 0 {
		if report, err := h.audit.Report(ctx); err != nil {
			h.logger.Warn("audit report failed", "error", err)
		} else {
			h.send(ctx, report)
		}
	}

	if h.beatCount%5 == 0 {
		h.logger.Info("beat",
			"beat", h.beatCount,
			"uptime_s", int(h.now().Sub(h.startTime).Seconds()),
			"pending", h.engine.PendingCount(),
			"total", h.engine.TaskCount(),
			"evolutions", h.evolutionCount())
	}
}

// drainTasks processes up to tasksPerBeat queued tasks, notifying the chat
// transport and spawning self-healing children for failures.
func (h *Heartbeat) drainTasks(ctx context.Context) {
	processed := 0
	for h.engine.PendingCount() > 0 && processed < tasksPerBeat {
		task := h.engine.ProcessNext(ctx)
		if task == nil {
			break
		}
		processed++

		if task.Status.Terminal() {
			msg := fmt.Sprintf("%s [%s] %s\n", statusIcon(task.Status), task.ID, task.Title)
			if task.Result != "" {
				msg += "\n" + truncate(task.Result, 3800)
			}
			if task.Error != "" {
				msg += "\n⚠️ Error: " + truncate(task.Error, 1000)
			}
			h.send(ctx, msg)
		}

		if task.Status == StatusFailed && task.Error != "" {
			fixTitle := "Fix failure: " + truncate(task.Title, 60)
			fixDesc := fmt.Sprintf(
				"The task '%s' failed with this error:\n%s\n\n"+
					"Analyze the error, fix the root cause, and retry the task. "+
					"If it's a code error, correct the code and re-run. "+
					"If it's a missing dependency, install it and retry. "+
					"Store the fix as a learning in memory. "+
					"Original description: %s",
				task.Title, truncate(task.Error, 500), truncate(task.Description, 300))
			h.engine.AddTask(fixTitle, fixDesc, task.ID, SourceSelfHealing)
			h.logger.Info("self-healing task created", "parent", task.ID, "title", fixTitle)
		}

		if h.memory != nil && task.Reflection != "" {
			if err := h.memory.StoreReflection(ctx, task.ID, task.Reflection, nil); err != nil {
				h.logger.Warn("reflection store failed", "task", task.ID, "error", err)
			}
		}
	}
	if processed > 0 {
		h.logger.Info("beat processed tasks", "count", processed)
	}
}

// autoSync compares the local head against the remote default branch and
// exits 42 when the remote moved ahead, so the supervisor pulls and restarts.
func (h *Heartbeat) autoSync(ctx context.Context) {
	sha, err := h.localHead()
	if err != nil || sha == "" {
		h.logger.Debug("auto-sync skipped, no local head", "error", err)
		return
	}
	behind, err := h.repo.CommitsBehind(ctx, sha)
	if err != nil {
		h.logger.Warn("auto-sync compare failed", "error", err)
		return
	}
	if behind <= 0 {
		return
	}
	h.logger.Info("remote moved ahead, restarting to update", "commits_behind", behind)
	h.send(ctx, fmt.Sprintf("⬇️ Remote has %d new commit(s). Restarting to update.", behind))
	h.exit(ExitSelfUpdate)
}

// persistMemory pushes the masterplan, persona, and a status record to the
// memory port.
func (h *Heartbeat) persistMemory(ctx context.Context) {
	if err := h.memory.WriteCanvas(ctx, masterplanSlug, "Cradle Masterplan", masterplan); err != nil {
		h.logger.Warn("masterplan persist failed", "error", err)
	}
	if persona, err := h.memory.GetPersona(ctx); err == nil && persona != "" {
		if err := h.memory.UpdatePersona(ctx, persona); err != nil {
			h.logger.Warn("persona persist failed", "error", err)
		}
	}
	if err := h.memory.Store(ctx, fmt.Sprintf("status:beat-%d", h.beatCount), h.GetStatus(), []string{"status"}); err != nil {
		h.logger.Warn("status persist failed", "error", err)
	}
}

// persistedState is the crash-recovery snapshot shape.
type persistedState struct {
	BeatCount        int                      `json:"beat_count"`
	StartTime        int64                    `json:"start_time"`
	UptimeSeconds    int                      `json:"uptime_seconds"`
	EvolutionCount   int                      `json:"evolution_count"`
	ImprovementIndex int                      `json:"improvement_index"`
	Tasks            map[string]persistedTask `json:"tasks"`
}

type persistedTask struct {
	Title  string `json:"title"`
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
	Source string `json:"source"`
}

// persistState writes the snapshot atomically: temp file in the same
// directory, then rename.
func (h *Heartbeat) persistState() {
	state := persistedState{
		BeatCount:        h.beatCount,
		StartTime:        h.startTime.Unix(),
		UptimeSeconds:    int(h.now().Sub(h.startTime).Seconds()),
		EvolutionCount:   h.evolutionCount(),
		ImprovementIndex: h.improvementIndex,
		Tasks:            make(map[string]persistedTask),
	}
	for _, t := range h.engine.Snapshot() {
		state.Tasks[t.ID] = persistedTask{
			Title:  t.Title,
			Status: string(t.Status),
			Result: truncate(t.Result, 500),
			Error:  truncate(t.Error, 500),
			Source: t.Source,
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		h.logger.Warn("state marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		h.logger.Warn("data dir create failed", "error", err)
		return
	}
	path := filepath.Join(h.dataDir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		h.logger.Warn("state write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		h.logger.Warn("state rename failed", "error", err)
	}
}

func (h *Heartbeat) evolutionCount() int {
	if h.evolver == nil {
		return 0
	}
	return h.evolver.Count()
}

// send delivers a chat notification, best-effort.
func (h *Heartbeat) send(ctx context.Context, text string) {
	if h.frontend == nil {
		return
	}
	if err := h.frontend.Send(ctx, text); err != nil {
		h.logger.Warn("chat send failed", "error", err)
	}
}

// GetStatus renders the human-readable status block for the /status command.
func (h *Heartbeat) GetStatus() string {
	uptime := int(h.now().Sub(h.startTime).Seconds())
	return strings.Join([]string{
		"🐣 Cradle Agent",
		"━━━━━━━━━━━━━━━━━",
		fmt.Sprintf("⏱️ Uptime: %dh %dm", uptime/3600, uptime%3600/60),
		fmt.Sprintf("💓 Heartbeats: %d", h.beatCount),
		fmt.Sprintf("📋 Pending tasks: %d", h.engine.PendingCount()),
		fmt.Sprintf("📊 Total tasks: %d", h.engine.TaskCount()),
		fmt.Sprintf("🧬 Evolutions: %d", h.evolutionCount()),
		fmt.Sprintf("🔄 Improvement cycle: %d/%d", h.improvementIndex, len(selfImprovementTasks)),
	}, "\n")
}
