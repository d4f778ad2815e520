// Command cradle runs the self-evolving agent daemon: heartbeat scheduler,
// task engine, LLM router, sandbox, evolution engine, and Telegram frontend.
//
// The process exits with code 42 when it wants its supervisor to git-pull
// and restart it on fresh code.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthatchery/cradle"
	"github.com/agenthatchery/cradle/frontend/telegram"
	"github.com/agenthatchery/cradle/internal/config"
	"github.com/agenthatchery/cradle/memory"
	"github.com/agenthatchery/cradle/observer"
	"github.com/agenthatchery/cradle/provider/gemini"
	"github.com/agenthatchery/cradle/provider/openaicompat"
	"github.com/agenthatchery/cradle/repo"
	"github.com/agenthatchery/cradle/sandbox"
	"github.com/agenthatchery/cradle/skills"
	"github.com/agenthatchery/cradle/store/postgres"
	"github.com/agenthatchery/cradle/store/sqlite"
)

func main() {
	cfg := config.Load(os.Getenv("CRADLE_CONFIG"))
	logger := setupLogger(cfg)

	logger.Info(strings.Repeat("=", 60))
	logger.Info("🐣 CRADLE AGENT STARTING")
	logger.Info(strings.Repeat("=", 60))
	for _, w := range cfg.Validate() {
		logger.Warn("config: " + w)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability is optional; without it the wrappers are skipped.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, nil)
		if err != nil {
			logger.Warn("observer init failed, continuing without telemetry", "error", err)
			inst = nil
		} else {
			defer shutdown(context.Background())
		}
	}

	routed := buildProviders(cfg, inst, logger)
	if len(routed) == 0 {
		logger.Error("no LLM providers configured, nothing to think with")
		os.Exit(1)
	}

	audit := buildAudit(ctx, cfg, logger)
	routerOpts := []cradle.RouterOption{cradle.RouterLogger(logger)}
	if audit != nil {
		routerOpts = append(routerOpts, cradle.RouterAudit(audit))
	}
	router := cradle.NewRouter(routed, routerOpts...)

	var box cradle.Sandbox = sandbox.New(sandbox.WithLogger(logger))
	if inst != nil {
		box = observer.WrapSandbox(box, inst)
	}

	gh := repo.New(cfg.GitHub.Org, cfg.GitHub.Repo, cfg.GitHub.PAT, repo.WithLogger(logger))
	if cfg.GitHub.PAT != "" {
		if err := gh.EnsureRepo(ctx); err != nil {
			logger.Warn("ensure repo failed", "error", err)
		}
	}

	var mem cradle.MemoryPort
	if cfg.Playbooks.APIKey != "" && cfg.Playbooks.GUID != "" {
		mem = memory.New(cfg.Playbooks.APIKey, cfg.Playbooks.GUID, memory.WithLogger(logger))
	}

	skillLoader := skills.New(mem, skills.WithLogger(logger))
	skillLoader.LoadLocal()
	if mem != nil {
		if n := skillLoader.SyncBuiltin(ctx); n > 0 {
			logger.Info("builtin skills synced", "count", n)
		}
	}

	engineOpts := []cradle.EngineOption{
		cradle.EngineSkills(skillLoader),
		cradle.EngineLogger(logger),
		cradle.EngineRestartFunc(func() {
			logger.Info("self-update pushed, exiting for supervisor restart")
			os.Exit(cradle.ExitSelfUpdate)
		}),
	}
	if mem != nil {
		engineOpts = append(engineOpts, cradle.EngineMemory(mem))
	}
	engine := cradle.NewEngine(router, box, engineOpts...)

	evolverOpts := []cradle.EvolverOption{cradle.EvolverLogger(logger)}
	if mem != nil {
		evolverOpts = append(evolverOpts, cradle.EvolverMemory(mem))
	}
	evolver := cradle.NewEvolver(router, box, gh, cfg.SourceDir, evolverOpts...)

	heartbeatOpts := []cradle.HeartbeatOption{
		cradle.HeartbeatInterval(time.Duration(cfg.HeartbeatInterval) * time.Second),
		cradle.HeartbeatSkills(skillLoader),
		cradle.HeartbeatRepo(gh, localHead(cfg.SourceDir)),
		cradle.HeartbeatLogger(logger),
	}
	if mem != nil {
		heartbeatOpts = append(heartbeatOpts, cradle.HeartbeatMemory(mem))
	}
	if audit != nil {
		heartbeatOpts = append(heartbeatOpts, cradle.HeartbeatAudit(audit))
	}

	// The bot's status handler reads the heartbeat, which in turn sends
	// through the bot; the closure resolves the cycle.
	var heartbeat *cradle.Heartbeat

	bot := telegram.New(cfg.Telegram.Token, cfg.Telegram.AllowedUser, telegram.Handlers{
		OnTask: func(ctx context.Context, description string) string {
			engine.AddTask(description, "", "", cradle.SourceUser)
			done := engine.ProcessNext(ctx)
			if done == nil {
				return "⏳ Task queued: " + description
			}
			switch {
			case done.Result != "":
				return fmt.Sprintf("✅ [%s] %s\n\n%s", done.ID, done.Title, truncateTo(done.Result, 3500))
			case done.Error != "":
				return fmt.Sprintf("❌ [%s] %s\n\n%s", done.ID, done.Title, truncateTo(done.Error, 3500))
			default:
				return fmt.Sprintf("⏳ [%s] %s — status: %s", done.ID, done.Title, done.Status)
			}
		},
		OnStatus: func(context.Context) string {
			return heartbeat.GetStatus() + "\n" + engine.StatusSummary() + "\n\n" + router.StatsSummary()
		},
		OnCost: func(ctx context.Context) string {
			out := router.StatsSummary()
			if audit != nil {
				if report, err := audit.Report(ctx); err == nil {
					out += "\n\n" + report
				}
			}
			return out
		},
		OnEvolve: evolver.Evolve,
	}, telegram.WithLogger(logger))
	heartbeatOpts = append(heartbeatOpts, cradle.HeartbeatFrontend(bot))
	heartbeat = cradle.NewHeartbeat(engine, evolver, cfg.DataDir, heartbeatOpts...)

	go func() {
		if err := bot.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Error("telegram poll stopped", "error", err)
		}
	}()

	if err := heartbeat.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("heartbeat stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("cradle shut down complete")
}

// setupLogger builds a text slog writing to stdout and {log_dir}/cradle.log.
func setupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	out := io.Writer(os.Stdout)
	if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "cradle.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// buildProviders wires every configured backend in priority order.
func buildProviders(cfg config.Config, inst *observer.Instruments, logger *slog.Logger) []cradle.RoutedProvider {
	var routed []cradle.RoutedProvider
	add := func(p cradle.Provider, pc config.ProviderConfig) {
		if inst != nil {
			p = observer.WrapProvider(p, inst)
		}
		logger.Info("LLM provider configured",
			"name", p.Name(), "model", p.Model(), "priority", pc.Priority)
		routed = append(routed, cradle.RoutedProvider{
			Client:    p,
			Priority:  pc.Priority,
			MaxRPM:    pc.MaxRPM,
			CostPer1K: pc.CostPer1K,
		})
	}

	if pc := cfg.Providers.Gemini; pc.APIKey != "" {
		add(gemini.New(pc.APIKey, pc.Model, gemini.WithBaseURL(pc.BaseURL)), pc)
	}
	if pc := cfg.Providers.MiniMax; pc.APIKey != "" {
		add(openaicompat.New("minimax", pc.APIKey, pc.Model, pc.BaseURL), pc)
	}
	if pc := cfg.Providers.Groq; pc.APIKey != "" {
		add(openaicompat.New("groq", pc.APIKey, pc.Model, pc.BaseURL), pc)
	}
	if pc := cfg.Providers.OpenRouter; pc.APIKey != "" {
		add(openaicompat.New("openrouter", pc.APIKey, pc.Model, pc.BaseURL,
			openaicompat.WithHeader("HTTP-Referer", "https://github.com/agenthatchery/cradle"),
			openaicompat.WithHeader("X-Title", "Cradle Agent")), pc)
	}
	if pc := cfg.Providers.OpenAI; pc.APIKey != "" {
		add(openaicompat.New("openai", pc.APIKey, pc.Model, pc.BaseURL), pc)
	}
	return routed
}

// buildAudit opens the configured audit store, or nil for none.
func buildAudit(ctx context.Context, cfg config.Config, logger *slog.Logger) cradle.AuditLog {
	switch cfg.Audit.Driver {
	case "sqlite":
		path := cfg.Audit.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		s := sqlite.New(path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			logger.Warn("audit store init failed, auditing disabled", "error", err)
			return nil
		}
		return s
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Audit.DSN)
		if err != nil {
			logger.Warn("audit store connect failed, auditing disabled", "error", err)
			return nil
		}
		s := postgres.New(pool, postgres.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			logger.Warn("audit store init failed, auditing disabled", "error", err)
			pool.Close()
			return nil
		}
		return s
	case "":
		return nil
	default:
		logger.Warn("unknown audit driver, auditing disabled", "driver", cfg.Audit.Driver)
		return nil
	}
}

// localHead resolves the checked-out commit SHA from .git without shelling
// out to git. Used by the heartbeat auto-sync check.
func localHead(sourceDir string) func() (string, error) {
	return func() (string, error) {
		head, err := os.ReadFile(filepath.Join(sourceDir, ".git", "HEAD"))
		if err != nil {
			return "", fmt.Errorf("read HEAD: %w", err)
		}
		ref := strings.TrimSpace(string(head))
		refPath, ok := strings.CutPrefix(ref, "ref: ")
		if !ok {
			// Detached HEAD holds the SHA directly.
			return ref, nil
		}
		data, err := os.ReadFile(filepath.Join(sourceDir, ".git", filepath.FromSlash(refPath)))
		if err != nil {
			return "", fmt.Errorf("read ref %s: %w", refPath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

func truncateTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
