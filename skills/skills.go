// Package skills manages SKILL.md-style capabilities: YAML frontmatter with
// name and description, a markdown body with full instructions. The engine
// gets a short summary on every task and full instructions only when a
// skill looks relevant (progressive disclosure).
package skills

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/agenthatchery/cradle"
)

// skillKeywords drives relevance matching against task text.
var skillKeywords = map[string][]string{
	"web_search": {"search", "web", "internet", "research", "find", "look up", "browse", "google", "url", "http"},
	"github_cli": {"github", "git", "repo", "clone", "commit", "push", "pull", "code", "file", "repository"},
	"spawn_agent": {"spawn", "sub-agent", "agent", "docker", "run", "execute", "healing"},
}

// Loader caches skills locally and syncs them with the external store.
type Loader struct {
	memory cradle.MemoryPort // optional
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cradle.Skill
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// New creates a loader. memory may be nil for fully local operation.
func New(memory cradle.MemoryPort, opts ...Option) *Loader {
	ld := &Loader{
		memory: memory,
		logger: slog.New(discardHandler{}),
		cache:  make(map[string]cradle.Skill),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// LoadLocal fills the cache from the builtin definitions, no network.
func (l *Loader) LoadLocal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range builtinSkills {
		l.cache[s.Name] = s
	}
}

// SyncBuiltin uploads every builtin skill to the external store and caches
// it locally. Returns the number uploaded.
func (l *Loader) SyncBuiltin(ctx context.Context) int {
	count := 0
	for _, s := range builtinSkills {
		if l.memory != nil {
			if err := l.memory.StoreSkill(ctx, s.Name, s.Content, s.Description); err != nil {
				l.logger.Warn("skill sync failed", "name", s.Name, "error", err)
				continue
			}
		}
		l.mu.Lock()
		l.cache[s.Name] = s
		l.mu.Unlock()
		count++
		l.logger.Info("skill synced", "name", s.Name)
	}
	return count
}

// Refresh pulls remote skills, merging new names into the cache.
func (l *Loader) Refresh(ctx context.Context) (int, error) {
	if l.memory == nil {
		return 0, nil
	}
	remote, err := l.memory.ListSkills(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, s := range remote {
		if s.Name == "" {
			continue
		}
		if _, ok := l.cache[s.Name]; ok {
			continue
		}
		l.cache[s.Name] = s
		count++
	}
	if count > 0 {
		l.logger.Info("fetched extra skills", "count", count)
	}
	return count, nil
}

// Summary returns the bullet list injected into the system prompt.
func (l *Loader) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cache) == 0 {
		return ""
	}
	names := make([]string, 0, len(l.cache))
	for name := range l.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := []string{"## Available Skills (use these in your code)"}
	for _, name := range names {
		desc := l.cache[name].Description
		if len(desc) > 120 {
			desc = desc[:120]
		}
		lines = append(lines, "- **"+name+"**: "+desc)
	}
	return strings.Join(lines, "\n")
}

// Content returns the full SKILL.md body for one skill, "" when unknown.
func (l *Loader) Content(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache[name].Content
}

// Relevant returns the full content of cached skills whose keywords match
// the task text, joined with separators.
func (l *Loader) Relevant(title, description string) string {
	text := strings.ToLower(title + " " + description)

	names := make([]string, 0, len(skillKeywords))
	for name := range skillKeywords {
		names = append(names, name)
	}
	sort.Strings(names)

	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []string
	for _, name := range names {
		skill, cached := l.cache[name]
		if !cached {
			continue
		}
		for _, kw := range skillKeywords[name] {
			if strings.Contains(text, kw) {
				matched = append(matched, skill.Content)
				break
			}
		}
	}
	return strings.Join(matched, "\n\n---\n\n")
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ cradle.SkillSource = (*Loader)(nil)
