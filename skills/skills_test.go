package skills

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/agenthatchery/cradle"
)

// fakeMemory implements the skill half of cradle.MemoryPort.
type fakeMemory struct {
	stored []string
	remote []cradle.Skill
	err    error
}

func (f *fakeMemory) Store(ctx context.Context, key string, value any, tags []string) error {
	return nil
}
func (f *fakeMemory) StoreReflection(ctx context.Context, taskID, reflection string, learnings []string) error {
	return nil
}
func (f *fakeMemory) GetLearnings(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeMemory) WriteCanvas(ctx context.Context, slug, name, c string) error { return nil }
func (f *fakeMemory) ReadCanvas(ctx context.Context, slug string) (string, error) { return "", nil }
func (f *fakeMemory) UpdatePersona(ctx context.Context, prompt string) error { return nil }
func (f *fakeMemory) GetPersona(ctx context.Context) (string, error) { return "", nil }

func (f *fakeMemory) StoreSkill(ctx context.Context, name, content, description string) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, name)
	return nil
}

func (f *fakeMemory) ListSkills(ctx context.Context) ([]cradle.Skill, error) {
	return f.remote, f.err
}

func TestLoadLocal(t *testing.T) {
	l := New(nil)
	l.LoadLocal()
	for _, want := range []string{"web_search", "github_cli", "spawn_agent"} {
		if l.Content(want) == "" {
			t.Errorf("builtin skill %s not cached", want)
		}
	}
}

func TestSummarySortedAndCapped(t *testing.T) {
	l := New(nil)
	if got := l.Summary(); got != "" {
		t.Errorf("empty cache summary = %q", got)
	}

	l.cache["zebra"] = cradle.Skill{Name: "zebra", Description: strings.Repeat("x", 200)}
	l.cache["alpha"] = cradle.Skill{Name: "alpha", Description: "short"}

	out := l.Summary()
	if !strings.HasPrefix(out, "## Available Skills") {
		t.Errorf("summary header missing:\n%s", out)
	}
	alphaAt := strings.Index(out, "**alpha**")
	zebraAt := strings.Index(out, "**zebra**")
	if alphaAt < 0 || zebraAt < 0 || alphaAt > zebraAt {
		t.Errorf("summary not sorted:\n%s", out)
	}
	// Long descriptions are capped at 120 bytes.
	if strings.Contains(out, strings.Repeat("x", 121)) {
		t.Error("description not capped")
	}
	if !strings.Contains(out, strings.Repeat("x", 120)) {
		t.Error("capped description truncated too far")
	}
}

func TestRelevantMatchesKeywords(t *testing.T) {
	l := New(nil)
	l.LoadLocal()

	tests := []struct {
		title, desc string
		wants       []string
		rejects     []string
	}{
		{"research Go generics", "", []string{"web_search"}, []string{"github_cli"}},
		{"push a commit to the repo", "", []string{"github_cli"}, []string{"web_search"}},
		{"spawn a docker sub-agent", "", []string{"spawn_agent"}, nil},
		{"Search GitHub for examples", "", []string{"web_search", "github_cli"}, nil},
		{"water the plants", "", nil, []string{"web_search", "github_cli", "spawn_agent"}},
	}
	for _, tc := range tests {
		out := l.Relevant(tc.title, tc.desc)
		for _, want := range tc.wants {
			if !strings.Contains(out, "name: "+want) {
				t.Errorf("%q: missing %s", tc.title, want)
			}
		}
		for _, reject := range tc.rejects {
			if strings.Contains(out, "name: "+reject) {
				t.Errorf("%q: unexpectedly matched %s", tc.title, reject)
			}
		}
	}
}

func TestRelevantJoinsWithSeparator(t *testing.T) {
	l := New(nil)
	l.LoadLocal()

	out := l.Relevant("search github", "")
	if !strings.Contains(out, "\n\n---\n\n") {
		t.Errorf("multiple matches not separated:\n%.200s", out)
	}
}

func TestRelevantOnlyCached(t *testing.T) {
	// Keywords exist for skills that were never loaded.
	l := New(nil)
	if out := l.Relevant("search the web", ""); out != "" {
		t.Errorf("uncached skill matched: %q", out)
	}
}

func TestSyncBuiltin(t *testing.T) {
	mem := &fakeMemory{}
	l := New(mem)

	count := l.SyncBuiltin(context.Background())
	if count != len(builtinSkills) {
		t.Errorf("synced = %d, want %d", count, len(builtinSkills))
	}
	if len(mem.stored) != len(builtinSkills) {
		t.Errorf("stored = %v", mem.stored)
	}
	if l.Content("web_search") == "" {
		t.Error("synced skills not cached")
	}
}

func TestSyncBuiltinStoreFailure(t *testing.T) {
	mem := &fakeMemory{err: fmt.Errorf("service down")}
	l := New(mem)

	if count := l.SyncBuiltin(context.Background()); count != 0 {
		t.Errorf("synced = %d despite store failure", count)
	}
	if l.Content("web_search") != "" {
		t.Error("failed sync still cached the skill")
	}
}

func TestRefreshMergesNewOnly(t *testing.T) {
	mem := &fakeMemory{remote: []cradle.Skill{
		{Name: "web_search", Content: "remote override"},
		{Name: "summarize", Description: "condense text", Content: "body"},
		{Name: ""},
	}}
	l := New(mem)
	l.LoadLocal()
	localContent := l.Content("web_search")

	count, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if count != 1 {
		t.Errorf("merged = %d, want 1", count)
	}
	if l.Content("summarize") != "body" {
		t.Error("new remote skill not cached")
	}
	// Existing names keep the local version.
	if l.Content("web_search") != localContent {
		t.Error("remote skill overwrote local cache")
	}
}

func TestRefreshNoMemory(t *testing.T) {
	l := New(nil)
	count, err := l.Refresh(context.Background())
	if count != 0 || err != nil {
		t.Errorf("Refresh without memory = (%d, %v)", count, err)
	}
}
