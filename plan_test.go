package cradle

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"bare object", `{"type": "code"}`, true},
		{"fenced", "Here you go:\n```json\n{\"type\": \"code\"}\n```", true},
		{"fenced no lang", "```\n{\"a\": 1}\n```", true},
		{"embedded in prose", `Sure! {"type": "code", "code": "x"} hope that helps`, true},
		{"trailing comma", `{"a": 1, "b": [1, 2,],}`, true},
		{"no json", "I cannot help with that.", false},
		{"empty", "", false},
		{"array only", `[1, 2, 3]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ExtractJSON(tt.in)
			if ok != tt.ok {
				t.Errorf("ExtractJSON(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
		})
	}
}

func TestParsePlanShapes(t *testing.T) {
	plan := ParsePlan(`{"type": "direct_answer", "answer": "42"}`)
	if plan.Type != PlanDirectAnswer || plan.Answer != "42" {
		t.Errorf("direct answer plan = %+v", plan)
	}

	plan = ParsePlan(`{"type": "code", "language": "python", "code": "print(1)", "packages": ["requests"], "needs_network": true}`)
	if plan.Type != PlanCode || plan.Language != "python" || plan.Code != "print(1)" {
		t.Errorf("code plan = %+v", plan)
	}
	if len(plan.Packages) != 1 || !plan.NeedsNetwork {
		t.Errorf("code plan extras = %+v", plan)
	}

	plan = ParsePlan(`{"type": "decompose", "subtasks": [{"title": "a", "description": "b"}]}`)
	if plan.Type != PlanDecompose || len(plan.Subtasks) != 1 || plan.Subtasks[0].Title != "a" {
		t.Errorf("decompose plan = %+v", plan)
	}
}

func TestParsePlanFallsBackToDirectAnswer(t *testing.T) {
	for _, in := range []string{
		"The answer is four.",
		`{"type": "unknown_variant"}`,
		`{"no_type": true}`,
	} {
		plan := ParsePlan(in)
		if plan.Type != PlanDirectAnswer {
			t.Errorf("ParsePlan(%q).Type = %q, want direct_answer", in, plan.Type)
		}
		if plan.Answer != in {
			t.Errorf("ParsePlan(%q).Answer = %q, want raw text", in, plan.Answer)
		}
	}
}

func TestParseReflection(t *testing.T) {
	r := ParseReflection(`{"reflection": "went well", "summary": "done", "should_retry": false, "learnings": ["x"]}`,
		SandboxResult{Success: true}, true)
	if r.Reflection != "went well" || r.Summary != "done" || r.ShouldRetry {
		t.Errorf("parsed reflection = %+v", r)
	}
	if len(r.Learnings) != 1 {
		t.Errorf("learnings = %v", r.Learnings)
	}
}

func TestParseReflectionFallback(t *testing.T) {
	// Failed run with attempts left: retry.
	r := ParseReflection("garbage", SandboxResult{Success: false, Stderr: "boom"}, true)
	if !r.ShouldRetry {
		t.Error("fallback should retry a failed run with attempts left")
	}
	if r.Summary != "boom" {
		t.Errorf("fallback summary = %q, want stderr", r.Summary)
	}

	// Failed run, no attempts left: no retry.
	r = ParseReflection("garbage", SandboxResult{Success: false, Stderr: "boom"}, false)
	if r.ShouldRetry {
		t.Error("fallback must not retry without attempts left")
	}

	// Successful run: no retry, summary from stdout.
	r = ParseReflection("", SandboxResult{Success: true, Stdout: "out"}, true)
	if r.ShouldRetry || r.Summary != "out" {
		t.Errorf("success fallback = %+v", r)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("hello world", 5); got != "hello" {
		t.Errorf("truncate long = %q", got)
	}
}
