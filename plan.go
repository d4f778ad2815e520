package cradle

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Plan types.
const (
	PlanDirectAnswer = "direct_answer"
	PlanDecompose    = "decompose"
	PlanCode         = "code"
)

// Subtask is one child task in a decompose plan.
type Subtask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Plan is the tagged variant extracted from a Think response. Any shape the
// parser cannot recognize degrades to a direct answer carrying the raw text.
type Plan struct {
	Type         string    `json:"type"`
	Answer       string    `json:"answer"`
	Subtasks     []Subtask `json:"subtasks"`
	Language     string    `json:"language"`
	Code         string    `json:"code"`
	Packages     []string  `json:"packages"`
	NeedsNetwork bool      `json:"needs_network"`
}

// Reflection is the parsed result of a Reflect call.
type Reflection struct {
	Reflection  string   `json:"reflection"`
	Summary     string   `json:"summary"`
	ShouldRetry bool     `json:"should_retry"`
	Learnings   []string `json:"learnings"`
}

var (
	fencedBlock    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a single JSON object out of LLM output using a
// four-strategy ladder: whole-string parse, first fenced block, first '{'
// to last '}', and the same with trailing commas stripped. It never fails
// in a way callers must handle — ok=false means "no JSON here".
func ExtractJSON(text string) (json.RawMessage, bool) {
	candidates := []string{strings.TrimSpace(text)}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		braced := text[start : end+1]
		candidates = append(candidates, braced, trailingCommas.ReplaceAllString(braced, "$1"))
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c), &probe); err == nil {
			return json.RawMessage(c), true
		}
	}
	return nil, false
}

// ParsePlan turns raw Think output into a Plan. Unparseable or unrecognized
// responses become a direct answer with the full text as the answer.
func ParsePlan(text string) Plan {
	raw, ok := ExtractJSON(text)
	if !ok {
		return Plan{Type: PlanDirectAnswer, Answer: text}
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{Type: PlanDirectAnswer, Answer: text}
	}

	switch plan.Type {
	case PlanDirectAnswer, PlanDecompose, PlanCode:
		return plan
	default:
		return Plan{Type: PlanDirectAnswer, Answer: text}
	}
}

// ParseReflection turns raw Reflect output into a Reflection. On parse
// failure it falls back to a synthetic reflection built from the sandbox
// result, retrying only when attempts remain.
func ParseReflection(text string, result SandboxResult, attemptsLeft bool) Reflection {
	if raw, ok := ExtractJSON(text); ok {
		var r Reflection
		if err := json.Unmarshal(raw, &r); err == nil {
			return r
		}
	}

	summary := result.Stderr
	if result.Success {
		summary = result.Stdout
	}
	return Reflection{
		Reflection:  "Failed to parse reflection",
		Summary:     truncate(summary, 500),
		ShouldRetry: !result.Success && attemptsLeft,
	}
}

// truncate limits s to n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
