package cradle

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const reflectionOK = `{"reflection": "fine", "summary": "done", "should_retry": false, "learnings": []}`
const reflectionRetry = `{"reflection": "transient", "summary": "failed", "should_retry": true, "learnings": []}`

func TestAddTask(t *testing.T) {
	e := NewEngine(singleProviderRouter(&scriptedProvider{name: "gemini"}), &fakeSandbox{})

	task := e.AddTask("do the thing", "", "", SourceUser)
	if task.Description != "do the thing" {
		t.Errorf("empty description should default to title, got %q", task.Description)
	}
	if task.Status != StatusPending || task.MaxAttempts != 3 {
		t.Errorf("new task = %+v", task)
	}
	if e.PendingCount() != 1 || e.TaskCount() != 1 {
		t.Errorf("pending=%d total=%d, want 1/1", e.PendingCount(), e.TaskCount())
	}

	// Unknown parent is dropped, known parent links children.
	orphan := e.AddTask("orphan", "d", "nope", SourceSelf)
	if orphan.ParentID != "" {
		t.Errorf("unknown parent kept: %q", orphan.ParentID)
	}
	child := e.AddTask("child", "d", task.ID, SourceSelf)
	if child.ParentID != task.ID {
		t.Errorf("child.ParentID = %q, want %q", child.ParentID, task.ID)
	}
	if len(e.Task(task.ID).Children) != 1 {
		t.Errorf("parent children = %v", e.Task(task.ID).Children)
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	e := NewEngine(singleProviderRouter(&scriptedProvider{name: "gemini"}), &fakeSandbox{})
	if got := e.ProcessNext(context.Background()); got != nil {
		t.Errorf("ProcessNext on empty queue = %+v, want nil", got)
	}
}

func TestProcessDirectAnswer(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "direct_answer", "answer": "Paris"}`},
	}}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{})
	e.AddTask("capital of France?", "", "", SourceUser)

	task := e.ProcessNext(context.Background())
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Result != "Paris" {
		t.Errorf("result = %q, want Paris", task.Result)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (no reflection on direct answers)", p.callCount())
	}
}

func TestProcessCodeSuccess(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "code", "language": "python", "code": "print('hi')", "packages": ["requests"], "needs_network": true}`},
		{content: reflectionOK},
	}}
	box := &fakeSandbox{results: []SandboxResult{{Success: true, Stdout: "hi\n"}}}
	e := NewEngine(singleProviderRouter(p), box)
	e.AddTask("say hi", "", "", SourceUser)

	task := e.ProcessNext(context.Background())
	if task.Status != StatusCompleted || task.Result != "hi\n" {
		t.Fatalf("task = %+v", task)
	}
	if len(box.codeReqs) != 1 {
		t.Fatalf("code requests = %d, want 1", len(box.codeReqs))
	}
	req := box.codeReqs[0]
	if req.Code != "print('hi')" || !req.Network || len(req.Packages) != 1 {
		t.Errorf("code request = %+v", req)
	}
	if task.Reflection != "fine" {
		t.Errorf("reflection = %q", task.Reflection)
	}
}

func TestProcessShellPlan(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "code", "language": "bash", "code": "echo hi"}`},
		{content: reflectionOK},
	}}
	box := &fakeSandbox{results: []SandboxResult{{Success: true, Stdout: "hi\n"}}}
	e := NewEngine(singleProviderRouter(p), box)
	e.AddTask("say hi in shell", "", "", SourceUser)

	e.ProcessNext(context.Background())
	if len(box.shellReqs) != 1 || len(box.codeReqs) != 0 {
		t.Errorf("shell=%d code=%d, want bash routed to RunShell", len(box.shellReqs), len(box.codeReqs))
	}
}

func TestProcessSelfUpdateSentinel(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "code", "language": "python", "code": "push()"}`},
		{content: reflectionOK},
	}}
	box := &fakeSandbox{results: []SandboxResult{{Success: true, Stdout: "pushed\nSELF_UPDATE_PUSHED\n"}}}
	restarts := 0
	e := NewEngine(singleProviderRouter(p), box, EngineRestartFunc(func() { restarts++ }))
	e.AddTask("update self", "", "", SourceUser)

	task := e.ProcessNext(context.Background())
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s", task.Status)
	}
	if restarts != 1 {
		t.Errorf("restart requests = %d, want 1", restarts)
	}
}

func TestProcessDecompose(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "decompose", "subtasks": [{"title": "step 1", "description": "d1"}, {"title": "step 2", "description": "d2"}]}`},
	}}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{})
	parent := e.AddTask("big job", "", "", SourceUser)

	task := e.ProcessNext(context.Background())
	if task.Status != StatusBlocked {
		t.Fatalf("parent status = %s, want blocked", task.Status)
	}
	if len(task.Children) != 2 {
		t.Fatalf("children = %v", task.Children)
	}
	if e.PendingCount() != 2 {
		t.Errorf("pending = %d, want 2 subtasks queued", e.PendingCount())
	}
	child := e.Task(task.Children[0])
	if child.ParentID != parent.ID || child.Source != SourceSelf {
		t.Errorf("child = %+v", child)
	}
}

func TestProcessRetryThenFail(t *testing.T) {
	codePlan := `{"type": "code", "language": "python", "code": "boom()"}`
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: codePlan}, {content: reflectionRetry},
		{content: codePlan}, {content: reflectionRetry},
		{content: codePlan}, {content: reflectionRetry},
	}}
	box := &fakeSandbox{results: []SandboxResult{{Success: false, Stderr: "NameError: boom"}}}
	e := NewEngine(singleProviderRouter(p), box)
	added := e.AddTask("broken", "", "", SourceUser)

	// First two attempts re-queue the same task id.
	for attempt := 1; attempt <= 2; attempt++ {
		task := e.ProcessNext(context.Background())
		if task.ID != added.ID {
			t.Fatalf("attempt %d processed wrong task", attempt)
		}
		if task.Status != StatusPending || task.Attempts != attempt {
			t.Fatalf("attempt %d: status=%s attempts=%d", attempt, task.Status, task.Attempts)
		}
	}
	// Third attempt exhausts MaxAttempts.
	task := e.ProcessNext(context.Background())
	if task.Status != StatusFailed || task.Attempts != 3 {
		t.Fatalf("final: status=%s attempts=%d, want failed/3", task.Status, task.Attempts)
	}
	if task.Error != "NameError: boom" {
		t.Errorf("error = %q", task.Error)
	}
	if e.PendingCount() != 0 {
		t.Errorf("failed task still queued")
	}
}

func TestProcessRetryPromptCarriesError(t *testing.T) {
	codePlan := `{"type": "code", "language": "python", "code": "boom()"}`
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: codePlan}, {content: reflectionRetry},
		{content: codePlan}, {content: reflectionRetry},
	}}
	box := &fakeSandbox{results: []SandboxResult{{Success: false, Stderr: "TypeError"}}}
	e := NewEngine(singleProviderRouter(p), box)
	e.AddTask("broken", "", "", SourceUser)

	e.ProcessNext(context.Background())
	e.ProcessNext(context.Background())

	// Third provider call is the second attempt's Think.
	if len(p.prompts) < 3 {
		t.Fatalf("provider calls = %d", len(p.prompts))
	}
	if !strings.Contains(p.prompts[2], "Previous attempt failed with:") ||
		!strings.Contains(p.prompts[2], "TypeError") {
		t.Errorf("retry prompt missing failure context:\n%s", p.prompts[2])
	}
}

func TestThinkOutageRetriesThenFails(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{err: errors.New("upstream 503")},
	}}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{})
	added := e.AddTask("work during outage", "", "", SourceUser)

	// A provider outage must not complete the task with a degraded answer;
	// the attempt counts as a failure and the task is re-queued.
	for attempt := 1; attempt <= 2; attempt++ {
		task := e.ProcessNext(context.Background())
		if task.ID != added.ID || task.Status != StatusPending || task.Attempts != attempt {
			t.Fatalf("attempt %d: status=%s attempts=%d", attempt, task.Status, task.Attempts)
		}
	}
	task := e.ProcessNext(context.Background())
	if task.Status != StatusFailed || task.Attempts != 3 {
		t.Fatalf("final: status=%s attempts=%d, want failed/3", task.Status, task.Attempts)
	}
	if task.Result != "" {
		t.Errorf("result = %q, want empty on think failure", task.Result)
	}
	if !strings.Contains(task.Error, "Think failed") || !strings.Contains(task.Error, "upstream 503") {
		t.Errorf("error = %q, want the provider error preserved", task.Error)
	}
	if e.PendingCount() != 0 {
		t.Errorf("failed task still queued")
	}
}

func TestTerminalStatusSurvivesFurtherProcessing(t *testing.T) {
	answer := `{"type": "direct_answer", "answer": "done"}`
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: answer},
		{content: `{"type": "code", "language": "python"}`},
		{content: answer},
	}}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{})
	completed := e.AddTask("quick question", "", "", SourceUser)
	broken := e.AddTask("plan without code", "", "", SourceUser)

	e.ProcessNext(context.Background())
	e.ProcessNext(context.Background())
	if e.Task(completed.ID).Status != StatusCompleted || e.Task(broken.ID).Status != StatusFailed {
		t.Fatalf("setup: completed=%s broken=%s",
			e.Task(completed.ID).Status, e.Task(broken.ID).Status)
	}
	completedAt := e.Task(completed.ID).CompletedAt

	// Later queue activity must leave terminal tasks untouched.
	e.AddTask("later work", "", "", SourceUser)
	e.AddTask("more later work", "", "", SourceUser)
	for e.ProcessNext(context.Background()) != nil {
	}

	if got := e.Task(completed.ID); got.Status != StatusCompleted ||
		!got.CompletedAt.Equal(completedAt) || got.Attempts != 1 {
		t.Errorf("completed task mutated: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got := e.Task(broken.ID); got.Status != StatusFailed || got.Attempts != 1 {
		t.Errorf("failed task mutated: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestProcessCodePlanWithoutCode(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "code", "language": "python"}`},
	}}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{})
	e.AddTask("nothing to run", "", "", SourceUser)

	task := e.ProcessNext(context.Background())
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "no code") {
		t.Errorf("error = %q", task.Error)
	}
}

func TestThinkUsesPersonaAndSkills(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{
		{content: `{"type": "direct_answer", "answer": "ok"}`},
	}}
	mem := newFakeMemory()
	mem.persona = "You are a test persona."
	sk := &fakeSkills{summary: "## Available Skills\n- web_search", relevant: "full web_search body"}
	e := NewEngine(singleProviderRouter(p), &fakeSandbox{}, EngineMemory(mem), EngineSkills(sk))
	e.AddTask("search something", "", "", SourceUser)

	e.ProcessNext(context.Background())
	if len(p.systems) != 1 {
		t.Fatalf("provider calls = %d", len(p.systems))
	}
	sys := p.systems[0]
	if !strings.Contains(sys, "You are a test persona.") {
		t.Errorf("system prompt missing remote persona:\n%s", sys)
	}
	if !strings.Contains(sys, "Response format") || !strings.Contains(sys, "web_search") {
		t.Errorf("system prompt missing contract or skills:\n%s", sys)
	}
	if !strings.Contains(p.prompts[0], "Relevant Skill Instructions") {
		t.Errorf("prompt missing relevant skills:\n%s", p.prompts[0])
	}
}

func TestStatusSummary(t *testing.T) {
	e := NewEngine(singleProviderRouter(&scriptedProvider{name: "gemini"}), &fakeSandbox{})
	if got := e.StatusSummary(); got != "📋 No tasks." {
		t.Errorf("empty summary = %q", got)
	}

	e.AddTask("one", "", "", SourceUser)
	out := e.StatusSummary()
	if !strings.Contains(out, "📋 Task Status:") || !strings.Contains(out, "one") {
		t.Errorf("summary = %q", out)
	}
}
