package cradle

import (
	"context"
	"fmt"
	"sync"
)

// providerReply is one scripted response.
type providerReply struct {
	content string
	err     error
}

// scriptedProvider returns its replies in order, repeating the last one when
// exhausted, and records every call.
type scriptedProvider struct {
	name    string
	model   string
	replies []providerReply

	mu      sync.Mutex
	calls   int
	prompts []string
	systems []string
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Model() string {
	if p.model == "" {
		return p.name + "-model"
	}
	return p.model
}

func (p *scriptedProvider) Complete(_ context.Context, prompt, system string, _ float64, _ int) (Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.prompts = append(p.prompts, prompt)
	p.systems = append(p.systems, system)

	if len(p.replies) == 0 {
		return Completion{}, fmt.Errorf("no scripted reply")
	}
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	r := p.replies[idx]
	if r.err != nil {
		return Completion{}, r.err
	}
	return Completion{
		Content:      r.content,
		Provider:     p.name,
		Model:        p.Model(),
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// singleProviderRouter wraps one scripted provider in a router, the common
// engine test fixture.
func singleProviderRouter(p *scriptedProvider) *Router {
	return NewRouter([]RoutedProvider{{Client: p, Priority: 1}})
}

// fakeSandbox returns its results in order, repeating the last one, and
// records every request.
type fakeSandbox struct {
	results []SandboxResult
	err     error

	mu        sync.Mutex
	codeReqs  []CodeRequest
	shellReqs []ShellRequest
}

func (s *fakeSandbox) take() (SandboxResult, error) {
	if s.err != nil {
		return SandboxResult{}, s.err
	}
	if len(s.results) == 0 {
		return SandboxResult{Success: true, Stdout: "ok"}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func (s *fakeSandbox) RunCode(_ context.Context, req CodeRequest) (SandboxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeReqs = append(s.codeReqs, req)
	return s.take()
}

func (s *fakeSandbox) RunShell(_ context.Context, req ShellRequest) (SandboxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shellReqs = append(s.shellReqs, req)
	return s.take()
}

// fakeMemory records every memory port operation in-process.
type fakeMemory struct {
	mu          sync.Mutex
	stored      map[string]string
	reflections map[string]string
	canvases    map[string]string
	skills      []Skill
	persona     string
	learnings   []string
	err         error
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		stored:      make(map[string]string),
		reflections: make(map[string]string),
		canvases:    make(map[string]string),
	}
}

func (m *fakeMemory) Store(_ context.Context, key string, value any, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.stored[key] = fmt.Sprint(value)
	return nil
}

func (m *fakeMemory) StoreReflection(_ context.Context, taskID, reflection string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reflections[taskID] = reflection
	return nil
}

func (m *fakeMemory) GetLearnings(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.learnings...), m.err
}

func (m *fakeMemory) WriteCanvas(_ context.Context, slug, _, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.canvases[slug] = content
	return nil
}

func (m *fakeMemory) UpdatePersona(_ context.Context, systemPrompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.persona = systemPrompt
	return nil
}

func (m *fakeMemory) GetPersona(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persona, m.err
}

func (m *fakeMemory) StoreSkill(_ context.Context, name, content, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.skills = append(m.skills, Skill{Name: name, Content: content, Description: description})
	return nil
}

func (m *fakeMemory) ListSkills(context.Context) ([]Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Skill(nil), m.skills...), m.err
}

// fakeRepo records VCS calls and serves configurable failures.
type fakeRepo struct {
	mu            sync.Mutex
	branches      []string
	deleted       []string
	merges        []string
	pushed        map[string]string
	commitsBehind int

	createErr error
	pushErr   error
	mergeErr  error
	behindErr error
}

func (r *fakeRepo) EnsureRepo(context.Context) error { return nil }

func (r *fakeRepo) ReadFile(context.Context, string, string) (string, string, error) {
	return "", "", errNotFoundStub
}

func (r *fakeRepo) PutFile(context.Context, string, string, string, string, string) error {
	return nil
}

func (r *fakeRepo) CreateBranch(_ context.Context, name, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.branches = append(r.branches, name)
	return nil
}

func (r *fakeRepo) Merge(_ context.Context, head, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mergeErr != nil {
		return r.mergeErr
	}
	r.merges = append(r.merges, head)
	return nil
}

func (r *fakeRepo) DeleteBranch(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, name)
	return nil
}

func (r *fakeRepo) PushFiles(_ context.Context, files map[string]string, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushErr != nil {
		return r.pushErr
	}
	if r.pushed == nil {
		r.pushed = make(map[string]string)
	}
	for p, c := range files {
		r.pushed[p] = c
	}
	return nil
}

func (r *fakeRepo) CommitsBehind(context.Context, string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitsBehind, r.behindErr
}

// errNotFoundStub stands in for a missing remote file in tests.
var errNotFoundStub = fmt.Errorf("not found")

// fakeFrontend collects outbound chat messages.
type fakeFrontend struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeFrontend) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeFrontend) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeSkills is a static skill source.
type fakeSkills struct {
	summary  string
	relevant string

	mu       sync.Mutex
	refreshN int
}

func (s *fakeSkills) Summary() string             { return s.summary }
func (s *fakeSkills) Relevant(_, _ string) string { return s.relevant }

func (s *fakeSkills) Refresh(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshN++
	return 0, nil
}
