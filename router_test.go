package cradle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRouterFailover(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{err: errors.New("quota")}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{content: "hello"}}}
	r := NewRouter([]RoutedProvider{
		{Client: p2, Priority: 2},
		{Client: p1, Priority: 1},
	})

	resp, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "groq" || resp.Content != "hello" {
		t.Errorf("got %q from %q, want hello from groq", resp.Content, resp.Provider)
	}
	if p1.callCount() != 1 {
		t.Errorf("priority-1 provider called %d times, want 1", p1.callCount())
	}

	stats := r.Stats()
	if stats.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1", stats.TotalCalls)
	}
	if stats.ErrorsByProvider["gemini"] != 1 {
		t.Errorf("ErrorsByProvider[gemini] = %d, want 1", stats.ErrorsByProvider["gemini"])
	}
	if stats.CallsByProvider["groq"] != 1 {
		t.Errorf("CallsByProvider[groq] = %d, want 1", stats.CallsByProvider["groq"])
	}
}

func TestRouterPreferredFirst(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{content: "from gemini"}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{content: "from groq"}}}
	r := NewRouter([]RoutedProvider{
		{Client: p1, Priority: 1},
		{Client: p2, Priority: 3},
	})

	resp, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi", Preferred: "groq"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "groq" {
		t.Errorf("preferred provider not used, got %q", resp.Provider)
	}
	if p1.callCount() != 0 {
		t.Errorf("non-preferred provider called %d times, want 0", p1.callCount())
	}
}

func TestRouterDemotionAndCooldown(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{err: errors.New("down")}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{content: "ok"}}}
	r := NewRouter([]RoutedProvider{
		{Client: p1, Priority: 1},
		{Client: p2, Priority: 2},
	})
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	// Three consecutive failures demote the provider.
	for i := 0; i < 3; i++ {
		if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
	if p1.callCount() != 3 {
		t.Fatalf("failing provider called %d times, want 3", p1.callCount())
	}

	// While demoted it is skipped entirely.
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete during demotion: %v", err)
	}
	if p1.callCount() != 3 {
		t.Errorf("demoted provider called %d times, want still 3", p1.callCount())
	}

	// After the cooldown it is tried again.
	clock = clock.Add(demotionCooldown + time.Second)
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete after cooldown: %v", err)
	}
	if p1.callCount() != 4 {
		t.Errorf("provider called %d times after cooldown, want 4", p1.callCount())
	}
}

func TestRouterRateLimitFailsOver(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{content: "from gemini"}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{content: "from groq"}}}
	r := NewRouter([]RoutedProvider{
		{Client: p1, Priority: 1, MaxRPM: 2},
		{Client: p2, Priority: 2},
	})

	// The first two calls fit gemini's per-minute budget.
	for i := 0; i < 2; i++ {
		resp, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
		if err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
		if resp.Provider != "gemini" {
			t.Fatalf("call %d served by %q, want gemini", i, resp.Provider)
		}
	}

	// The third call in the same minute lands on the next provider.
	resp, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete over budget: %v", err)
	}
	if resp.Provider != "groq" {
		t.Errorf("over-budget call served by %q, want groq", resp.Provider)
	}
	if p1.callCount() != 2 {
		t.Errorf("rate-limited provider called %d times, want 2", p1.callCount())
	}
}

func TestRouterRateLimitWindowSlides(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{{content: "ok"}}}
	r := NewRouter([]RoutedProvider{{Client: p, Priority: 1, MaxRPM: 1}})
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Budget spent and no fallback left.
	_, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
	var allErr *ErrAllProviders
	if !errors.As(err, &allErr) {
		t.Fatalf("error = %v, want *ErrAllProviders", err)
	}
	if p.callCount() != 1 {
		t.Fatalf("provider called %d times inside the window, want 1", p.callCount())
	}

	// A minute later the window has slid and the provider admits again.
	clock = clock.Add(time.Minute + time.Second)
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete after window slide: %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("provider called %d times after window slide, want 2", p.callCount())
	}
}

func TestRouterSuccessResetsFailureCount(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{
		{err: errors.New("blip")},
		{err: errors.New("blip")},
		{content: "recovered"},
		{err: errors.New("blip")},
		{err: errors.New("blip")},
		{content: "ok"},
	}}
	r := NewRouter([]RoutedProvider{{Client: p1, Priority: 1}})

	for i := 0; i < 2; i++ {
		if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "x"}); err == nil {
			t.Fatalf("Complete %d: want error", i)
		}
	}
	// Success at the third call resets the consecutive counter; two more
	// failures must not demote.
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "x"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "x"}); err == nil {
			t.Fatalf("Complete: want error")
		}
	}
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "x"}); err != nil {
		t.Errorf("provider demoted despite interleaved success: %v", err)
	}
}

func TestRouterAllProvidersFail(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{err: errors.New("a")}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{err: errors.New("b")}}}
	r := NewRouter([]RoutedProvider{
		{Client: p1, Priority: 1},
		{Client: p2, Priority: 2},
	})

	_, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
	var allErr *ErrAllProviders
	if !errors.As(err, &allErr) {
		t.Fatalf("error = %v, want *ErrAllProviders", err)
	}
	if len(allErr.Tried) != 2 {
		t.Errorf("Tried = %v, want both providers", allErr.Tried)
	}
}

func TestRouterCost(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{{content: "x"}}}
	r := NewRouter([]RoutedProvider{{Client: p, Priority: 1, CostPer1K: 0.5}})

	resp, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// 10 in + 20 out at $0.5/1K.
	if want := 0.015; resp.CostUSD != want {
		t.Errorf("CostUSD = %f, want %f", resp.CostUSD, want)
	}
	if got := r.Stats().TotalCostUSD; got != 0.015 {
		t.Errorf("TotalCostUSD = %f, want 0.015", got)
	}
}

func TestRouterAudit(t *testing.T) {
	p1 := &scriptedProvider{name: "gemini", replies: []providerReply{{err: errors.New("down")}}}
	p2 := &scriptedProvider{name: "groq", replies: []providerReply{{content: "ok"}}}
	audit := &recordingAudit{}
	r := NewRouter([]RoutedProvider{
		{Client: p1, Priority: 1},
		{Client: p2, Priority: 2},
	}, RouterAudit(audit))

	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(audit.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audit.entries))
	}
	if audit.entries[0].Success || audit.entries[0].Provider != "gemini" {
		t.Errorf("first entry = %+v, want gemini failure", audit.entries[0])
	}
	if !audit.entries[1].Success || audit.entries[1].Provider != "groq" {
		t.Errorf("second entry = %+v, want groq success", audit.entries[1])
	}
}

type recordingAudit struct {
	entries []AuditEntry
}

func (a *recordingAudit) Record(_ context.Context, e AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) Report(context.Context) (string, error) { return "", nil }

func TestStatsSummaryFormat(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []providerReply{{content: "x"}}}
	r := NewRouter([]RoutedProvider{{Client: p, Priority: 1}})
	if _, err := r.Complete(context.Background(), CompleteRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	out := r.StatsSummary()
	for _, want := range []string{"📊 LLM Usage Stats:", "Total calls: 1", "10 in + 20 out", "{gemini:1}"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
