package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenthatchery/cradle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "audit.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestReportEmpty(t *testing.T) {
	s := newTestStore(t)
	report, err := s.Report(context.Background())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(report, "No audit data found yet.") {
		t.Errorf("empty report missing placeholder, got:\n%s", report)
	}
}

func TestRecordAndReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []cradle.AuditEntry{
		{Provider: "gemini", Model: "gemini-3.1-pro", Success: true, LatencyMS: 100, CostUSD: 0.001},
		{Provider: "gemini", Model: "gemini-3.1-pro", Success: true, LatencyMS: 300, CostUSD: 0.002},
		{Provider: "groq", Model: "llama-3.3-70b-versatile", Success: true, LatencyMS: 50},
		{Provider: "groq", Model: "llama-3.3-70b-versatile", Success: false, LatencyMS: 50, Error: "HTTP 429"},
		{Provider: "groq", Model: "llama-3.3-70b-versatile", Success: false, LatencyMS: 50, Error: "HTTP 429"},
		{Provider: "groq", Model: "llama-3.3-70b-versatile", Success: false, LatencyMS: 50, Error: "timeout"},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	report, err := s.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	for _, want := range []string{
		"📈 LLM Provider Performance Audit Report",
		"[GEMINI]",
		"  - Success Rate: 100.00%",
		"  - Avg Latency: 200.00ms",
		"  - Total Cost:  $0.0030",
		"[GROQ]",
		"  - Success Rate: 25.00%",
		"HTTP 429:2",
		"'gemini' is performing best",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q, got:\n%s", want, report)
		}
	}
	// gemini (100%) must rank above groq (25%).
	if strings.Index(report, "[GEMINI]") > strings.Index(report, "[GROQ]") {
		t.Errorf("providers not ordered best-first:\n%s", report)
	}
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Record(context.Background(), cradle.AuditEntry{Provider: "gemini", Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var at int64
	if err := s.db.QueryRow(`SELECT at FROM llm_audit`).Scan(&at); err != nil {
		t.Fatalf("query at: %v", err)
	}
	if at != fixed.Unix() {
		t.Errorf("at = %d, want %d", at, fixed.Unix())
	}
}
