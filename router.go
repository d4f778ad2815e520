package cradle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// maxConsecutiveFailures is the failure count that demotes a provider.
	maxConsecutiveFailures = 3
	// demotionCooldown is how long a demoted provider is skipped.
	demotionCooldown = 300 * time.Second

	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

// RoutedProvider pairs a Provider with its routing descriptor. Immutable
// after construction.
type RoutedProvider struct {
	Client    Provider
	Priority  int // lower = preferred
	MaxRPM    int
	CostPer1K float64
}

// UsageStats tracks cumulative usage across all providers. Process-lifetime
// only, never persisted.
type UsageStats struct {
	TotalCalls        int
	TotalInputTokens  int
	TotalOutputTokens int
	TotalCostUSD      float64
	CallsByProvider   map[string]int
	ErrorsByProvider  map[string]int
}

// providerHealth tracks demotion and rate-limit state for one provider.
type providerHealth struct {
	consecutiveFailures int
	demotedUntil        time.Time
	// window holds request timestamps inside the last minute; its length
	// is the requests spent against the provider's RPM budget.
	window []time.Time
}

// CompleteRequest carries one router call. Zero Temperature and MaxTokens
// take the defaults (0.7, 4096).
type CompleteRequest struct {
	Prompt      string
	System      string
	Preferred   string // provider name to move to the front
	Temperature float64
	MaxTokens   int
}

// Router routes completion calls through prioritized providers with
// automatic failover and consecutive-failure demotion.
type Router struct {
	providers []RoutedProvider // sorted by priority at construction

	mu     sync.Mutex
	stats  UsageStats
	health map[string]*providerHealth

	audit  AuditLog // optional, best-effort
	logger *slog.Logger
	now    func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterLogger sets the structured logger for routing events.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// RouterAudit attaches an audit log that records every provider attempt.
// Record failures are logged and ignored.
func RouterAudit(a AuditLog) RouterOption {
	return func(r *Router) { r.audit = a }
}

// NewRouter creates a Router over the given providers. The slice is copied
// and sorted by priority.
func NewRouter(providers []RoutedProvider, opts ...RouterOption) *Router {
	sorted := make([]RoutedProvider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	r := &Router{
		providers: sorted,
		stats: UsageStats{
			CallsByProvider:  make(map[string]int),
			ErrorsByProvider: make(map[string]int),
		},
		health: make(map[string]*providerHealth),
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete sends a completion request, falling through providers on failure.
// Providers are tried in priority order; a preferred provider is stably
// moved to the front; demoted providers are skipped. Failover is the only
// retry — no retries happen inside a single provider attempt.
func (r *Router) Complete(ctx context.Context, req CompleteRequest) (Completion, error) {
	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	order := r.attemptOrder(req.Preferred)

	var lastErr error
	var tried []string
	for _, p := range order {
		name := p.Client.Name()
		if until, demoted := r.demotedUntil(name); demoted {
			r.logger.Debug("skipping demoted provider",
				"provider", name,
				"cooldown_s", int(time.Until(until).Seconds()))
			continue
		}
		if !r.admit(name, p.MaxRPM) {
			r.logger.Debug("skipping rate-limited provider",
				"provider", name, "max_rpm", p.MaxRPM)
			continue
		}
		tried = append(tried, name)

		t0 := r.now()
		resp, err := p.Client.Complete(ctx, req.Prompt, req.System, req.Temperature, req.MaxTokens)
		latency := r.now().Sub(t0).Milliseconds()

		if err != nil {
			lastErr = err
			r.recordFailure(name)
			r.recordAudit(ctx, AuditEntry{
				Provider:  name,
				Model:     p.Client.Model(),
				LatencyMS: latency,
				Error:     err.Error(),
				At:        r.now(),
			})
			r.logger.Warn("provider failed, trying next",
				"provider", name, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		resp.LatencyMS = latency
		resp.CostUSD = float64(resp.InputTokens+resp.OutputTokens) / 1000 * p.CostPer1K
		r.recordSuccess(name, resp)
		r.recordAudit(ctx, AuditEntry{
			Provider:     name,
			Model:        resp.Model,
			Success:      true,
			LatencyMS:    latency,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      resp.CostUSD,
			At:           r.now(),
		})
		r.logger.Info("llm call",
			"provider", name,
			"model", resp.Model,
			"tokens_in", resp.InputTokens,
			"tokens_out", resp.OutputTokens,
			"latency_ms", resp.LatencyMS,
			"cost_usd", resp.CostUSD)
		return resp, nil
	}

	return Completion{}, &ErrAllProviders{Tried: tried, Last: lastErr}
}

// attemptOrder snapshots the provider list, stably moving the preferred
// provider (if any) to the front.
func (r *Router) attemptOrder(preferred string) []RoutedProvider {
	order := make([]RoutedProvider, len(r.providers))
	copy(order, r.providers)
	if preferred == "" {
		return order
	}
	sort.SliceStable(order, func(i, j int) bool {
		pi, pj := order[i].Client.Name() == preferred, order[j].Client.Name() == preferred
		if pi != pj {
			return pi
		}
		return false
	})
	return order
}

func (r *Router) demotedUntil(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[name]
	if !ok {
		return time.Time{}, false
	}
	if h.demotedUntil.After(r.now()) {
		return h.demotedUntil, true
	}
	return time.Time{}, false
}

// admit reserves a slot in the provider's sliding one-minute window,
// reporting false when the per-minute budget is already spent. Failover
// handles a denied provider; the router never blocks waiting for budget.
func (r *Router) admit(name string, maxRPM int) bool {
	if maxRPM <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthFor(name)
	cutoff := r.now().Add(-time.Minute)
	keep := h.window[:0]
	for _, at := range h.window {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	h.window = keep
	if len(h.window) >= maxRPM {
		return false
	}
	h.window = append(h.window, r.now())
	return true
}

// healthFor returns the health record for name, creating it on first use.
// Callers hold r.mu.
func (r *Router) healthFor(name string) *providerHealth {
	h, ok := r.health[name]
	if !ok {
		h = &providerHealth{}
		r.health[name] = h
	}
	return h
}

func (r *Router) recordSuccess(name string, resp Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalCalls++
	r.stats.TotalInputTokens += resp.InputTokens
	r.stats.TotalOutputTokens += resp.OutputTokens
	r.stats.TotalCostUSD += resp.CostUSD
	r.stats.CallsByProvider[name]++
	if h, ok := r.health[name]; ok {
		h.consecutiveFailures = 0
	}
}

func (r *Router) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ErrorsByProvider[name]++
	h := r.healthFor(name)
	h.consecutiveFailures++
	if h.consecutiveFailures >= maxConsecutiveFailures {
		h.demotedUntil = r.now().Add(demotionCooldown)
		r.logger.Warn("provider demoted",
			"provider", name,
			"cooldown_s", int(demotionCooldown.Seconds()),
			"consecutive_failures", h.consecutiveFailures)
	}
}

func (r *Router) recordAudit(ctx context.Context, e AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, e); err != nil {
		r.logger.Warn("audit record failed", "error", err)
	}
}

// Stats returns a copy of the cumulative usage stats.
func (r *Router) Stats() UsageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.CallsByProvider = make(map[string]int, len(r.stats.CallsByProvider))
	for k, v := range r.stats.CallsByProvider {
		out.CallsByProvider[k] = v
	}
	out.ErrorsByProvider = make(map[string]int, len(r.stats.ErrorsByProvider))
	for k, v := range r.stats.ErrorsByProvider {
		out.ErrorsByProvider[k] = v
	}
	return out
}

// StatsSummary returns a human-readable usage summary for the /cost command.
func (r *Router) StatsSummary() string {
	s := r.Stats()
	var b strings.Builder
	b.WriteString("📊 LLM Usage Stats:\n")
	fmt.Fprintf(&b, "  Total calls: %d\n", s.TotalCalls)
	fmt.Fprintf(&b, "  Total tokens: %d in + %d out\n", s.TotalInputTokens, s.TotalOutputTokens)
	fmt.Fprintf(&b, "  Total cost: $%.4f\n", s.TotalCostUSD)
	fmt.Fprintf(&b, "  By provider: %v", formatCounts(s.CallsByProvider))
	if len(s.ErrorsByProvider) > 0 {
		fmt.Fprintf(&b, "\n  Errors: %v", formatCounts(s.ErrorsByProvider))
	}
	return b.String()
}

// formatCounts renders a count map with deterministic key order.
func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, m[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
