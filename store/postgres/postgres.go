// Package postgres implements cradle.AuditLog using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthatchery/cradle"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements cradle.AuditLog backed by PostgreSQL. Every provider
// attempt becomes one row; Report aggregates them in SQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

var _ cradle.AuditLog = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the audit table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS llm_audit (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		latency_ms BIGINT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("postgres: create llm_audit: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_llm_audit_provider ON llm_audit(provider)`)
	if err != nil {
		return fmt.Errorf("postgres: create audit index: %w", err)
	}
	return nil
}

// Record persists one provider attempt.
func (s *Store) Record(ctx context.Context, e cradle.AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO llm_audit
		(provider, model, success, latency_ms, input_tokens, output_tokens, cost_usd, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Provider, e.Model, e.Success, e.LatencyMS,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.Error, at)
	if err != nil {
		return fmt.Errorf("postgres: record audit entry: %w", err)
	}
	s.logger.Debug("postgres: audit entry recorded",
		"provider", e.Provider, "success", e.Success, "latency_ms", e.LatencyMS)
	return nil
}

// Report aggregates all recorded attempts into the provider performance
// report.
func (s *Store) Report(ctx context.Context) (string, error) {
	rows, err := s.pool.Query(ctx, `SELECT provider, COUNT(*),
		COUNT(*) FILTER (WHERE success), COALESCE(AVG(latency_ms), 0),
		COALESCE(SUM(cost_usd), 0)
		FROM llm_audit GROUP BY provider`)
	if err != nil {
		return "", fmt.Errorf("postgres: aggregate audit: %w", err)
	}
	defer rows.Close()

	byProvider := map[string]*cradle.ProviderAuditStats{}
	var order []string
	for rows.Next() {
		st := &cradle.ProviderAuditStats{}
		var total, successes int64
		if err := rows.Scan(&st.Provider, &total, &successes,
			&st.AvgLatencyMS, &st.TotalCostUSD); err != nil {
			return "", fmt.Errorf("postgres: scan audit aggregate: %w", err)
		}
		st.TotalCalls = int(total)
		st.Successes = int(successes)
		byProvider[st.Provider] = st
		order = append(order, st.Provider)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("postgres: read audit aggregates: %w", err)
	}

	errRows, err := s.pool.Query(ctx, `SELECT provider, error, COUNT(*) AS n
		FROM llm_audit WHERE NOT success AND error != ''
		GROUP BY provider, error ORDER BY n DESC`)
	if err != nil {
		return "", fmt.Errorf("postgres: aggregate audit errors: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var provider, errText string
		var n int64
		if err := errRows.Scan(&provider, &errText, &n); err != nil {
			return "", fmt.Errorf("postgres: scan audit error: %w", err)
		}
		st, ok := byProvider[provider]
		if !ok || len(st.TopErrors) >= 3 {
			continue
		}
		if st.TopErrors == nil {
			st.TopErrors = map[string]int{}
		}
		st.TopErrors[errText] = int(n)
	}
	if err := errRows.Err(); err != nil {
		return "", fmt.Errorf("postgres: read audit errors: %w", err)
	}

	stats := make([]cradle.ProviderAuditStats, 0, len(order))
	for _, p := range order {
		stats = append(stats, *byProvider[p])
	}
	return cradle.FormatAuditReport(stats, s.now()), nil
}
