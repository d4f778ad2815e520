// Package sqlite implements cradle.AuditLog using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenthatchery/cradle"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cradle.AuditLog backed by a local SQLite file. Every
// provider attempt becomes one row; Report aggregates them in SQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ cradle.AuditLog = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: audit store opened", "path", dbPath)
	return s
}

// Init creates the audit table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS llm_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create llm_audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_llm_audit_provider ON llm_audit(provider)`)
	if err != nil {
		return fmt.Errorf("sqlite: create audit index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one provider attempt.
func (s *Store) Record(ctx context.Context, e cradle.AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_audit
		(provider, model, success, latency_ms, input_tokens, output_tokens, cost_usd, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Provider, e.Model, boolToInt(e.Success), e.LatencyMS,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.Error, at.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: record audit entry: %w", err)
	}
	s.logger.Debug("sqlite: audit entry recorded",
		"provider", e.Provider, "success", e.Success, "latency_ms", e.LatencyMS)
	return nil
}

// Report aggregates all recorded attempts into the provider performance
// report.
func (s *Store) Report(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, COUNT(*),
		COALESCE(SUM(success), 0), COALESCE(AVG(latency_ms), 0),
		COALESCE(SUM(cost_usd), 0)
		FROM llm_audit GROUP BY provider`)
	if err != nil {
		return "", fmt.Errorf("sqlite: aggregate audit: %w", err)
	}
	defer rows.Close()

	byProvider := map[string]*cradle.ProviderAuditStats{}
	var order []string
	for rows.Next() {
		st := &cradle.ProviderAuditStats{}
		if err := rows.Scan(&st.Provider, &st.TotalCalls, &st.Successes,
			&st.AvgLatencyMS, &st.TotalCostUSD); err != nil {
			return "", fmt.Errorf("sqlite: scan audit aggregate: %w", err)
		}
		byProvider[st.Provider] = st
		order = append(order, st.Provider)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("sqlite: read audit aggregates: %w", err)
	}

	errRows, err := s.db.QueryContext(ctx, `SELECT provider, error, COUNT(*) AS n
		FROM llm_audit WHERE success = 0 AND error != ''
		GROUP BY provider, error ORDER BY n DESC`)
	if err != nil {
		return "", fmt.Errorf("sqlite: aggregate audit errors: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var provider, errText string
		var n int
		if err := errRows.Scan(&provider, &errText, &n); err != nil {
			return "", fmt.Errorf("sqlite: scan audit error: %w", err)
		}
		st, ok := byProvider[provider]
		if !ok || len(st.TopErrors) >= 3 {
			continue
		}
		if st.TopErrors == nil {
			st.TopErrors = map[string]int{}
		}
		st.TopErrors[errText] = n
	}
	if err := errRows.Err(); err != nil {
		return "", fmt.Errorf("sqlite: read audit errors: %w", err)
	}

	stats := make([]cradle.ProviderAuditStats, 0, len(order))
	for _, p := range order {
		stats = append(stats, *byProvider[p])
	}
	return cradle.FormatAuditReport(stats, s.now()), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
