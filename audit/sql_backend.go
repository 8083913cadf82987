package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const violationsTable = "rate_limit_violations"

// schema per dialect. Statements are run one at a time since MySQL rejects
// multi-statement Exec without extra DSN flags.
var schemas = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS rate_limit_violations (
    id VARCHAR(36) PRIMARY KEY,
    timestamp TIMESTAMPTZ NOT NULL,
    identifier VARCHAR(255) NOT NULL,
    endpoint_key VARCHAR(255) NOT NULL,
    rule_name VARCHAR(255) NOT NULL,
    limit_tokens BIGINT NOT NULL,
    window_seconds BIGINT NOT NULL,
    violation_count INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_violations_timestamp ON rate_limit_violations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_violations_identifier ON rate_limit_violations(identifier, endpoint_key)`,
	},
	"mysql": {
		"CREATE TABLE IF NOT EXISTS rate_limit_violations (\n" +
			"    id VARCHAR(36) PRIMARY KEY,\n" +
			"    `timestamp` DATETIME(6) NOT NULL,\n" +
			"    identifier VARCHAR(255) NOT NULL,\n" +
			"    endpoint_key VARCHAR(255) NOT NULL,\n" +
			"    rule_name VARCHAR(255) NOT NULL,\n" +
			"    limit_tokens BIGINT NOT NULL,\n" +
			"    window_seconds BIGINT NOT NULL,\n" +
			"    violation_count INT NOT NULL DEFAULT 1,\n" +
			"    created_at DATETIME(6) NOT NULL,\n" +
			"    INDEX idx_rate_limit_violations_timestamp (`timestamp`),\n" +
			"    INDEX idx_rate_limit_violations_identifier (identifier, endpoint_key)\n" +
			")",
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS rate_limit_violations (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    identifier TEXT NOT NULL,
    endpoint_key TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    limit_tokens INTEGER NOT NULL,
    window_seconds INTEGER NOT NULL,
    violation_count INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_violations_timestamp ON rate_limit_violations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_violations_identifier ON rate_limit_violations(identifier, endpoint_key)`,
	},
}

// SQLBackend stores one row per violation in a SQL database.
// It supports Postgres, MySQL, and SQLite.
type SQLBackend struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLBackend creates the backend and bootstraps its table.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect string) (*SQLBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	stmts, ok := schemas[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", violationsTable, err)
		}
	}
	return &SQLBackend{db: db, dialect: dialect, now: time.Now}, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (b *SQLBackend) rebind(query string) string {
	if b.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// tsColumn quotes the timestamp column where it is a reserved word.
func (b *SQLBackend) tsColumn() string {
	if b.dialect == "mysql" {
		return "`timestamp`"
	}
	return "timestamp"
}

// LogViolation implements Backend.
func (b *SQLBackend) LogViolation(ctx context.Context, v Violation) {
	r := NewRecord(v, b.now())
	if err := b.WriteRecord(ctx, r); err != nil {
		log.Error().Err(err).Str("identifier", r.Identifier).Str("endpoint", r.EndpointKey).Str("rule", r.RuleName).Msg("failed to store rate limit violation")
	}
}

// WriteRecord implements Writer.
func (b *SQLBackend) WriteRecord(ctx context.Context, r Record) error {
	query := b.rebind(`INSERT INTO rate_limit_violations
        (id, ` + b.tsColumn() + `, identifier, endpoint_key, rule_name, limit_tokens, window_seconds, violation_count, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := b.db.ExecContext(ctx, query,
		r.ID, r.Timestamp.UTC(), r.Identifier, r.EndpointKey, r.RuleName,
		int64(r.Limit), r.WindowSeconds, r.ViolationCount, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert violation %s: %w", r.ID, err)
	}
	return nil
}

// Summary aggregates the violations of one caller on one endpoint.
type Summary struct {
	Identifier  string
	EndpointKey string
	Records     int64
	Violations  int64
}

// Summarize returns per caller and endpoint totals for violations at or after
// since, most violations first.
func (b *SQLBackend) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	query := b.rebind(`SELECT identifier, endpoint_key, COUNT(*), SUM(violation_count)
        FROM rate_limit_violations
        WHERE ` + b.tsColumn() + ` >= ?
        GROUP BY identifier, endpoint_key
        ORDER BY SUM(violation_count) DESC, identifier, endpoint_key`)

	rows, err := b.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize violations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Identifier, &s.EndpointKey, &s.Records, &s.Violations); err != nil {
			return nil, fmt.Errorf("failed to scan violation summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read violation summary: %w", err)
	}
	return out, nil
}

// Purge deletes violations older than before and returns how many were removed.
func (b *SQLBackend) Purge(ctx context.Context, before time.Time) (int64, error) {
	query := b.rebind(`DELETE FROM rate_limit_violations WHERE ` + b.tsColumn() + ` < ?`)
	res, err := b.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge violations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
