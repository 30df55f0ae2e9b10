package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brandvoice/contentops/internal/models"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS ai_usage (
	id                VARCHAR(36) PRIMARY KEY,
	model             VARCHAR(128) NOT NULL,
	feature           VARCHAR(128) NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	cost_usd          DOUBLE PRECISION NOT NULL,
	user_id           VARCHAR(255),
	created_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_created_at ON ai_usage(created_at);
CREATE INDEX IF NOT EXISTS idx_ai_usage_user_id ON ai_usage(user_id);
`

// UsageStore persists metered AI calls in a SQL table.
type UsageStore struct {
	db     *sql.DB
	driver string
}

// OpenUsageStore opens the database for driver and migrates the schema.
// For sqlite the DSN is a file path whose directory is created on demand.
func OpenUsageStore(driver, dsn string) (*UsageStore, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") && dsn != ":memory:" {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store, err := NewUsageStore(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewUsageStore wraps an open database and migrates the schema.
func NewUsageStore(db *sql.DB, driver string) (*UsageStore, error) {
	s := &UsageStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *UsageStore) migrate() error {
	_, err := s.db.Exec(usageSchema)
	return err
}

// Close closes the database.
func (s *UsageStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveUsage inserts one usage record.
func (s *UsageStore) SaveUsage(ctx context.Context, rec *models.UsageRecord) error {
	var userID sql.NullString
	if rec.UserID != "" {
		userID = sql.NullString{String: rec.UserID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ai_usage (id, model, feature, prompt_tokens, completion_tokens, total_tokens, cost_usd, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Model, rec.Feature, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.CostUSD, userID, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *UsageStore) Recent(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, model, feature, prompt_tokens, completion_tokens, total_tokens, cost_usd, user_id, created_at
		FROM ai_usage ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	out := []models.UsageRecord{}
	for rows.Next() {
		var rec models.UsageRecord
		var userID sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Model, &rec.Feature, &rec.PromptTokens, &rec.CompletionTokens,
			&rec.TotalTokens, &rec.CostUSD, &userID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		rec.UserID = userID.String
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates usage since the given time by UTC day, model and feature.
func (s *UsageStore) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	query := fmt.Sprintf(`
		SELECT %s AS day, model, feature, COUNT(*),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0.0)
		FROM ai_usage
		WHERE created_at >= ?
		GROUP BY day, model, feature
		ORDER BY day DESC, model, feature`, s.dayExpr())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	out := []models.UsageSummary{}
	for rows.Next() {
		var row models.UsageSummary
		if err := rows.Scan(&row.Day, &row.Model, &row.Feature, &row.Requests,
			&row.PromptTokens, &row.CompletionTokens, &row.TotalTokens, &row.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Totals aggregates all usage since the given time.
func (s *UsageStore) Totals(ctx context.Context, since time.Time) (models.UsageTotals, error) {
	var t models.UsageTotals
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0.0)
		FROM ai_usage WHERE created_at >= ?`), since.UnixMilli()).
		Scan(&t.Requests, &t.TotalTokens, &t.CostUSD)
	if err != nil {
		return models.UsageTotals{}, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return t, nil
}

// DeleteBefore removes records created before t.
func (s *UsageStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ai_usage WHERE created_at < ?`), t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return res.RowsAffected()
}

func (s *UsageStore) dayExpr() string {
	if s.driver == DriverPostgres {
		return "to_char(to_timestamp(created_at / 1000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	}
	return "date(created_at / 1000, 'unixepoch')"
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *UsageStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
