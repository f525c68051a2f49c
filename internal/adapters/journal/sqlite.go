// Package journal persists call outcomes: missed-call entries for the
// portal's conversation log and call records for the history screen.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/carelink/televisit/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS missed_calls (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	from_user_id TEXT NOT NULL,
	to_user_id   TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT 'missed-call',
	occurred_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_missed_calls_to ON missed_calls(to_user_id, occurred_at);

CREATE TABLE IF NOT EXISTS call_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id      TEXT NOT NULL,
	caller_id    TEXT NOT NULL,
	callee_id    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	connected_at TIMESTAMP,
	ended_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_caller ON call_records(caller_id, ended_at);
CREATE INDEX IF NOT EXISTS idx_call_records_callee ON call_records(callee_id, ended_at);
`

// SQLite implements core.CallJournal over a local database file.
// *sql.DB is the connection pool; safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func (j *SQLite) ReportMissed(ctx context.Context, report domain.MissedCall) error {
	query := `
		INSERT INTO missed_calls (from_user_id, to_user_id, kind, occurred_at)
		VALUES (?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		string(report.FromUserID),
		string(report.ToUserID),
		report.Kind,
		report.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert missed call: %w", err)
	}
	return nil
}

func (j *SQLite) RecordOutcome(ctx context.Context, rec domain.CallRecord) error {
	query := `
		INSERT INTO call_records (call_id, caller_id, callee_id, outcome, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var connected any
	if !rec.ConnectedAt.IsZero() {
		connected = rec.ConnectedAt
	}

	_, err := j.db.ExecContext(ctx, query,
		string(rec.CallID),
		string(rec.CallerID),
		string(rec.CalleeID),
		string(rec.Outcome),
		rec.StartedAt,
		connected,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// History returns the most recent call records the user took part in, on
// either side, newest first.
func (j *SQLite) History(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT call_id, caller_id, callee_id, outcome, started_at, connected_at, ended_at
		FROM call_records
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY ended_at DESC
		LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, string(user), string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CallRecord, 0, limit)
	for rows.Next() {
		var rec domain.CallRecord
		var connected sql.NullTime
		if err := rows.Scan(
			&rec.CallID, &rec.CallerID, &rec.CalleeID, &rec.Outcome,
			&rec.StartedAt, &connected, &rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if connected.Valid {
			rec.ConnectedAt = connected.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MissedFor returns the user's unanswered calls, newest first.
func (j *SQLite) MissedFor(ctx context.Context, user domain.UserID, limit int) ([]domain.MissedCall, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT from_user_id, to_user_id, kind, occurred_at
		FROM missed_calls
		WHERE to_user_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("query missed calls: %w", err)
	}
	defer rows.Close()

	out := make([]domain.MissedCall, 0, limit)
	for rows.Next() {
		var mc domain.MissedCall
		var occurred time.Time
		if err := rows.Scan(&mc.FromUserID, &mc.ToUserID, &mc.Kind, &occurred); err != nil {
			return nil, fmt.Errorf("scan missed call: %w", err)
		}
		mc.Timestamp = occurred
		out = append(out, mc)
	}
	return out, rows.Err()
}
