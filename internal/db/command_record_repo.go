package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/recipeterm/internal/shell"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type CommandRecordRepo struct {
	db *sql.DB
}

func NewCommandRecordRepo(db *sql.DB) *CommandRecordRepo {
	return &CommandRecordRepo{db: db}
}

func (r *CommandRecordRepo) Create(ctx context.Context, rec *CommandRecord) error {
	if rec == nil {
		return fmt.Errorf("command record is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("command record session id is required")
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = nowUTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.CompletedAt
	}
	if strings.TrimSpace(rec.Status) == "" {
		rec.Status = string(shell.StatusCompleted)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO command_records (
	id, session_id, seq, command, output, status, success, exit_code, cwd, error, started_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.SessionID,
		rec.Seq,
		rec.Command,
		rec.Output,
		rec.Status,
		rec.Success,
		nullInt(rec.ExitCode),
		nullIfEmpty(rec.Cwd),
		rec.Error,
		formatTimestamp(rec.StartedAt),
		formatTimestamp(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create command record: %w", err)
	}
	return nil
}

func (r *CommandRecordRepo) Get(ctx context.Context, id string) (*CommandRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, session_id, seq, command, output, status, success, exit_code, cwd, error, started_at, completed_at
FROM command_records
WHERE id = ?
`, id)
	rec, err := scanCommandRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get command record %q: %w", id, err)
	}
	return rec, nil
}

// List returns the most recent records first.
func (r *CommandRecordRepo) List(ctx context.Context, filter CommandRecordFilter) ([]*CommandRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `
SELECT id, session_id, seq, command, output, status, success, exit_code, cwd, error, started_at, completed_at
FROM command_records`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY rowid DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list command records: %w", err)
	}
	defer rows.Close()

	out := make([]*CommandRecord, 0, limit)
	for rows.Next() {
		rec, err := scanCommandRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating command records: %w", err)
	}
	return out, nil
}

// ListRecent returns up to limit records across all sessions, newest first.
func (r *CommandRecordRepo) ListRecent(ctx context.Context, limit int) ([]*CommandRecord, error) {
	return r.List(ctx, CommandRecordFilter{Limit: limit})
}

// Observer persists every completion record of one shell session. Storage
// errors are logged; they never interrupt the queue.
func (r *CommandRecordRepo) Observer(sessionID string) shell.RecordObserver {
	return func(ctx context.Context, rec shell.Record) {
		row := FromShellRecord(sessionID, rec)
		if err := r.Create(context.WithoutCancel(ctx), row); err != nil {
			slog.Error("failed to persist command record", "command", rec.Command, "error", err)
		}
	}
}

func FromShellRecord(sessionID string, rec shell.Record) *CommandRecord {
	return &CommandRecord{
		ID:          rec.ID,
		SessionID:   sessionID,
		Seq:         rec.Seq,
		Command:     rec.Command,
		Output:      rec.Output,
		Status:      string(rec.Status),
		Success:     rec.Success,
		ExitCode:    rec.ExitCode,
		Cwd:         rec.Cwd,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandRecord(row rowScanner) (*CommandRecord, error) {
	var rec CommandRecord
	var exitCode sql.NullInt64
	var cwd sql.NullString
	var startedAtRaw, completedAtRaw string
	if err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Seq,
		&rec.Command,
		&rec.Output,
		&rec.Status,
		&rec.Success,
		&exitCode,
		&cwd,
		&rec.Error,
		&startedAtRaw,
		&completedAtRaw,
	); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.Cwd = cwd.String

	var err error
	if rec.StartedAt, err = parseTimestamp(startedAtRaw); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimestamp(completedAtRaw); err != nil {
		return nil, err
	}
	return &rec, nil
}
