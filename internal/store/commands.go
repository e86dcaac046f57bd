// ABOUTME: SQLite persistence for commands issued to agents
// ABOUTME: Implements the compare-and-set pending -> terminal transition and newest-first listings

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const commandColumns = `id, agent_id, text, status, result, created_at, completed_at`

// CreateCommand inserts a new command.
// Returns ErrNotFound if the referenced agent doesn't exist.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if cmd.Status == "" {
		cmd.Status = CommandPending
	}

	var result, completedAt sql.NullString
	if cmd.Result != nil {
		result = sql.NullString{String: *cmd.Result, Valid: true}
	}
	if cmd.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*cmd.CompletedAt), Valid: true}
	}

	query := `
		INSERT INTO commands (` + commandColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.AgentID,
		cmd.Text,
		string(cmd.Status),
		result,
		formatTime(cmd.CreatedAt),
		completedAt,
	)
	if isForeignKeyError(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("created command", "id", cmd.ID, "agent_id", cmd.AgentID)
	return nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = ?`

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// CompleteCommand records the outcome of a pending command.
// The UPDATE is conditional on status = 'pending' so exactly one caller wins.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, id string, status CommandStatus, result string, at time.Time) (*Command, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completing command with non-terminal status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), result, formatTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("completing command: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	cmd, err := scanCommand(tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}

	if n == 0 {
		return nil, ErrNotPending
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing command result: %w", err)
	}

	s.logger.Debug("completed command", "id", id, "status", status)
	return cmd, nil
}

// ListPendingCommands returns pending commands for an agent, newest first.
// A non-positive limit returns every pending command.
func (s *SQLiteStore) ListPendingCommands(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE agent_id = ? AND status = 'pending'
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	return s.queryCommands(ctx, query, agentID, sqlLimit(limit))
}

// ListCommands returns an agent's commands in any status, newest first.
// A non-positive limit returns every command.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	return s.queryCommands(ctx, query, agentID, sqlLimit(limit))
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return cmds, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	var status, createdAtStr string
	var result, completedAtStr sql.NullString

	if err := row.Scan(
		&cmd.ID,
		&cmd.AgentID,
		&cmd.Text,
		&status,
		&result,
		&createdAtStr,
		&completedAtStr,
	); err != nil {
		return nil, err
	}

	cmd.Status = CommandStatus(status)
	if result.Valid {
		r := result.String
		cmd.Result = &r
	}

	var err error
	cmd.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAtStr.Valid {
		t, err := parseTime(completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		cmd.CompletedAt = &t
	}

	return &cmd, nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
