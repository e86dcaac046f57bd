// ABOUTME: SQLite persistence for agent records
// ABOUTME: Create, lookup, presence updates and cascading delete of agents

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts a new agent. CreatedAt and LastContact default to now when zero.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastContact.IsZero() {
		agent.LastContact = agent.CreatedAt
	}

	var tagsJSON sql.NullString
	if len(agent.Metadata.Tags) > 0 {
		b, err := json.Marshal(agent.Metadata.Tags)
		if err != nil {
			return fmt.Errorf("encoding tags: %w", err)
		}
		tagsJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO agents (id, name, os, username, hostname, ip_address, tags_json, online, last_contact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Metadata.Name,
		agent.Metadata.OS,
		agent.Metadata.Username,
		agent.Metadata.Hostname,
		agent.Metadata.IPAddress,
		tagsJSON,
		boolToInt(agent.Online),
		formatTime(agent.LastContact),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Metadata.Name)
	return nil
}

const agentColumns = `id, name, os, username, hostname, ip_address, tags_json, online, last_contact, created_at`

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by most recent contact
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY last_contact DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// TouchAgent records contact from an agent and marks it online
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = 1, last_contact = ? WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return requireRow(result)
}

// SetAgentOffline marks an agent offline without changing its last contact
func (s *SQLiteStore) SetAgentOffline(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET online = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking agent offline: %w", err)
	}
	return requireRow(result)
}

// MarkAllAgentsOffline resets presence for every agent, used at startup
// since no push channel survives a restart.
func (s *SQLiteStore) MarkAllAgentsOffline(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE agents SET online = 0 WHERE online = 1`); err != nil {
		return fmt.Errorf("marking agents offline: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent together with its commands and files
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM files WHERE agent_id = ?`,
		`DELETE FROM commands WHERE agent_id = ?`,
		`DELETE FROM agents WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting agent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var tagsJSON sql.NullString
	var online int
	var lastContactStr, createdAtStr string

	if err := row.Scan(
		&agent.ID,
		&agent.Metadata.Name,
		&agent.Metadata.OS,
		&agent.Metadata.Username,
		&agent.Metadata.Hostname,
		&agent.Metadata.IPAddress,
		&tagsJSON,
		&online,
		&lastContactStr,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	agent.Online = online != 0

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &agent.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}

	var err error
	agent.LastContact, err = parseTime(lastContactStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_contact: %w", err)
	}
	agent.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &agent, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
