// ABOUTME: SQLite persistence for file metadata received from agents
// ABOUTME: File bytes live on disk; only the record and its stored path are kept here

package store

import (
	"context"
	"fmt"
	"time"
)

// CreateFile inserts a file record.
// Returns ErrNotFound if the referenced agent doesn't exist.
func (s *SQLiteStore) CreateFile(ctx context.Context, file *FileRecord) error {
	if file.UploadedAt.IsZero() {
		file.UploadedAt = time.Now()
	}
	file.Category = NormalizeCategory(string(file.Category))

	query := `
		INSERT INTO files (id, agent_id, filename, category, size_bytes, stored_path, digest, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		file.ID,
		file.AgentID,
		file.Filename,
		string(file.Category),
		file.SizeBytes,
		file.StoredPath,
		file.Digest,
		formatTime(file.UploadedAt),
	)
	if isForeignKeyError(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}

	s.logger.Debug("created file", "id", file.ID, "agent_id", file.AgentID, "category", file.Category)
	return nil
}

// ListFiles returns an agent's files, newest first
func (s *SQLiteStore) ListFiles(ctx context.Context, agentID string) ([]*FileRecord, error) {
	query := `
		SELECT id, agent_id, filename, category, size_bytes, stored_path, digest, uploaded_at
		FROM files
		WHERE agent_id = ?
		ORDER BY uploaded_at DESC, rowid DESC
	`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		var f FileRecord
		var category, uploadedAtStr string
		if err := rows.Scan(
			&f.ID,
			&f.AgentID,
			&f.Filename,
			&category,
			&f.SizeBytes,
			&f.StoredPath,
			&f.Digest,
			&uploadedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		f.Category = FileCategory(category)
		f.UploadedAt, err = parseTime(uploadedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing uploaded_at: %w", err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return files, nil
}
