// ABOUTME: File Ingestion Notifier: records metadata of files received from agents
// ABOUTME: Persists the record, refreshes the agent's last contact and raises file_ingested

package files

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/store"
)

// ErrInvalidUpload is returned when required upload fields are missing or negative.
var ErrInvalidUpload = errors.New("invalid upload")

// Upload describes a file whose bytes are already stored.
// SizeBytes must equal the stored length.
type Upload struct {
	AgentID    string
	Filename   string
	Category   string
	SizeBytes  int64
	StoredPath string
	Digest     string
}

// Ingestor records uploads.
type Ingestor struct {
	store  store.FileStore
	agents *agent.Registry
	events notify.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestor creates an Ingestor. Pass nil logger for default.
func NewIngestor(s store.FileStore, agents *agent.Registry, events notify.Publisher, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = notify.Discard{}
	}
	return &Ingestor{
		store:  s,
		agents: agents,
		events: events,
		logger: logger.With("component", "files"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record persists u as a FileRecord. Unknown categories are stored as "other".
func (i *Ingestor) Record(ctx context.Context, u Upload) (*store.FileRecord, error) {
	if strings.TrimSpace(u.Filename) == "" || u.StoredPath == "" || u.SizeBytes < 0 {
		return nil, ErrInvalidUpload
	}
	if _, err := i.agents.Get(ctx, u.AgentID); err != nil {
		return nil, err
	}

	rec := &store.FileRecord{
		ID:         uuid.New().String(),
		AgentID:    u.AgentID,
		Filename:   u.Filename,
		Category:   store.NormalizeCategory(u.Category),
		SizeBytes:  u.SizeBytes,
		StoredPath: u.StoredPath,
		Digest:     u.Digest,
		UploadedAt: i.now(),
	}
	if err := i.store.CreateFile(ctx, rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, agent.ErrAgentNotFound
		}
		return nil, store.Unavailable(err)
	}

	if err := i.agents.Touch(ctx, u.AgentID); err != nil {
		i.logger.Warn("touch after upload failed", "agent_id", u.AgentID, "error", err)
	}

	i.events.Publish(ctx, notify.FileIngested{File: rec})
	i.logger.Info("file ingested",
		"file_id", rec.ID,
		"agent_id", rec.AgentID,
		"category", rec.Category,
		"size_bytes", rec.SizeBytes,
	)
	return rec, nil
}

// List returns the agent's files, newest first.
func (i *Ingestor) List(ctx context.Context, agentID string) ([]*store.FileRecord, error) {
	if _, err := i.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}
	files, err := i.store.ListFiles(ctx, agentID)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return files, nil
}
