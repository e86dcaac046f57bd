// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines Agent, Command, FileRecord and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned by CompleteCommand when the command already reached a terminal state
var ErrNotPending = errors.New("command is not pending")

// ErrUnavailable marks a persistence failure that is neither a missing entity nor a lost
// compare-and-set. Services wrap raw store errors with it via Unavailable.
var ErrUnavailable = errors.New("store unavailable")

// Unavailable wraps err with ErrUnavailable unless it already carries one of the
// store sentinels. A nil error stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPending) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// AgentMetadata is the descriptive information an agent supplies when it registers.
type AgentMetadata struct {
	Name      string   `json:"name"`
	OS        string   `json:"os"`
	Username  string   `json:"username"`
	Hostname  string   `json:"hostname"`
	IPAddress string   `json:"ip_address"`
	Tags      []string `json:"tags,omitempty"`
}

// Agent represents one remote endpoint known to the relay
type Agent struct {
	ID          string
	Metadata    AgentMetadata
	Online      bool
	LastContact time.Time
	CreatedAt   time.Time
}

// CommandStatus is the lifecycle state of a Command
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Command is one unit of work issued to an agent.
// Result and CompletedAt are nil exactly while Status is pending.
type Command struct {
	ID          string
	AgentID     string
	Text        string
	Status      CommandStatus
	Result      *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// FileCategory classifies an ingested file
type FileCategory string

const (
	CategoryScreenshot FileCategory = "screenshot"
	CategoryVideo      FileCategory = "video"
	CategoryDocument   FileCategory = "document"
	CategoryOther      FileCategory = "other"
)

// NormalizeCategory maps a raw category to one of the known categories,
// substituting CategoryOther for anything unrecognized.
func NormalizeCategory(raw string) FileCategory {
	switch c := FileCategory(strings.ToLower(strings.TrimSpace(raw))); c {
	case CategoryScreenshot, CategoryVideo, CategoryDocument, CategoryOther:
		return c
	default:
		return CategoryOther
	}
}

// FileRecord is the metadata of one file received from an agent
type FileRecord struct {
	ID         string
	AgentID    string
	Filename   string
	Category   FileCategory
	SizeBytes  int64
	StoredPath string
	Digest     string // hex BLAKE3 of the stored bytes, empty when the uploader did not supply one
	UploadedAt time.Time
}

// Stats aggregates counts across all entities
type Stats struct {
	TotalAgents     int
	OnlineAgents    int
	TotalCommands   int
	PendingCommands int
	TotalFiles      int
	TotalBytes      int64
}

// AgentStore persists agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ListAgents returns agents most-recently-contacted first.
	ListAgents(ctx context.Context) ([]*Agent, error)
	// TouchAgent sets last_contact and online=true. Returns ErrNotFound for unknown ids.
	TouchAgent(ctx context.Context, id string, at time.Time) error
	// SetAgentOffline sets online=false. Returns ErrNotFound for unknown ids.
	SetAgentOffline(ctx context.Context, id string) error
	MarkAllAgentsOffline(ctx context.Context) error
	// DeleteAgent removes the agent with its commands and files. Deleting an unknown id is not an error.
	DeleteAgent(ctx context.Context, id string) error
}

// CommandStore persists commands.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	// CompleteCommand moves a pending command into a terminal status. The update only
	// applies while the stored status is still pending: ErrNotPending otherwise, ErrNotFound
	// if the command does not exist.
	CompleteCommand(ctx context.Context, id string, status CommandStatus, result string, at time.Time) (*Command, error)
	// ListPendingCommands returns pending commands for an agent, newest first.
	ListPendingCommands(ctx context.Context, agentID string, limit int) ([]*Command, error)
	// ListCommands returns commands for an agent in any status, newest first.
	ListCommands(ctx context.Context, agentID string, limit int) ([]*Command, error)
}

// FileStore persists file metadata.
type FileStore interface {
	CreateFile(ctx context.Context, file *FileRecord) error
	// ListFiles returns files for an agent, newest first.
	ListFiles(ctx context.Context, agentID string) ([]*FileRecord, error)
}

// Store defines the interface for relay persistence
type Store interface {
	AgentStore
	CommandStore
	FileStore

	Stats(ctx context.Context) (*Stats, error)

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
