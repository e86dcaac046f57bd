// ABOUTME: Tagged messages exchanged over every push channel (WebSocket, SSE, gRPC)
// ABOUTME: One Envelope type discriminated by Type, plus JSON views of stored entities

package wire

import (
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Kind discriminates an Envelope.
type Kind string

// Observer-facing kinds.
const (
	KindInit            Kind = "init"
	KindAgentRegistered Kind = "agent_registered"
	KindAgentOnline     Kind = "agent_online"
	KindAgentOffline    Kind = "agent_offline"
	KindAgentDeleted    Kind = "agent_deleted"
	KindCommandIssued   Kind = "command_issued"
	KindCommandResult   Kind = "command_result"
	KindFileIngested    Kind = "file_ingested"
)

// Relay -> agent kinds.
const (
	KindWelcome   Kind = "welcome"
	KindCommand   Kind = "command"
	KindResultAck Kind = "result_ack"
)

// Agent -> relay kinds.
const (
	KindHello     Kind = "hello"
	KindResult    Kind = "result"
	KindHeartbeat Kind = "heartbeat"
)

// Envelope is the single message shape on the wire. Which fields are set
// depends on Type:
//
//	init             Snapshot
//	agent_*          AgentID, Agent (absent for agent_deleted)
//	command_issued   AgentID, Command
//	command_result   AgentID, Command
//	file_ingested    AgentID, File
//	welcome          AgentID
//	command          CommandID, Text
//	result_ack       CommandID, OK, Error
//	hello            AgentID
//	result           CommandID, Result, Status
//	heartbeat        (none)
type Envelope struct {
	Type      Kind      `json:"type"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	AgentID  string       `json:"agent_id,omitempty"`
	Agent    *AgentView   `json:"agent,omitempty"`
	Command  *CommandView `json:"command,omitempty"`
	File     *FileView    `json:"file,omitempty"`
	Snapshot *Snapshot    `json:"snapshot,omitempty"`

	CommandID string  `json:"command_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	Result    *string `json:"result,omitempty"`
	Status    string  `json:"status,omitempty"`
	OK        bool    `json:"ok,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Snapshot is the state a newly attached observer starts from.
type Snapshot struct {
	Agents []AgentView `json:"agents"`
}

// AgentView is the public JSON form of store.Agent.
type AgentView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OS          string    `json:"os"`
	Username    string    `json:"username"`
	Hostname    string    `json:"hostname"`
	IPAddress   string    `json:"ip_address"`
	Tags        []string  `json:"tags,omitempty"`
	Online      bool      `json:"online"`
	LastContact time.Time `json:"last_contact"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommandView is the public JSON form of store.Command.
type CommandView struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Text        string     `json:"text"`
	Status      string     `json:"status"`
	Result      *string    `json:"result"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// FileView is the public JSON form of store.FileRecord.
type FileView struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Filename   string    `json:"filename"`
	Category   string    `json:"category"`
	SizeBytes  int64     `json:"size_bytes"`
	StoredPath string    `json:"stored_path"`
	Digest     string    `json:"digest,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func NewAgentView(a *store.Agent) AgentView {
	return AgentView{
		ID:          a.ID,
		Name:        a.Metadata.Name,
		OS:          a.Metadata.OS,
		Username:    a.Metadata.Username,
		Hostname:    a.Metadata.Hostname,
		IPAddress:   a.Metadata.IPAddress,
		Tags:        a.Metadata.Tags,
		Online:      a.Online,
		LastContact: a.LastContact,
		CreatedAt:   a.CreatedAt,
	}
}

func NewAgentViews(agents []*store.Agent) []AgentView {
	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, NewAgentView(a))
	}
	return views
}

func NewCommandView(c *store.Command) CommandView {
	return CommandView{
		ID:          c.ID,
		AgentID:     c.AgentID,
		Text:        c.Text,
		Status:      string(c.Status),
		Result:      c.Result,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	}
}

func NewCommandViews(cmds []*store.Command) []CommandView {
	views := make([]CommandView, 0, len(cmds))
	for _, c := range cmds {
		views = append(views, NewCommandView(c))
	}
	return views
}

func NewFileView(f *store.FileRecord) FileView {
	return FileView{
		ID:         f.ID,
		AgentID:    f.AgentID,
		Filename:   f.Filename,
		Category:   string(f.Category),
		SizeBytes:  f.SizeBytes,
		StoredPath: f.StoredPath,
		Digest:     f.Digest,
		UploadedAt: f.UploadedAt,
	}
}

func NewFileViews(files []*store.FileRecord) []FileView {
	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, NewFileView(f))
	}
	return views
}

// NewCommandMessage announces a command to its agent.
func NewCommandMessage(c *store.Command) *Envelope {
	return &Envelope{
		Type:      KindCommand,
		Timestamp: time.Now().UTC(),
		CommandID: c.ID,
		Text:      c.Text,
	}
}

// NewResultAck answers an inline result submission. err nil means accepted.
func NewResultAck(commandID string, err error) *Envelope {
	ack := &Envelope{
		Type:      KindResultAck,
		Timestamp: time.Now().UTC(),
		CommandID: commandID,
		OK:        err == nil,
	}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}
