// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// FailWith, when set, is returned by every method to simulate an unavailable backend.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	commands map[string]*Command
	files    map[string]*FileRecord
	seq      map[string]int64 // insertion order, used as a tiebreak like SQLite's rowid
	next     int64

	FailWith error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*Agent),
		commands: make(map[string]*Command),
		files:    make(map[string]*FileRecord),
		seq:      make(map[string]int64),
	}
}

// SetFailure makes every subsequent call return err. Pass nil to recover.
func (m *MockStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWith = err
}

func (m *MockStore) stamp(id string) {
	m.next++
	m.seq[id] = m.next
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	if _, exists := m.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists", agent.ID)
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	if agent.LastContact.IsZero() {
		agent.LastContact = agent.CreatedAt
	}

	a := copyAgent(agent)
	m.agents[a.ID] = a
	m.stamp("agent:" + a.ID)
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgents returns agents ordered by most recent contact.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, copyAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].LastContact.Equal(agents[j].LastContact) {
			return agents[i].LastContact.After(agents[j].LastContact)
		}
		return m.seq["agent:"+agents[i].ID] > m.seq["agent:"+agents[j].ID]
	})
	return agents, nil
}

// TouchAgent marks an agent online and updates its last contact.
func (m *MockStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Online = true
	a.LastContact = at
	return nil
}

// SetAgentOffline marks an agent offline.
func (m *MockStore) SetAgentOffline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Online = false
	return nil
}

// MarkAllAgentsOffline marks every agent offline.
func (m *MockStore) MarkAllAgentsOffline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	for _, a := range m.agents {
		a.Online = false
	}
	return nil
}

// DeleteAgent removes an agent with its commands and files.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	delete(m.agents, id)
	for cid, c := range m.commands {
		if c.AgentID == id {
			delete(m.commands, cid)
		}
	}
	for fid, f := range m.files {
		if f.AgentID == id {
			delete(m.files, fid)
		}
	}
	return nil
}

// CreateCommand stores a new command.
func (m *MockStore) CreateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	if _, ok := m.agents[cmd.AgentID]; !ok {
		return ErrNotFound
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if cmd.Status == "" {
		cmd.Status = CommandPending
	}

	c := copyCommand(cmd)
	m.commands[c.ID] = c
	m.stamp("command:" + c.ID)
	return nil
}

// GetCommand retrieves a command by ID.
func (m *MockStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommand(c), nil
}

// CompleteCommand moves a pending command into a terminal status.
func (m *MockStore) CompleteCommand(ctx context.Context, id string, status CommandStatus, result string, at time.Time) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if !status.Terminal() {
		return nil, errors.New("non-terminal status")
	}

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != CommandPending {
		return nil, ErrNotPending
	}

	c.Status = status
	c.Result = &result
	completed := at
	c.CompletedAt = &completed
	return copyCommand(c), nil
}

// ListPendingCommands returns an agent's pending commands, newest first.
func (m *MockStore) ListPendingCommands(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	return m.listCommands(agentID, limit, true)
}

// ListCommands returns an agent's commands, newest first.
func (m *MockStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	return m.listCommands(agentID, limit, false)
}

func (m *MockStore) listCommands(agentID string, limit int, pendingOnly bool) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var cmds []*Command
	for _, c := range m.commands {
		if c.AgentID != agentID {
			continue
		}
		if pendingOnly && c.Status != CommandPending {
			continue
		}
		cmds = append(cmds, copyCommand(c))
	}
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
		}
		return m.seq["command:"+cmds[i].ID] > m.seq["command:"+cmds[j].ID]
	})
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds, nil
}

// CreateFile stores a file record.
func (m *MockStore) CreateFile(ctx context.Context, file *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	if _, ok := m.agents[file.AgentID]; !ok {
		return ErrNotFound
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = time.Now()
	}
	file.Category = NormalizeCategory(string(file.Category))

	f := *file
	m.files[f.ID] = &f
	m.stamp("file:" + f.ID)
	return nil
}

// ListFiles returns an agent's files, newest first.
func (m *MockStore) ListFiles(ctx context.Context, agentID string) ([]*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var files []*FileRecord
	for _, f := range m.files {
		if f.AgentID == agentID {
			c := *f
			files = append(files, &c)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].UploadedAt.After(files[j].UploadedAt)
		}
		return m.seq["file:"+files[i].ID] > m.seq["file:"+files[j].ID]
	})
	return files, nil
}

// Stats aggregates counts across all entities.
func (m *MockStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	st := &Stats{TotalAgents: len(m.agents), TotalCommands: len(m.commands), TotalFiles: len(m.files)}
	for _, a := range m.agents {
		if a.Online {
			st.OnlineAgents++
		}
	}
	for _, c := range m.commands {
		if c.Status == CommandPending {
			st.PendingCommands++
		}
	}
	for _, f := range m.files {
		st.TotalBytes += f.SizeBytes
	}
	return st, nil
}

// Ping returns FailWith, if set.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FailWith
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyAgent(a *Agent) *Agent {
	c := *a
	if a.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), a.Metadata.Tags...)
	}
	return &c
}

func copyCommand(cmd *Command) *Command {
	c := *cmd
	if cmd.Result != nil {
		r := *cmd.Result
		c.Result = &r
	}
	if cmd.CompletedAt != nil {
		t := *cmd.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
