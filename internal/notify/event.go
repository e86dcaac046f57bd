// ABOUTME: Domain events raised by the registry, command engine and file ingestion
// ABOUTME: A closed set of typed variants, each encoding itself into a wire.Envelope

package notify

import (
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// Event is one of the types declared in this file. The unexported method
// keeps the set closed so every kind has a known payload.
type Event interface {
	Kind() wire.Kind
	fill(env *wire.Envelope)
}

// AgentRegistered is raised when a new agent record is created.
type AgentRegistered struct{ Agent *store.Agent }

// AgentOnline is raised when an agent transitions from offline to online.
type AgentOnline struct{ Agent *store.Agent }

// AgentOffline is raised when an agent transitions from online to offline.
type AgentOffline struct{ Agent *store.Agent }

// AgentDeleted is raised when an operator removes an agent.
type AgentDeleted struct{ AgentID string }

// CommandIssued is raised once a command is persisted.
type CommandIssued struct{ Command *store.Command }

// CommandResolved is raised when a command reaches completed or failed.
type CommandResolved struct{ Command *store.Command }

// FileIngested is raised when a file record is persisted.
type FileIngested struct{ File *store.FileRecord }

func (AgentRegistered) Kind() wire.Kind { return wire.KindAgentRegistered }
func (AgentOnline) Kind() wire.Kind     { return wire.KindAgentOnline }
func (AgentOffline) Kind() wire.Kind    { return wire.KindAgentOffline }
func (AgentDeleted) Kind() wire.Kind    { return wire.KindAgentDeleted }
func (CommandIssued) Kind() wire.Kind   { return wire.KindCommandIssued }
func (CommandResolved) Kind() wire.Kind { return wire.KindCommandResult }
func (FileIngested) Kind() wire.Kind    { return wire.KindFileIngested }

func (e AgentRegistered) fill(env *wire.Envelope) { fillAgent(env, e.Agent) }
func (e AgentOnline) fill(env *wire.Envelope)     { fillAgent(env, e.Agent) }
func (e AgentOffline) fill(env *wire.Envelope)    { fillAgent(env, e.Agent) }

func (e AgentDeleted) fill(env *wire.Envelope) {
	env.AgentID = e.AgentID
}

func (e CommandIssued) fill(env *wire.Envelope)   { fillCommand(env, e.Command) }
func (e CommandResolved) fill(env *wire.Envelope) { fillCommand(env, e.Command) }

func (e FileIngested) fill(env *wire.Envelope) {
	v := wire.NewFileView(e.File)
	env.AgentID = e.File.AgentID
	env.File = &v
}

func fillAgent(env *wire.Envelope, a *store.Agent) {
	v := wire.NewAgentView(a)
	env.AgentID = a.ID
	env.Agent = &v
}

func fillCommand(env *wire.Envelope, c *store.Command) {
	v := wire.NewCommandView(c)
	env.AgentID = c.AgentID
	env.Command = &v
}

// Encode builds the observer-facing envelope for e without a sequence number.
func Encode(e Event) *wire.Envelope {
	env := &wire.Envelope{Type: e.Kind()}
	e.fill(env)
	return env
}

// Snapshot builds the init message sent to a newly attached observer.
func Snapshot(agents []*store.Agent) *wire.Envelope {
	return &wire.Envelope{
		Type:     wire.KindInit,
		Snapshot: &wire.Snapshot{Agents: wire.NewAgentViews(agents)},
	}
}
