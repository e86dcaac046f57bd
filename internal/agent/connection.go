// ABOUTME: Represents a single live push channel to an agent or an observer.
// ABOUTME: Serializes writes to the underlying transport and carries a per-send timeout.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/wire"
)

// Role distinguishes agent channels from observer channels.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleObserver Role = "observer"
)

// Channel is a transport able to push one envelope. Implementations need not
// be safe for concurrent use; Connection serializes calls.
type Channel interface {
	Send(ctx context.Context, msg *wire.Envelope) error
}

// Closer is implemented by channels whose transport the relay can tear down.
// Close must not block.
type Closer interface {
	Close()
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, msg *wire.Envelope) error

func (f ChannelFunc) Send(ctx context.Context, msg *wire.Envelope) error {
	return f(ctx, msg)
}

// Connection is one attached channel. Its pointer identity is the handle
// returned by Manager.Attach.
type Connection struct {
	ID          string
	Role        Role
	ConnectedAt time.Time

	channel     Channel
	sendTimeout time.Duration
	mu          sync.Mutex
	logger      *slog.Logger

	// queue feeds an observer's pump goroutine; nil for agents.
	queue     chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, role Role, ch Channel, sendTimeout time.Duration, logger *slog.Logger) *Connection {
	return &Connection{
		ID:          id,
		Role:        role,
		ConnectedAt: time.Now(),
		channel:     ch,
		sendTimeout: sendTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Send writes msg to the channel, bounded by the connection's send timeout.
func (c *Connection) Send(ctx context.Context, msg *wire.Envelope) error {
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.channel.Send(ctx, msg); err != nil {
		return err
	}
	c.logger.Debug("sent", "conn_id", c.ID, "role", c.Role, "type", msg.Type)
	return nil
}

// Close stops the observer pump and tears down the transport when the
// channel supports it. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if cl, ok := c.channel.(Closer); ok {
			cl.Close()
		}
	})
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
