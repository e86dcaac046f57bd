// ABOUTME: NATS sink publishing fan-out envelopes as JSON
// ABOUTME: Attached to the connection manager as an observer channel

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/wire"
)

// NATSPublisher is the subset of *nats.Conn the sink needs.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATS sends envelopes to subject.<type>.
type NATS struct {
	conn    NATSPublisher
	subject string
	logger  *slog.Logger
}

// NewNATS wraps an existing connection.
func NewNATS(conn NATSPublisher, subject string, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		conn:    conn,
		subject: subject,
		logger:  logger.With("component", "sink.nats"),
	}
}

// DialNATS connects to the configured server and returns the sink.
func DialNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "sink.nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	log.Info("NATS sink connected", "url", nc.ConnectedUrl(), "subject", cfg.Subject)
	return NewNATS(nc, cfg.Subject, logger), nil
}

// Subject returns the subject an envelope of kind k is published on.
func (n *NATS) Subject(k wire.Kind) string {
	return n.subject + "." + string(k)
}

// Send publishes msg. Publishing is buffered by the client; ctx is only checked up front.
func (n *NATS) Send(ctx context.Context, msg *wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := n.conn.Publish(n.Subject(msg.Type), data); err != nil {
		return fmt.Errorf("publishing to NATS: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (n *NATS) Close() {
	n.conn.Close()
}
