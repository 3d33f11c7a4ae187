// Package events publishes domain events to the message bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to every subject.
const SubjectPrefix = "heysme."

// Subjects.
const (
	InviteRedeemed   = "invite.redeemed"
	PagePublished    = "page.published"
	PageUnpublished  = "page.unpublished"
	SandboxReaped    = "sandbox.reaped"
	DeploymentReady  = "deployment.ready"
	DeploymentFailed = "deployment.failed"
)

// Publisher sends an event. Publishing is best effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Envelope wraps every payload on the wire.
type Envelope struct {
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Noop discards events. It is used when no bus is configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsConnected() bool
}

// NATS publishes JSON envelopes to a NATS server.
type NATS struct {
	conn natsConn
	now  func() time.Time
}

// NewNATS connects to url. Reconnects are handled by the client.
func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("heysme-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return newNATS(nc), nil
}

func newNATS(conn natsConn) *NATS {
	return &NATS{conn: conn, now: time.Now}
}

// Publish implements Publisher.
func (p *NATS) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	full := qualify(subject)
	msg, err := json.Marshal(Envelope{Subject: full, OccurredAt: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.conn.Publish(full, msg); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	slog.Debug("Event published", "subject", full)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATS) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func qualify(subject string) string {
	if strings.HasPrefix(subject, SubjectPrefix) {
		return subject
	}
	return SubjectPrefix + subject
}
