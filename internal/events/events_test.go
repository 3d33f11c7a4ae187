package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	subjects  []string
	payloads  [][]byte
	drained   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func (c *fakeConn) IsConnected() bool { return c.connected }

func TestNATSPublishEnvelope(t *testing.T) {
	conn := &fakeConn{connected: true}
	p := newNATS(conn)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return at }

	err := p.Publish(context.Background(), PagePublished, map[string]string{"page_id": "p1"})
	require.NoError(t, err)

	require.Equal(t, []string{"heysme.page.published"}, conn.subjects)
	var env Envelope
	require.NoError(t, json.Unmarshal(conn.payloads[0], &env))
	assert.Equal(t, "heysme.page.published", env.Subject)
	assert.True(t, at.Equal(env.OccurredAt))
	assert.JSONEq(t, `{"page_id":"p1"}`, string(env.Data))

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestNATSPublishDisconnected(t *testing.T) {
	p := newNATS(&fakeConn{})
	err := p.Publish(context.Background(), InviteRedeemed, nil)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestNATSPublishCanceled(t *testing.T) {
	conn := &fakeConn{connected: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newNATS(conn).Publish(ctx, InviteRedeemed, nil), context.Canceled)
	assert.Empty(t, conn.subjects)
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "heysme.a.b", qualify("a.b"))
	assert.Equal(t, "heysme.a.b", qualify("heysme.a.b"))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), "x", 1))
	assert.NoError(t, p.Close())
}
