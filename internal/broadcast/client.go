package broadcast

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CloseReason records why a client session ended.
type CloseReason string

const (
	ReasonDisconnect  CloseReason = "disconnect"
	ReasonOverrun     CloseReason = "overrun"
	ReasonTimeout     CloseReason = "timeout"
	ReasonStreamEnd   CloseReason = "stream_end"
	ReasonStreamError CloseReason = "stream_error"
	ReasonShutdown    CloseReason = "shutdown"
)

// Sample is one unit of pipeline output. Data must not be mutated after it is
// handed to the fan-out. Duration is the stream-time the payload covers and
// may be zero for untimed formats; Keyframe marks a position from which a
// joining consumer can decode without earlier context.
type Sample struct {
	Data     []byte
	Keyframe bool
	Duration time.Duration
}

// Client is one attached consumer. The registry owns its membership; the
// fan-out owns all I/O on its connection.
type Client struct {
	id           string
	conn         net.Conn
	registeredAt time.Time

	queue   chan Sample
	quit    chan struct{}
	pending atomic.Int64 // buffered stream-time, nanoseconds

	// awaitingSync is only touched by the single delivery-ingest thread.
	awaitingSync bool

	closeOnce sync.Once
	reason    CloseReason
}

func newClient(conn net.Conn, queueDepth int, waitKeyframe bool) *Client {
	return &Client{
		id:           uuid.NewString(),
		conn:         conn,
		registeredAt: time.Now(),
		queue:        make(chan Sample, queueDepth),
		quit:         make(chan struct{}),
		awaitingSync: waitKeyframe,
	}
}

// ID returns the client's registry key.
func (c *Client) ID() string { return c.id }

// RegisteredAt returns when the client attached. Diagnostic only.
func (c *Client) RegisteredAt() time.Time { return c.registeredAt }

// Reason returns why the session ended; empty while the client is live.
func (c *Client) Reason() CloseReason { return c.reason }

// Buffered reports the stream-time currently queued for this client.
func (c *Client) Buffered() time.Duration {
	return time.Duration(c.pending.Load())
}

// shutdown closes the connection exactly once and records the reason. It is
// safe to call from any goroutine.
func (c *Client) shutdown(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.quit)
		_ = c.conn.Close()
	})
}
