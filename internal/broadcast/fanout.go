package broadcast

import (
	"io"
	"log/slog"
	"net"
	"time"

	"streamcast/internal/observability/metrics"
)

// Policy bounds how far a slow consumer may fall behind before delivery is
// degraded and finally cut. All values are fixed at construction.
type Policy struct {
	// HardLimit is the buffered duration past which a client is evicted.
	HardLimit time.Duration
	// SoftLimit is the buffered duration past which delivery pauses until
	// the next keyframe.
	SoftLimit time.Duration
	// WriteTimeout bounds a single socket write; a write that makes no
	// progress within it marks the client dead.
	WriteTimeout time.Duration
	// WaitKeyframe makes joining clients start at the next keyframe rather
	// than mid-frame.
	WaitKeyframe bool
	// QueueDepth is the sample-count backstop for the per-client queue.
	QueueDepth int
}

// DefaultPolicy mirrors the thresholds the service has always shipped with.
func DefaultPolicy() Policy {
	return Policy{
		HardLimit:    7 * time.Second,
		SoftLimit:    3 * time.Second,
		WriteTimeout: 10 * time.Second,
		WaitKeyframe: true,
		QueueDepth:   512,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.HardLimit <= 0 {
		p.HardLimit = def.HardLimit
	}
	if p.SoftLimit <= 0 || p.SoftLimit > p.HardLimit {
		p.SoftLimit = def.SoftLimit
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = def.WriteTimeout
	}
	if p.QueueDepth <= 0 {
		p.QueueDepth = def.QueueDepth
	}
	return p
}

// Fanout delivers an identical byte stream to every registered client,
// each independently paced. It implements the pipeline's sample sink.
type Fanout struct {
	policy   Policy
	registry *Registry
	logger   *slog.Logger
	recorder *metrics.Recorder

	// OnClose, when set, is invoked once per ended session after the client
	// has been removed from the registry. Used for journal publication.
	OnClose func(id string, reason CloseReason)
}

// NewFanout wires a fan-out over the given registry.
func NewFanout(policy Policy, registry *Registry, logger *slog.Logger, recorder *metrics.Recorder) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Fanout{
		policy:   policy.withDefaults(),
		registry: registry,
		logger:   logger,
		recorder: recorder,
	}
}

// AddClient registers the connection and starts its delivery goroutines.
// Ownership of conn transfers here: from this point only the fan-out touches
// it. Returns the created client and whether it was the first one.
func (f *Fanout) AddClient(conn net.Conn) (*Client, bool) {
	c := newClient(conn, f.policy.QueueDepth, f.policy.WaitKeyframe)
	first, ok := f.registry.Register(c)
	if !ok {
		_ = conn.Close()
		return nil, false
	}
	f.recorder.ClientConnected()
	f.logger.Info("client attached",
		"client_id", c.id,
		"remote_addr", conn.RemoteAddr().String(),
		"first", first,
	)
	go f.writeLoop(c)
	go f.readLoop(c)
	return c, first
}

// Write distributes one sample to every registered client. It is called from
// the pipeline's streaming thread and never blocks on client I/O.
func (f *Fanout) Write(sample Sample) {
	for _, c := range f.registry.snapshot() {
		f.deliver(c, sample)
	}
}

func (f *Fanout) deliver(c *Client, sample Sample) {
	buffered := c.Buffered()
	if buffered >= f.policy.HardLimit {
		f.logger.Warn("client exceeded hard buffer limit",
			"client_id", c.id,
			"buffered", buffered,
			"limit", f.policy.HardLimit,
		)
		f.close(c, ReasonOverrun)
		return
	}
	if c.awaitingSync {
		if !sample.Keyframe {
			return
		}
		c.awaitingSync = false
	} else if buffered >= f.policy.SoftLimit && !sample.Keyframe {
		// Stop feeding until the next keyframe so the client rejoins at a
		// decodable position instead of drifting further behind.
		c.awaitingSync = true
		return
	}
	select {
	case c.queue <- sample:
		c.pending.Add(int64(sample.Duration))
	default:
		f.close(c, ReasonOverrun)
	}
}

// Remove evicts a single client on the fan-out's behalf, closing its
// connection if this caller observes the terminal event first.
func (f *Fanout) Remove(id string, reason CloseReason) {
	for _, c := range f.registry.snapshot() {
		if c.id == id {
			f.close(c, reason)
			return
		}
	}
}

// Clear atomically detaches every client, closing each connection exactly
// once. Used on end-of-stream, fatal errors, and shutdown; calling it twice
// is a no-op the second time.
func (f *Fanout) Clear(reason CloseReason) int {
	removed := f.registry.Clear()
	for _, c := range removed {
		c.shutdown(reason)
		f.finish(c)
	}
	if len(removed) > 0 {
		f.logger.Info("cleared all clients", "count", len(removed), "reason", string(reason))
	}
	return len(removed)
}

// close tears down one client and removes it from the registry. The metrics
// and hook fire only for the caller that actually removed the entry, which
// keeps the close exactly-once even when the write loop, read loop, and
// delivery path race.
func (f *Fanout) close(c *Client, reason CloseReason) {
	c.shutdown(reason)
	if _, ok := f.registry.Unregister(c.id); ok {
		f.finish(c)
	}
}

func (f *Fanout) finish(c *Client) {
	f.recorder.ClientClosed(string(c.reason))
	f.logger.Info("client detached",
		"client_id", c.id,
		"reason", string(c.reason),
		"connected_for", time.Since(c.registeredAt).Round(time.Millisecond).String(),
	)
	if f.OnClose != nil {
		f.OnClose(c.id, c.reason)
	}
}

func (f *Fanout) writeLoop(c *Client) {
	for {
		select {
		case <-c.quit:
			return
		case sample := <-c.queue:
			if f.policy.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(f.policy.WriteTimeout))
			}
			n, err := c.conn.Write(sample.Data)
			c.pending.Add(-int64(sample.Duration))
			if err != nil {
				reason := ReasonDisconnect
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					reason = ReasonTimeout
				}
				f.close(c, reason)
				return
			}
			f.recorder.ObserveDelivery(n)
		}
	}
}

// readLoop drains and discards anything the peer sends so a half-closed or
// vanished client is noticed even while the pipeline is quiet.
func (f *Fanout) readLoop(c *Client) {
	_, _ = io.Copy(io.Discard, c.conn)
	f.close(c, ReasonDisconnect)
}
