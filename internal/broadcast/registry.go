package broadcast

import (
	"log/slog"
	"sync"
)

// Notifier receives play and stop intents raised by registry size
// transitions. Implementations must not block: the registry invokes the
// notifier while holding its lock so intent order matches transition order.
type Notifier interface {
	RequestPlay(play bool)
}

// Registry is the thread-safe map of connected clients. It owns membership
// and first/last transition detection; it never performs I/O on the
// connections it tracks.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]*Client
	order    []string
	notifier Notifier
	logger   *slog.Logger
}

// NewRegistry constructs an empty registry. notifier may be nil when size
// transitions should not drive the pipeline (tests).
func NewRegistry(notifier Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:  make(map[string]*Client),
		notifier: notifier,
		logger:   logger,
	}
}

// Register adds the client under mutual exclusion. It reports whether this
// was the 0→1 transition and whether the client was actually added; a
// duplicate key is a logged no-op. On the first-client transition a play
// intent is posted before the lock is released.
func (r *Registry) Register(c *Client) (first bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.id]; exists {
		r.logger.Warn("client already registered", "client_id", c.id)
		return false, false
	}
	r.clients[c.id] = c
	r.order = append(r.order, c.id)
	first = len(r.clients) == 1
	if first && r.notifier != nil {
		r.notifier.RequestPlay(true)
	}
	return first, true
}

// Unregister removes the client under mutual exclusion; absent keys are a
// no-op. It reports whether this was the 1→0 transition, on which a stop
// intent is posted before the lock is released.
func (r *Registry) Unregister(id string) (last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; !exists {
		return false, false
	}
	delete(r.clients, id)
	for i, key := range r.order {
		if key == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	last = len(r.clients) == 0
	if last && r.notifier != nil {
		r.notifier.RequestPlay(false)
	}
	return last, true
}

// Clear atomically empties the registry and returns the removed clients in
// registration order so the caller can close each underlying connection
// exactly once. Clear posts no intent: its callers run in the control
// context and have already decided the pipeline's fate.
func (r *Registry) Clear() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]*Client, 0, len(r.clients))
	for _, id := range r.order {
		if c, exists := r.clients[id]; exists {
			removed = append(removed, c)
		}
	}
	r.clients = make(map[string]*Client)
	r.order = nil
	return removed
}

// Size reports the current client count. Diagnostic only: first/last
// transition detection is the authority for lifecycle decisions.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, id := range r.order {
		if c, exists := r.clients[id]; exists {
			clients = append(clients, c)
		}
	}
	return clients
}
