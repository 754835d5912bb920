// Package broadcast implements the client registry and fan-out sink that
// distribute one live byte stream to any number of HTTP clients.
//
// The registry owns the key → client mapping and is the single authority for
// detecting the 0→1 and 1→0 size transitions that drive the pipeline; the
// fan-out owns byte delivery to each registered connection. Exactly one of
// the two closes a given connection, whichever observes the terminal event
// first, after which the entry is removed from the registry.
//
// Delivery is independently paced per client: each client has a buffered
// queue accounted in stream-time duration. Past the soft threshold delivery
// resumes only from the next keyframe; past the hard threshold, or when a
// write makes no progress within the timeout, the client is evicted. A slow
// consumer therefore never stalls the others.
//
// Nothing in this package performs pipeline state transitions. Size
// transitions are posted to a Notifier while the registry lock is held, so
// the control context observes intents in the same order the transitions
// occurred.
package broadcast
