package pipeline

import "streamcast/internal/broadcast"

// SampleSink receives the byte stream produced by the graph's designated
// output stage. Implemented by broadcast.Fanout.
type SampleSink interface {
	Write(sample broadcast.Sample)
}

// EventKind discriminates the events an Engine reports on its bus.
type EventKind int

const (
	// EventStateChanged reports a completed transition inside the engine.
	EventStateChanged EventKind = iota
	// EventPlayRequest is an intent posted by the client registry, not by
	// the engine. It is routed through the same ordered stream so that
	// transitions happen on the bridge goroutine only.
	EventPlayRequest
	// EventEOS reports that the source ran out of data.
	EventEOS
	// EventError reports a fatal graph error.
	EventError
	// EventWarning and EventInfo are diagnostics with no lifecycle effect.
	EventWarning
	EventInfo
	// EventStateRequest is an element inside the graph asking for a
	// pipeline-wide state, forwarded verbatim by the bridge.
	EventStateRequest
	// EventLatency asks for a latency recalculation.
	EventLatency
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventPlayRequest:
		return "play_request"
	case EventEOS:
		return "eos"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventInfo:
		return "info"
	case EventStateRequest:
		return "state_request"
	case EventLatency:
		return "latency"
	default:
		return "unknown"
	}
}

// Event is one item on the merged control stream consumed by the Bridge.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// EventStateChanged.
	Old, New, Pending State

	// EventPlayRequest.
	Play bool

	// EventStateRequest.
	Requested State

	// EventError, EventWarning, EventInfo.
	Err    error
	Debug  string
	Source string
}

// Engine is the boundary to the actual media framework. Implementations must
// deliver samples to the sink passed to Build from their own streaming
// context and report bus traffic on Events until Close.
type Engine interface {
	// Build constructs the graph from a textual description and wires its
	// output stage into sink. Returns ConfigurationError on a bad
	// description.
	Build(description string, sink SampleSink) error

	// SetState requests a transition. The error, if any, reports immediate
	// rejection; asynchronous completion arrives as EventStateChanged.
	SetState(s State) error

	// Events is the engine's bus. Closed after Close.
	Events() <-chan Event

	// RecalculateLatency redistributes latency across the graph.
	RecalculateLatency() error

	// Snapshot writes a diagnostic description of the graph, tagged with
	// trigger, to the configured dump directory. No-op when dumping is not
	// configured.
	Snapshot(trigger string)

	// Close drops the graph to Null and releases it.
	Close()
}
