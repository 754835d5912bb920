package pipeline

// State is the controller's view of the pipeline lifecycle.
type State int

const (
	// StateNull is the unbuilt or torn-down state.
	StateNull State = iota
	// StateReady means the graph is built and resources are allocated but no
	// data flows.
	StateReady
	// StatePaused means the graph is prerolled and parked between sessions.
	StatePaused
	// StatePlaying means samples flow to the fan-out sink.
	StatePlaying
	// StateHalted is terminal: a fatal graph error occurred and the pipeline
	// will not be restarted in place.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}
