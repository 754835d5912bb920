package pipeline

import "fmt"

// ConfigurationError reports that the graph description could not be turned
// into a runnable pipeline. It is fatal at startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline configuration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pipeline configuration: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StateTransitionError reports a rejected transition request. It is not
// fatal: the controller keeps its previous state and the request's side
// effects are skipped.
type StateTransitionError struct {
	Target State
	Err    error
}

func (e *StateTransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline transition to %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("pipeline transition to %s rejected", e.Target)
}

func (e *StateTransitionError) Unwrap() error { return e.Err }
