package pipeline

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"streamcast/internal/observability/metrics"
)

// Controller is the transition authority for the pipeline. All mutating
// methods are serialized by an internal mutex; in practice only the Bridge
// goroutine calls Play, ForwardStateRequest and Halt, while Build and
// Teardown run from main before and after the bridge's lifetime.
type Controller struct {
	mu          sync.Mutex
	engine      Engine
	contentType string
	state       State
	built       bool

	logger   *slog.Logger
	recorder *metrics.Recorder
}

func NewController(engine Engine, contentType string, logger *slog.Logger, recorder *metrics.Recorder) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Controller{
		engine:      engine,
		contentType: contentType,
		state:       StateNull,
		logger:      logger.With(slog.String("component", "pipeline")),
		recorder:    recorder,
	}
}

// ContentType is the media type announced to connecting clients.
func (c *Controller) ContentType() string { return c.contentType }

// State reports the last requested state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Build constructs the graph and brings it to Ready with sink attached. It
// may be called once per controller; any failure leaves the controller in
// Null with no graph held.
func (c *Controller) Build(description string, sink SampleSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.built {
		return &ConfigurationError{Reason: "pipeline already built"}
	}
	if strings.TrimSpace(description) == "" {
		return &ConfigurationError{Reason: "empty graph description"}
	}

	if err := c.engine.Build(description, sink); err != nil {
		var cfg *ConfigurationError
		if errors.As(err, &cfg) {
			return err
		}
		return &ConfigurationError{Reason: "graph construction failed", Err: err}
	}
	if err := c.engine.SetState(StateReady); err != nil {
		c.engine.Close()
		return &ConfigurationError{Reason: "pipeline refused ready", Err: err}
	}

	c.built = true
	c.setState(StateReady)
	return nil
}

// Play moves a built pipeline between Playing and Paused. Redundant requests
// are accepted and ignored. Requests against an unbuilt or halted pipeline
// return StateTransitionError without side effects.
func (c *Controller) Play(play bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := StatePaused
	if play {
		target = StatePlaying
	}
	if !c.built {
		return &StateTransitionError{Target: target, Err: errors.New("pipeline not built")}
	}
	if c.state == StateHalted {
		return &StateTransitionError{Target: target, Err: errors.New("pipeline halted")}
	}
	if c.state == target {
		return nil
	}

	if err := c.engine.SetState(target); err != nil {
		return &StateTransitionError{Target: target, Err: err}
	}
	c.setState(target)
	return nil
}

// ForwardStateRequest applies a state asked for by an element inside the
// graph. The same guards as Play apply.
func (c *Controller) ForwardStateRequest(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.built {
		return &StateTransitionError{Target: s, Err: errors.New("pipeline not built")}
	}
	if c.state == StateHalted {
		return &StateTransitionError{Target: s, Err: errors.New("pipeline halted")}
	}
	if c.state == s {
		return nil
	}

	if err := c.engine.SetState(s); err != nil {
		return &StateTransitionError{Target: s, Err: err}
	}
	c.setState(s)
	return nil
}

// Halt marks the pipeline terminally failed. Subsequent Play requests are
// rejected; only Teardown is accepted afterwards.
func (c *Controller) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.built || c.state == StateHalted {
		return
	}
	c.setState(StateHalted)
}

// RecalculateLatency forwards a latency recalculation to the engine.
func (c *Controller) RecalculateLatency() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.built {
		return errors.New("pipeline not built")
	}
	return c.engine.RecalculateLatency()
}

// Snapshot forwards a diagnostic dump request to the engine.
func (c *Controller) Snapshot(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.built {
		return
	}
	c.engine.Snapshot(trigger)
}

// Teardown releases the graph and returns the controller to Null. Safe to
// call any number of times and from any prior state.
func (c *Controller) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.built {
		return
	}
	c.engine.Close()
	c.built = false
	c.setState(StateNull)
}

// setState assumes c.mu is held.
func (c *Controller) setState(s State) {
	old := c.state
	c.state = s
	c.recorder.ObserveTransition(s.String())
	c.logger.Info("pipeline state", slog.String("from", old.String()), slog.String("to", s.String()))
}
