// Package gstengine runs the broadcast graph on GStreamer. The graph is
// described in gst-launch syntax and must contain an element named "stream";
// an appsink is attached behind it and every sample it produces is handed to
// the fan-out.
package gstengine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"streamcast/internal/broadcast"
	"streamcast/internal/pipeline"
)

// OutputElementName is the element the graph description must expose; the
// engine taps the byte stream behind it.
const OutputElementName = "stream"

// DumpDirEnv names the directory diagnostic snapshots are written to. No
// snapshots are written when it is unset.
const DumpDirEnv = "STREAMCAST_DUMP_DIR"

type Engine struct {
	logger  *slog.Logger
	dumpDir string

	mu            sync.Mutex
	gstPipeline   *gst.Pipeline
	appsink       *app.Sink
	description   string
	lastRequested gst.State
	started       bool

	events    chan pipeline.Event
	done      chan struct{}
	closeOnce sync.Once
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:  logger.With(slog.String("component", "gstengine")),
		dumpDir: os.Getenv(DumpDirEnv),
		events:  make(chan pipeline.Event, 32),
		done:    make(chan struct{}),
	}
}

func (e *Engine) Build(description string, sink pipeline.SampleSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gstPipeline != nil {
		return &pipeline.ConfigurationError{Reason: "graph already built"}
	}

	gst.Init(nil)

	p, err := gst.NewPipelineFromString(description)
	if err != nil {
		return &pipeline.ConfigurationError{Reason: "parse graph description", Err: err}
	}
	// Drop the half-built pipeline if wiring the tap fails below.
	discard := func() {
		_ = p.SetState(gst.StateNull)
	}

	output, err := p.GetElementByName(OutputElementName)
	if err != nil || output == nil {
		discard()
		return &pipeline.ConfigurationError{
			Reason: fmt.Sprintf("graph must contain an element named %q", OutputElementName),
			Err:    err,
		}
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		discard()
		return &pipeline.ConfigurationError{Reason: "create appsink", Err: err}
	}
	// No clock sync on the tap: clients pace themselves off the socket.
	appsink.SetProperty("sync", false)
	if err := p.AddMany(appsink.Element); err != nil {
		discard()
		return &pipeline.ConfigurationError{Reason: "add appsink", Err: err}
	}
	if err := output.Link(appsink.Element); err != nil {
		discard()
		return &pipeline.ConfigurationError{
			Reason: fmt.Sprintf("link %q to appsink", OutputElementName),
			Err:    err,
		}
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}
			data := buffer.Map(gst.MapRead).Bytes()
			if len(data) == 0 {
				buffer.Unmap()
				return gst.FlowOK
			}
			out := make([]byte, len(data))
			copy(out, data)
			keyframe := buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0
			duration := buffer.Duration()
			buffer.Unmap()

			sink.Write(broadcast.Sample{Data: out, Keyframe: keyframe, Duration: duration})
			return gst.FlowOK
		},
	})

	e.gstPipeline = p
	e.appsink = appsink
	e.description = description
	e.lastRequested = gst.StateNull
	e.started = true
	go e.pumpBus(p)
	return nil
}

func (e *Engine) SetState(s pipeline.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gstPipeline == nil {
		return fmt.Errorf("graph not built")
	}
	target := toGst(s)
	if err := e.gstPipeline.SetState(target); err != nil {
		return fmt.Errorf("set state %s: %w", s, err)
	}
	e.lastRequested = target
	return nil
}

func (e *Engine) Events() <-chan pipeline.Event { return e.events }

// RecalculateLatency re-commits the last requested state, which causes the
// pipeline to redistribute latency during the state commit.
func (e *Engine) RecalculateLatency() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gstPipeline == nil {
		return fmt.Errorf("graph not built")
	}
	if e.lastRequested == gst.StateNull {
		return nil
	}
	if err := e.gstPipeline.SetState(e.lastRequested); err != nil {
		return fmt.Errorf("recommit state: %w", err)
	}
	return nil
}

// Snapshot writes a plain-text description of the graph to the dump
// directory, named after the trigger. Unset dump directory disables it.
func (e *Engine) Snapshot(trigger string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dumpDir == "" || e.gstPipeline == nil {
		return
	}
	name := fmt.Sprintf("streamcast-%d-%s.txt", time.Now().UnixNano(), sanitizeTrigger(trigger))
	body := fmt.Sprintf("trigger: %s\ntime: %s\nrequested-state: %s\ngraph: %s\n",
		trigger, time.Now().Format(time.RFC3339Nano), e.lastRequested, e.description)
	path := filepath.Join(e.dumpDir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		e.logger.Warn("snapshot write failed", slog.String("path", path), slog.Any("error", err))
	}
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		p := e.gstPipeline
		started := e.started
		e.gstPipeline = nil
		e.appsink = nil
		e.mu.Unlock()

		if p != nil {
			if err := p.SetState(gst.StateNull); err != nil {
				e.logger.Warn("drop to null failed", slog.Any("error", err))
			}
		}
		close(e.done)
		if !started {
			close(e.events)
		}
	})
}

// pumpBus translates bus traffic into engine events until Close. It owns the
// events channel and closes it on exit.
func (e *Engine) pumpBus(p *gst.Pipeline) {
	defer close(e.events)
	bus := p.GetPipelineBus()
	for {
		select {
		case <-e.done:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		ev, ok := e.translate(p, msg)
		if !ok {
			continue
		}
		select {
		case e.events <- ev:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) translate(p *gst.Pipeline, msg *gst.Message) (pipeline.Event, bool) {
	switch msg.Type() {
	case gst.MessageEOS:
		return pipeline.Event{Kind: pipeline.EventEOS, Source: msg.Source()}, true

	case gst.MessageError:
		gerr := msg.ParseError()
		debug := ""
		if gerr != nil {
			debug = gerr.DebugString()
		}
		return pipeline.Event{
			Kind:   pipeline.EventError,
			Err:    gerr,
			Debug:  debug,
			Source: msg.Source(),
		}, true

	case gst.MessageWarning:
		return pipeline.Event{Kind: pipeline.EventWarning, Debug: msg.String(), Source: msg.Source()}, true

	case gst.MessageInfo:
		return pipeline.Event{Kind: pipeline.EventInfo, Debug: msg.String(), Source: msg.Source()}, true

	case gst.MessageStateChanged:
		// Only the top-level transition is interesting; per-element
		// state chatter stays on the bus.
		if msg.Source() != p.GetName() {
			return pipeline.Event{}, false
		}
		old, next := msg.ParseStateChanged()
		return pipeline.Event{
			Kind:   pipeline.EventStateChanged,
			Old:    fromGst(old),
			New:    fromGst(next),
			Source: msg.Source(),
		}, true

	case gst.MessageRequestState:
		requested, ok := requestedState(msg)
		if !ok {
			e.logger.Warn("unparseable state request", slog.String("source", msg.Source()))
			return pipeline.Event{}, false
		}
		return pipeline.Event{
			Kind:      pipeline.EventStateRequest,
			Requested: fromGst(requested),
			Source:    msg.Source(),
		}, true

	case gst.MessageLatency:
		return pipeline.Event{Kind: pipeline.EventLatency, Source: msg.Source()}, true

	default:
		return pipeline.Event{}, false
	}
}

// requestedState reads the state asked for by a request-state message from
// the message structure.
func requestedState(msg *gst.Message) (gst.State, bool) {
	st := msg.GetStructure()
	if st == nil {
		return gst.StateNull, false
	}
	value, err := st.GetValue("new-state")
	if err != nil {
		return gst.StateNull, false
	}
	switch v := value.(type) {
	case int:
		return gst.State(v), true
	case gst.State:
		return v, true
	default:
		return gst.StateNull, false
	}
}

// toGst maps controller states to framework states. Paused parks the graph
// with resources released, so it maps to ready rather than the framework's
// prerolled pause.
func toGst(s pipeline.State) gst.State {
	switch s {
	case pipeline.StatePlaying:
		return gst.StatePlaying
	case pipeline.StatePaused, pipeline.StateReady:
		return gst.StateReady
	default:
		return gst.StateNull
	}
}

func fromGst(s gst.State) pipeline.State {
	switch s {
	case gst.StatePlaying:
		return pipeline.StatePlaying
	case gst.StatePaused:
		return pipeline.StatePaused
	case gst.StateReady:
		return pipeline.StateReady
	default:
		return pipeline.StateNull
	}
}

func sanitizeTrigger(trigger string) string {
	trigger = strings.ToLower(strings.TrimSpace(trigger))
	if trigger == "" {
		return "manual"
	}
	var b strings.Builder
	for _, r := range trigger {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
