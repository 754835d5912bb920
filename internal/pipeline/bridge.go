package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/broadcast"
	"streamcast/internal/journal"
	"streamcast/internal/observability/metrics"
)

// Clearer evicts every connected client with one reason. Implemented by
// broadcast.Fanout.
type Clearer interface {
	Clear(reason broadcast.CloseReason) int
}

// Bridge serializes all pipeline control onto one goroutine. It merges the
// engine's bus with an ordered mailbox of intents posted from other
// goroutines, so that Controller.Play is only ever invoked from Run.
//
// Bridge implements broadcast.Notifier: the client registry posts play and
// pause intents through RequestPlay while holding its own lock, which keeps
// intent order identical to the membership transitions that produced them.
type Bridge struct {
	controller *Controller
	fanout     Clearer
	journal    journal.Journal
	logger     *slog.Logger
	recorder   *metrics.Recorder

	mail mailbox
}

func NewBridge(controller *Controller, fanout Clearer, jrnl journal.Journal, logger *slog.Logger, recorder *metrics.Recorder) *Bridge {
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Bridge{
		controller: controller,
		fanout:     fanout,
		journal:    jrnl,
		logger:     logger.With(slog.String("component", "bridge")),
		recorder:   recorder,
		mail:       mailbox{ready: make(chan struct{}, 1)},
	}
}

// RequestPlay posts a transition intent. It never blocks and may be called
// from any goroutine, including under the registry's lock.
func (b *Bridge) RequestPlay(play bool) {
	b.mail.post(Event{Kind: EventPlayRequest, Play: play})
}

// Run is the control loop. Posted intents take priority over bus traffic so
// an intent is never reordered behind engine events that arrived after it
// was posted. Run returns when ctx is cancelled or the engine bus closes.
func (b *Bridge) Run(ctx context.Context) error {
	bus := b.controller.engine.Events()
	for {
		if ev, ok := b.mail.take(); ok {
			b.dispatch(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.mail.ready:
		case ev, ok := <-bus:
			if !ok {
				return nil
			}
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev Event) {
	b.recorder.ObserveEngineEvent(ev.Kind.String())

	switch ev.Kind {
	case EventPlayRequest:
		if err := b.controller.Play(ev.Play); err != nil {
			b.logger.Warn("play request rejected", slog.Bool("play", ev.Play), slog.Any("error", err))
			return
		}
		b.publish(ctx, journal.Entry{Kind: "transition", State: b.controller.State().String()})

	case EventStateChanged:
		b.logger.Debug("engine state changed",
			slog.String("old", ev.Old.String()),
			slog.String("new", ev.New.String()),
			slog.String("pending", ev.Pending.String()),
			slog.String("source", ev.Source))
		b.controller.Snapshot(fmt.Sprintf("statechange-%s-to-%s", ev.Old, ev.New))

	case EventEOS:
		b.logger.Info("end of stream")
		if err := b.controller.Play(false); err != nil {
			b.logger.Warn("pause after end of stream failed", slog.Any("error", err))
		}
		evicted := b.fanout.Clear(broadcast.ReasonStreamEnd)
		b.publish(ctx, journal.Entry{Kind: "eos", Detail: fmt.Sprintf("evicted %d clients", evicted)})

	case EventError:
		b.logger.Error("pipeline error",
			slog.Any("error", ev.Err),
			slog.String("debug", ev.Debug),
			slog.String("source", ev.Source))
		b.controller.Snapshot("error")
		if err := b.controller.Play(false); err != nil {
			b.logger.Warn("pause after pipeline error failed", slog.Any("error", err))
		}
		// Halt before evicting: the stream handler re-checks the state
		// after registering, so a client that slips in behind this Clear
		// sees Halted and backs out instead of lingering.
		b.controller.Halt()
		evicted := b.fanout.Clear(broadcast.ReasonStreamError)
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		b.publish(ctx, journal.Entry{Kind: "error", State: StateHalted.String(), Detail: detail})
		b.logger.Info("pipeline halted", slog.Int("evicted", evicted))

	case EventWarning:
		b.logger.Warn("pipeline warning",
			slog.Any("error", ev.Err),
			slog.String("debug", ev.Debug),
			slog.String("source", ev.Source))

	case EventInfo:
		b.logger.Info("pipeline info",
			slog.Any("error", ev.Err),
			slog.String("debug", ev.Debug),
			slog.String("source", ev.Source))

	case EventStateRequest:
		b.logger.Info("element requested state", slog.String("state", ev.Requested.String()), slog.String("source", ev.Source))
		if err := b.controller.ForwardStateRequest(ev.Requested); err != nil {
			b.logger.Warn("forwarded state request rejected", slog.Any("error", err))
		}

	case EventLatency:
		if err := b.controller.RecalculateLatency(); err != nil {
			b.logger.Warn("latency recalculation failed", slog.Any("error", err))
		}
	}
}

func (b *Bridge) publish(ctx context.Context, entry journal.Entry) {
	entry.OccurredAt = time.Now().UTC()
	if err := b.journal.Publish(ctx, entry); err != nil {
		b.logger.Warn("journal publish failed", slog.String("kind", entry.Kind), slog.Any("error", err))
	}
}

// mailbox is an unbounded FIFO with a level-triggered readiness channel.
// post is O(1) and never blocks, which lets the registry call it while
// holding its membership lock.
type mailbox struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
}

func (m *mailbox) post(ev Event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Event{}, false
	}
	ev := m.items[0]
	m.items = m.items[1:]
	return ev, true
}
