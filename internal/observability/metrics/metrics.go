package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, client
// sessions, fan-out delivery, and pipeline lifecycle events. It coordinates
// concurrent writers via a RWMutex while exposing thread-safe gauges for the
// hot delivery path.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionOutcomes map[string]uint64
	engineEvents    map[string]uint64
	transitions     map[string]uint64

	activeClients    atomic.Int64
	clientsTotal     atomic.Uint64
	deliveredBytes   atomic.Uint64
	deliveredSamples atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionOutcomes: make(map[string]uint64),
		engineEvents:    make(map[string]uint64),
		transitions:     make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder shared by the middleware helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{method: method, path: path, status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// ClientConnected bumps the active client gauge and the session total.
func (r *Recorder) ClientConnected() {
	r.activeClients.Add(1)
	r.clientsTotal.Add(1)
}

// ClientClosed decrements the gauge and records why the session ended
// (disconnect, overrun, timeout, shutdown, stream_end, stream_error).
func (r *Recorder) ClientClosed(outcome string) {
	r.activeClients.Add(-1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionOutcomes[outcome]++
}

// ActiveClients reports the current gauge value.
func (r *Recorder) ActiveClients() int64 {
	return r.activeClients.Load()
}

// ObserveDelivery accounts bytes handed to a client socket.
func (r *Recorder) ObserveDelivery(bytes int) {
	r.deliveredBytes.Add(uint64(bytes))
	r.deliveredSamples.Add(1)
}

// ObserveEngineEvent counts a pipeline engine notification by kind.
func (r *Recorder) ObserveEngineEvent(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engineEvents[kind]++
}

// ObserveTransition counts a controller state transition by target state.
func (r *Recorder) ObserveTransition(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[state]++
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionOutcomes = make(map[string]uint64)
	r.engineEvents = make(map[string]uint64)
	r.transitions = make(map[string]uint64)
	r.activeClients.Store(0)
	r.clientsTotal.Store(0)
	r.deliveredBytes.Store(0)
	r.deliveredSamples.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	outcomes := sortedKeys(r.sessionOutcomes)
	engineEvents := sortedKeys(r.engineEvents)
	transitions := sortedKeys(r.transitions)

	fmt.Fprintln(w, "# HELP streamcast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE streamcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamcast_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamcast_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamcast_active_clients Clients currently attached to the broadcast")
	fmt.Fprintln(w, "# TYPE streamcast_active_clients gauge")
	fmt.Fprintf(w, "streamcast_active_clients %d\n", r.activeClients.Load())

	fmt.Fprintln(w, "# HELP streamcast_clients_total Client sessions accepted since start")
	fmt.Fprintln(w, "# TYPE streamcast_clients_total counter")
	fmt.Fprintf(w, "streamcast_clients_total %d\n", r.clientsTotal.Load())

	fmt.Fprintln(w, "# HELP streamcast_client_sessions_ended_total Client sessions ended by outcome")
	fmt.Fprintln(w, "# TYPE streamcast_client_sessions_ended_total counter")
	for _, outcome := range outcomes {
		fmt.Fprintf(w, "streamcast_client_sessions_ended_total{outcome=%q} %d\n", outcome, r.sessionOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP streamcast_delivered_bytes_total Stream bytes written to client sockets")
	fmt.Fprintln(w, "# TYPE streamcast_delivered_bytes_total counter")
	fmt.Fprintf(w, "streamcast_delivered_bytes_total %d\n", r.deliveredBytes.Load())

	fmt.Fprintln(w, "# HELP streamcast_delivered_samples_total Stream samples written to client sockets")
	fmt.Fprintln(w, "# TYPE streamcast_delivered_samples_total counter")
	fmt.Fprintf(w, "streamcast_delivered_samples_total %d\n", r.deliveredSamples.Load())

	fmt.Fprintln(w, "# HELP streamcast_engine_events_total Pipeline engine notifications by kind")
	fmt.Fprintln(w, "# TYPE streamcast_engine_events_total counter")
	for _, kind := range engineEvents {
		fmt.Fprintf(w, "streamcast_engine_events_total{kind=%q} %d\n", kind, r.engineEvents[kind])
	}

	fmt.Fprintln(w, "# HELP streamcast_pipeline_transitions_total Controller state transitions by target state")
	fmt.Fprintln(w, "# TYPE streamcast_pipeline_transitions_total counter")
	for _, state := range transitions {
		fmt.Fprintf(w, "streamcast_pipeline_transitions_total{state=%q} %d\n", state, r.transitions[state])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
