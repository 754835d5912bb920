package server_test

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"streamcast/internal/broadcast"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/pipeline"
	"streamcast/internal/server"
)

type fakeStatus struct {
	state       pipeline.State
	contentType string
}

func (f *fakeStatus) State() pipeline.State { return f.state }
func (f *fakeStatus) ContentType() string   { return f.contentType }

type nopNotifier struct{}

func (nopNotifier) RequestPlay(bool) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, status server.PipelineStatus) (*httptest.Server, *broadcast.Fanout, *broadcast.Registry) {
	t.Helper()
	logger := testLogger()
	recorder := metrics.New()
	registry := broadcast.NewRegistry(nopNotifier{}, logger)
	fanout := broadcast.NewFanout(broadcast.Policy{}, registry, logger, recorder)

	srv := server.New(server.Config{
		Status:   status,
		Fanout:   fanout,
		Registry: registry,
		Logger:   logger,
		Recorder: recorder,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { fanout.Clear(broadcast.ReasonShutdown) })
	return ts, fanout, registry
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamEndpointDeliversBroadcast(t *testing.T) {
	status := &fakeStatus{state: pipeline.StatePlaying, contentType: "video/webm"}
	ts, fanout, registry := newTestServer(t, status)

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/webm" {
		t.Fatalf("expected announced content type, got %q", got)
	}
	if got := resp.Header.Get("Server"); got != "streamcast" {
		t.Fatalf("unexpected server header %q", got)
	}
	if resp.ContentLength != -1 {
		t.Fatalf("body must not be length-framed, got length %d", resp.ContentLength)
	}
	if !resp.Close {
		t.Fatal("expected connection: close framing")
	}

	waitFor(t, "client registration", func() bool { return registry.Size() == 1 })

	fanout.Write(broadcast.Sample{Data: []byte("hello"), Keyframe: true})
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected broadcast bytes, got %q", buf)
	}

	// Dropping the connection must unregister the client.
	conn.Close()
	waitFor(t, "client removal", func() bool { return registry.Size() == 0 })
}

// haltingStatus reports a live pipeline to the availability check and a
// halted one to every later call, standing in for a fatal event that lands
// mid-admission.
type haltingStatus struct {
	mu    sync.Mutex
	calls int
}

func (h *haltingStatus) State() pipeline.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls == 1 {
		return pipeline.StatePlaying
	}
	return pipeline.StateHalted
}

func (h *haltingStatus) ContentType() string { return "video/webm" }

func TestStreamEndpointEvictsClientAdmittedDuringHalt(t *testing.T) {
	status := &haltingStatus{}
	ts, _, registry := newTestServer(t, status)

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Headers go out before the halt is observed, so the response starts.
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// The post-registration check must close the connection instead of
	// leaving the client waiting on a stream that will never resume.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := resp.Body.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected closed stream, got %v", err)
	}
	waitFor(t, "registry drain", func() bool { return registry.Size() == 0 })
}

func TestStreamEndpointUnavailableWhenHalted(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateHalted, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestStreamEndpointRejectsNonGet(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateReady, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	resp, err := http.Post(ts.URL+"/", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestStreamEndpointUnknownPath(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateReady, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateReady, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		State   string `json:"state"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.State != "ready" {
		t.Fatalf("expected ready, got %q", payload.State)
	}
	if payload.Clients != 0 {
		t.Fatalf("expected 0 clients, got %d", payload.Clients)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateReady, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "streamcast_") {
		t.Fatalf("expected exported metrics, got %q", body)
	}
}

func TestRequestIDEcho(t *testing.T) {
	status := &fakeStatus{state: pipeline.StateReady, contentType: "video/webm"}
	ts, _, _ := newTestServer(t, status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}
