package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/", 200, 25*time.Millisecond)
	recorder.ObserveRequest("GET", "/healthz", 200, 5*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()

	if !strings.Contains(out, `streamcast_http_requests_total{method="GET",path="/",status="200"} 2`) {
		t.Fatalf("missing aggregated request count:\n%s", out)
	}
	if !strings.Contains(out, `streamcast_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("missing health request count:\n%s", out)
	}
}

func TestClientGaugeAndOutcomes(t *testing.T) {
	recorder := New()

	recorder.ClientConnected()
	recorder.ClientConnected()
	recorder.ClientClosed("disconnect")

	if got := recorder.ActiveClients(); got != 1 {
		t.Fatalf("expected 1 active client, got %d", got)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()

	if !strings.Contains(out, "streamcast_active_clients 1") {
		t.Fatalf("missing active clients gauge:\n%s", out)
	}
	if !strings.Contains(out, "streamcast_clients_total 2") {
		t.Fatalf("missing clients total:\n%s", out)
	}
	if !strings.Contains(out, `streamcast_client_sessions_ended_total{outcome="disconnect"} 1`) {
		t.Fatalf("missing session outcome:\n%s", out)
	}
}

func TestDeliveryAndPipelineCounters(t *testing.T) {
	recorder := New()

	recorder.ObserveDelivery(1024)
	recorder.ObserveDelivery(512)
	recorder.ObserveEngineEvent("eos")
	recorder.ObserveTransition("playing")
	recorder.ObserveTransition("playing")

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()

	if !strings.Contains(out, "streamcast_delivered_bytes_total 1536") {
		t.Fatalf("missing delivered bytes:\n%s", out)
	}
	if !strings.Contains(out, "streamcast_delivered_samples_total 2") {
		t.Fatalf("missing delivered samples:\n%s", out)
	}
	if !strings.Contains(out, `streamcast_engine_events_total{kind="eos"} 1`) {
		t.Fatalf("missing engine event:\n%s", out)
	}
	if !strings.Contains(out, `streamcast_pipeline_transitions_total{state="playing"} 2`) {
		t.Fatalf("missing transition count:\n%s", out)
	}
}

func TestResetClearsEverything(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)
	recorder.ClientConnected()
	recorder.ObserveDelivery(10)
	recorder.Reset()

	if got := recorder.ActiveClients(); got != 0 {
		t.Fatalf("expected 0 active clients after reset, got %d", got)
	}
	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()
	if strings.Contains(out, `status="200"`) {
		t.Fatalf("request counters survived reset:\n%s", out)
	}
	if !strings.Contains(out, "streamcast_delivered_bytes_total 0") {
		t.Fatalf("delivery counters survived reset:\n%s", out)
	}
}

func TestConcurrentRecordingIsSafe(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveRequest("GET", "/", 200, time.Microsecond)
				recorder.ObserveDelivery(1)
				recorder.ObserveEngineEvent("state_changed")
			}
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `streamcast_http_requests_total{method="GET",path="/",status="200"} 1600`) {
		t.Fatalf("lost concurrent increments:\n%s", buf.String())
	}
}
