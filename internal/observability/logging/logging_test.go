package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "hello" {
		t.Fatalf("unexpected message %v", record["msg"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			leveler := parseLevel(tc.input)
			if leveler == nil {
				t.Fatalf("expected leveler, got nil")
			}
			if got := leveler.Level(); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestContextCarriesIdentifiers(t *testing.T) {
	ctx := context.Background()
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("unexpected request id on empty context")
	}

	ctx = ContextWithRequestID(ctx, " req-1 ")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "req-1" {
		t.Fatalf("expected trimmed request id, got %q (%v)", id, ok)
	}

	ctx = ContextWithClientID(ctx, "client-1")
	clientID, ok := ClientIDFromContext(ctx)
	if !ok || clientID != "client-1" {
		t.Fatalf("expected client id, got %q (%v)", clientID, ok)
	}

	// Blank values must not be stored.
	if next := ContextWithRequestID(context.Background(), "  "); next != context.Background() {
		t.Fatal("blank request id should leave the context untouched")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-9")
	ctx = ContextWithClientID(ctx, "client-9")
	WithContext(ctx, logger).Info("annotated")

	out := buf.String()
	if !strings.Contains(out, "req-9") || !strings.Contains(out, "client-9") {
		t.Fatalf("expected identifiers in output, got %q", out)
	}
}

func TestRequestLoggerLogsCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if record["path"] != "/stream" {
		t.Fatalf("expected path attribute, got %v", record["path"])
	}
	if record["status"] != float64(http.StatusAccepted) {
		t.Fatalf("expected status attribute, got %v", record["status"])
	}
}
