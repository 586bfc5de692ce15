package api

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestStream(t *testing.T) (*streamWriter, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	s, err := newStreamWriter(w, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newStreamWriter: %v", err)
	}
	return s, w
}

func TestStreamHeaders(t *testing.T) {
	_, w := newTestStream(t)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if w.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("X-Accel-Buffering header missing")
	}
	if w.Header().Get("Cache-Control") != "no-cache" {
		t.Error("Cache-Control header missing")
	}
}

func TestStreamText(t *testing.T) {
	s, w := newTestStream(t)
	s.Text("hello")
	s.Text("line\nbreak")

	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("newlines in tokens must not break framing, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != `0:"hello"` {
		t.Errorf("token frame = %q, want %q", lines[0], `0:"hello"`)
	}
	if lines[1] != `0:"line\nbreak"` {
		t.Errorf("escaped frame = %q", lines[1])
	}
}

func TestStreamToolCall(t *testing.T) {
	s, w := newTestStream(t)
	s.ToolCall("call_1", "search_project_data", map[string]any{"query": "tests"})

	line := strings.TrimRight(w.Body.String(), "\n")
	if !strings.HasPrefix(line, "9:") {
		t.Fatalf("expected 9: prefix, got %q", line)
	}

	var frame struct {
		ToolCallID string         `json:"toolCallId"`
		ToolName   string         `json:"toolName"`
		Args       map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(line[2:]), &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if frame.ToolCallID != "call_1" || frame.ToolName != "search_project_data" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Args["query"] != "tests" {
		t.Errorf("args not carried: %v", frame.Args)
	}
}

func TestStreamToolResult(t *testing.T) {
	s, w := newTestStream(t)
	s.ToolResult("call_1", "recall_memory", `{"total":0}`)

	line := strings.TrimRight(w.Body.String(), "\n")
	if !strings.HasPrefix(line, "a:") {
		t.Fatalf("expected a: prefix, got %q", line)
	}

	var frame struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line[2:]), &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if frame.Result != `{"total":0}` {
		t.Errorf("result = %q", frame.Result)
	}
}

func TestStreamError(t *testing.T) {
	s, w := newTestStream(t)
	s.Error("model timed out")

	line := strings.TrimRight(w.Body.String(), "\n")
	if !strings.HasPrefix(line, "e:") {
		t.Fatalf("expected e: prefix, got %q", line)
	}

	if line != `e:"model timed out"` {
		t.Errorf("error frame = %q, want %q", line, `e:"model timed out"`)
	}
}

func TestStreamFramesFlush(t *testing.T) {
	s, w := newTestStream(t)
	s.Text("a")
	if !w.Flushed {
		t.Error("frames must flush immediately")
	}
}
