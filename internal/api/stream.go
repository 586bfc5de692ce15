package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Stream frame prefixes. Each frame is one newline-terminated line:
//
//	0:<json string>                        text token
//	9:{toolCallId, toolName, args}         tool call started
//	a:{toolCallId, toolName, result}       tool call completed
//	e:<json string>                        terminal error
const (
	frameText       = "0:"
	frameToolCall   = "9:"
	frameToolResult = "a:"
	frameError      = "e:"
)

// streamWriteTimeout bounds each individual frame write. The deadline
// is reset after every frame so long tool executions between frames do
// not kill the connection.
const streamWriteTimeout = 120 * time.Second

// streamWriter emits line-delimited frames to an HTTP response, flushing
// after every frame so clients see progress immediately.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger
}

// newStreamWriter prepares w for line-framed streaming. Returns an
// error if the underlying writer cannot flush.
func newStreamWriter(w http.ResponseWriter, logger *slog.Logger) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &streamWriter{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		logger:  logger,
	}, nil
}

// Text emits a token frame. The token is JSON-string encoded so
// newlines inside it cannot break framing.
func (s *streamWriter) Text(token string) {
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	s.frame(frameText, data)
}

// ToolCall emits a tool invocation frame.
func (s *streamWriter) ToolCall(toolCallID, toolName string, args map[string]any) {
	data, err := json.Marshal(map[string]any{
		"toolCallId": toolCallID,
		"toolName":   toolName,
		"args":       args,
	})
	if err != nil {
		return
	}
	s.frame(frameToolCall, data)
}

// ToolResult emits a tool completion frame.
func (s *streamWriter) ToolResult(toolCallID, toolName, result string) {
	data, err := json.Marshal(map[string]any{
		"toolCallId": toolCallID,
		"toolName":   toolName,
		"result":     result,
	})
	if err != nil {
		return
	}
	s.frame(frameToolResult, data)
}

// Error emits a terminal error frame. Status codes are long gone by the
// time streaming has started; the frame is all the client gets. The
// payload is a JSON-encoded string, matching the client's framing.
func (s *streamWriter) Error(msg string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.frame(frameError, data)
}

func (s *streamWriter) frame(prefix string, data []byte) {
	if _, err := fmt.Fprintf(s.w, "%s%s\n", prefix, data); err != nil {
		s.logger.Debug("failed to write stream frame", "error", err)
		return
	}
	s.flusher.Flush()

	// Reset the write deadline after every frame so slow multi-step
	// turns do not time out between tool calls.
	if err := s.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
}
