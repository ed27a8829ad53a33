// Package sse encodes the Anthropic Messages SSE event schema that every
// intercepted completion must emit back to the client, regardless of which
// upstream provider actually served the request (spec.md §4.F, §6, §8).
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// PingInterval is the keep-alive cadence during long upstream pauses
// (spec.md §5): every intercepted stream must emit a ping at least this
// often so the client UI never appears to hang.
const PingInterval = 10 * time.Second

// ErrStop is returned by a ScanWithPing line handler to end scanning early
// (e.g. on a provider's own stream terminator line) without surfacing an
// error to the caller.
var ErrStop = errors.New("sse: stop scanning")

// Writer emits well-formed Anthropic Messages SSE events to an underlying
// stream, one event per HTTP chunk ("event: X\ndata: JSON\n\n").
type Writer struct {
	w       io.Writer
	flusher flusher
}

// flusher is implemented by http.Flusher; kept as a narrow local interface
// so this package does not import net/http.
type flusher interface {
	Flush()
}

// NewWriter returns a Writer over w, flushing after every event if w
// implements flusher (e.g. an http.ResponseWriter).
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(flusher)
	return &Writer{w: w, flusher: f}
}

// Message is the message_start event's message object.
type Message struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Role       string  `json:"role"`
	Model      string  `json:"model"`
	UUID       string  `json:"uuid,omitempty"`
	Content    []any   `json:"content"`
	StopReason *string `json:"stop_reason"`
	TraceID    string  `json:"trace_id,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// ContentBlock describes a content_block_start block.
type ContentBlock struct {
	Type string `json:"type"` // text | thinking | tool_use
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// Delta is a content_block_delta's delta payload.
type Delta struct {
	Type        string `json:"type"` // text_delta | thinking_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

func (w *Writer) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// MessageStart emits the stream-opening event.
func (w *Writer) MessageStart(msg Message) error {
	return w.emit("message_start", map[string]any{"type": "message_start", "message": msg})
}

// Ping emits a keep-alive ping, sent every 10s during long upstream pauses
// per spec.md §5.
func (w *Writer) Ping() error {
	return w.emit("ping", map[string]any{"type": "ping"})
}

// ContentBlockStart emits the start of a text/thinking/tool_use block at
// index.
func (w *Writer) ContentBlockStart(index int, block ContentBlock) error {
	return w.emit("content_block_start", map[string]any{
		"type": "content_block_start", "index": index, "content_block": block,
	})
}

// ContentBlockDelta emits an incremental fragment for the block at index.
func (w *Writer) ContentBlockDelta(index int, delta Delta) error {
	return w.emit("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": index, "delta": delta,
	})
}

// ContentBlockStop closes the block at index.
func (w *Writer) ContentBlockStop(index int) error {
	return w.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
}

// MessageDelta emits the stop_reason delta preceding message_limit/stop.
func (w *Writer) MessageDelta(stopReason string) error {
	return w.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
	})
}

// MessageLimit emits the within_limit usage-limit event.
func (w *Writer) MessageLimit() error {
	return w.emit("message_limit", map[string]any{
		"type": "message_limit", "message_limit": map[string]any{"type": "within_limit"},
	})
}

// MessageStop emits the terminating event. It must be the last event on
// every completion response, including error paths (spec.md §5, §7).
func (w *Writer) MessageStop() error {
	return w.emit("message_stop", map[string]any{"type": "message_stop"})
}

// WriteErrorResponse emits a complete, well-formed error-shaped response:
// message_start -> content_block_start(text) -> content_block_delta(text) ->
// content_block_stop -> message_delta(error) -> message_limit ->
// message_stop, so the client UI surfaces visibleText instead of hanging
// (spec.md §4.F.3, §7).
func WriteErrorResponse(w io.Writer, messageID, model, visibleText string) error {
	sw := NewWriter(w)
	if err := sw.MessageStart(Message{ID: messageID, Type: "message", Role: "assistant", Model: model, Content: []any{}}); err != nil {
		return err
	}
	if err := sw.ContentBlockStart(0, ContentBlock{Type: "text"}); err != nil {
		return err
	}
	if err := sw.ContentBlockDelta(0, Delta{Type: "text_delta", Text: visibleText}); err != nil {
		return err
	}
	if err := sw.ContentBlockStop(0); err != nil {
		return err
	}
	if err := sw.MessageDelta("error"); err != nil {
		return err
	}
	if err := sw.MessageLimit(); err != nil {
		return err
	}
	return sw.MessageStop()
}

// ScanWithPing scans body line by line, invoking onLine for each one, while
// emitting a keep-alive Ping on w whenever PingInterval elapses without a
// line arriving — so a long upstream pause never leaves the client UI
// looking hung (spec.md §5). onLine returning ErrStop ends scanning
// cleanly; any other error aborts and is returned to the caller.
func ScanWithPing(ctx context.Context, body io.Reader, w *Writer, onLine func(line string) error) error {
	lines := make(chan string)
	done := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
		done <- scanner.Err()
	}()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-done; err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			}
			if err := onLine(line); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := w.Ping(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
