package sse

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventSequenceRe mirrors spec.md §8 property 6's shape for a completion
// stream: message_start ping* (content_block_start (content_block_delta |
// ping)* content_block_stop)* message_delta message_limit message_stop.
var eventSequenceRe = regexp.MustCompile(
	`^message_start(,ping)*(,content_block_start(,content_block_delta|,ping)*,content_block_stop)*,message_delta,message_limit,message_stop$`,
)

func extractEventNames(t *testing.T, data []byte) string {
	t.Helper()
	names := regexp.MustCompile(`event: (\w+)`).FindAllSubmatch(data, -1)
	var out []string
	for _, n := range names {
		out = append(out, string(n[1]))
	}
	joined := ""
	for i, n := range out {
		if i > 0 {
			joined += ","
		}
		joined += n
	}
	return joined
}

func TestWriteErrorResponseShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteErrorResponse(&buf, "msg_1", "oai/gpt-4o", "an error occurred"))

	seq := extractEventNames(t, buf.Bytes())
	assert.Regexp(t, eventSequenceRe, seq)
	assert.Contains(t, buf.String(), "an error occurred")
}

func TestFullStreamShapeWithTextBlock(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.MessageStart(Message{ID: "m1", Type: "message", Role: "assistant", Model: "oai/gpt-4o", Content: []any{}}))
	require.NoError(t, w.Ping())
	require.NoError(t, w.ContentBlockStart(0, ContentBlock{Type: "text"}))
	require.NoError(t, w.ContentBlockDelta(0, Delta{Type: "text_delta", Text: "hi"}))
	require.NoError(t, w.ContentBlockDelta(0, Delta{Type: "text_delta", Text: " there"}))
	require.NoError(t, w.ContentBlockStop(0))
	require.NoError(t, w.MessageDelta("end_turn"))
	require.NoError(t, w.MessageLimit())
	require.NoError(t, w.MessageStop())

	seq := extractEventNames(t, buf.Bytes())
	assert.Regexp(t, eventSequenceRe, seq)
}

func TestEventFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Ping())

	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", buf.String())
}

// Keep-alive ping cadence itself (spec.md §5's 10s interval) isn't exercised
// with a real timer here, since that would make this suite slow; these
// cases cover ScanWithPing's line delivery, early-stop, and error paths.

func TestScanWithPingDeliversEveryLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	body := strings.NewReader("line one\nline two\nline three\n")

	var got []string
	err := ScanWithPing(context.Background(), body, w, func(line string) error {
		got = append(got, line)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two", "line three"}, got)
}

func TestScanWithPingErrStopEndsCleanly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	body := strings.NewReader("data: {}\n[DONE]\nnever reached\n")

	var got []string
	err := ScanWithPing(context.Background(), body, w, func(line string) error {
		if line == "[DONE]" {
			return ErrStop
		}
		got = append(got, line)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"data: {}"}, got)
}

func TestScanWithPingPropagatesOnLineError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	body := strings.NewReader("boom\n")
	wantErr := errors.New("handler failed")

	err := ScanWithPing(context.Background(), body, w, func(line string) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestScanWithPingStopsOnContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ScanWithPing(ctx, strings.NewReader("line\n"), w, func(line string) error {
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}
