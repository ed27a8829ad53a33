package httpparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseWhole(t *testing.T, raw []byte) ParsedRequest {
	t.Helper()
	p := NewParser()
	require.NoError(t, p.Feed(raw))
	require.True(t, p.IsComplete())
	req, ok := p.Parse()
	require.True(t, ok)
	return req
}

func TestParseContentLengthRequest(t *testing.T) {
	raw := []byte("POST /v1/messages HTTP/1.1\r\nHost: api.anthropic.com\r\nContent-Length: 5\r\n\r\nhello")
	req := parseWhole(t, raw)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/v1/messages", req.Path)
	assert.Equal(t, "HTTP/1.1", req.HTTPVersion)
	assert.Equal(t, "api.anthropic.com", req.Headers.Get("host"))
	assert.Equal(t, []byte("hello"), req.Body)
}

func TestParseNoBodyRequest(t *testing.T) {
	raw := []byte("GET /api/me HTTP/1.1\r\nHost: claude.ai\r\n\r\n")
	req := parseWhole(t, raw)

	assert.Equal(t, "GET", req.Method)
	assert.Empty(t, req.Body)
}

func TestParseChunkedRequest(t *testing.T) {
	raw := []byte("POST /x HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	req := parseWhole(t, raw)

	assert.Equal(t, []byte("hello world"), req.Body)
}

func TestChunkedWinsOverContentLength(t *testing.T) {
	// RFC 7230: when both are present, chunked framing takes precedence.
	raw := []byte("POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 999\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"2\r\nhi\r\n0\r\n\r\n")
	req := parseWhole(t, raw)

	assert.Equal(t, []byte("hi"), req.Body)
}

func TestParserCompletenessAcrossArbitrarySplits(t *testing.T) {
	raw := []byte("POST /v1/messages HTTP/1.1\r\nHost: api.anthropic.com\r\nContent-Length: 13\r\n\r\n{\"a\":\"hello\"}")
	want := parseWhole(t, raw)

	for splitEvery := 1; splitEvery <= 7; splitEvery++ {
		p := NewParser()
		for i := 0; i < len(raw); i += splitEvery {
			end := i + splitEvery
			if end > len(raw) {
				end = len(raw)
			}
			require.NoError(t, p.Feed(raw[i:end]))
		}
		require.True(t, p.IsComplete(), "splitEvery=%d", splitEvery)
		got, ok := p.Parse()
		require.True(t, ok)
		assert.Equal(t, want.Method, got.Method)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.Body, got.Body)
	}
}

func TestMalformedRequestLine(t *testing.T) {
	p := NewParser()
	err := p.Feed([]byte("NOT A REQUEST LINE\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResetAllowsNextRequestOnSameConnection(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Feed([]byte("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")))
	require.True(t, p.IsComplete())
	p.Reset()
	assert.Equal(t, StateRequestLine, p.State())

	require.NoError(t, p.Feed([]byte("GET /b HTTP/1.1\r\nHost: h\r\n\r\n")))
	req, ok := p.Parse()
	require.True(t, ok)
	assert.Equal(t, "/b", req.Path)
}
