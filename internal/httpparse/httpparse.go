// Package httpparse implements an incremental HTTP/1.1 request parser over a
// decrypted byte stream, as specified for the CONNECT dispatcher's inner
// loop (spec.md §4.B).
package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// State is the parser's current position in the request grammar.
type State int

// Parser states, in grammar order.
const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateComplete
)

// ErrMalformed is returned (wrapped) when the byte stream cannot be parsed
// as a well-formed HTTP/1.1 request.
var ErrMalformed = errors.New("malformed HTTP request")

// ParsedRequest is the fully decoded request, per spec.md §3.
type ParsedRequest struct {
	Method      string
	Path        string
	HTTPVersion string
	// Headers preserves the order of first occurrence and is looked up
	// case-insensitively via Header.Get/Values.
	Headers Header
	Body    []byte
	// Raw is the entire on-wire form of the request, reconstructed from the
	// fed bytes (request line + headers + body), not the mutated body.
	Raw []byte
}

// Parser is an incremental state machine: RequestLine -> Headers -> Body ->
// Complete. Feed bytes as they arrive; Parse once IsComplete is true.
type Parser struct {
	buf   bytes.Buffer
	state State

	method      string
	path        string
	httpVersion string
	headers     Header
	headerRaw   []byte

	contentLength  int64
	hasLength      bool
	chunked        bool
	bodyWanted     int64 // -1 when chunked/unknown; tracked via chunk decoder
	body           bytes.Buffer
	chunkDecoder   *chunkDecoder
	requestLineLen int
}

// NewParser returns a fresh Parser in StateRequestLine.
func NewParser() *Parser {
	return &Parser{state: StateRequestLine, headers: NewHeader()}
}

// State returns the parser's current state.
func (p *Parser) State() State { return p.state }

// IsComplete reports whether the body has been fully received, per
// Content-Length or a terminated chunked encoding.
func (p *Parser) IsComplete() bool { return p.state == StateComplete }

// Feed appends bytes to the internal buffer and advances the state machine
// as far as the currently buffered data allows. It returns ErrMalformed if
// the stream cannot be a valid HTTP/1.1 request.
func (p *Parser) Feed(b []byte) error {
	p.buf.Write(b)

	for {
		switch p.state {
		case StateRequestLine:
			line, ok, err := p.readLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := p.parseRequestLine(line); err != nil {
				return err
			}
			p.requestLineLen = len(line) + 2
			p.state = StateHeaders
		case StateHeaders:
			line, ok, err := p.readLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				if err := p.finishHeaders(); err != nil {
					return err
				}
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return err
			}
		case StateBody:
			if p.chunked {
				done, err := p.chunkDecoder.feed(&p.buf, &p.body)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrMalformed, err)
				}
				if !done {
					return nil
				}
				p.state = StateComplete
				return nil
			}
			remaining := p.contentLength - int64(p.body.Len())
			if remaining <= 0 {
				p.state = StateComplete
				return nil
			}
			n := int64(p.buf.Len())
			if n == 0 {
				return nil
			}
			if n > remaining {
				n = remaining
			}
			chunk := make([]byte, n)
			_, _ = io.ReadFull(&p.buf, chunk)
			p.body.Write(chunk)
			if int64(p.body.Len()) >= p.contentLength {
				p.state = StateComplete
			}
			return nil
		case StateComplete:
			return nil
		}
	}
}

// readLine attempts to read one CRLF-terminated line from the internal
// buffer without consuming bytes beyond it if incomplete.
func (p *Parser) readLine() (line []byte, ok bool, err error) {
	data := p.buf.Bytes()
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		if p.buf.Len() > maxLineLength {
			return nil, false, fmt.Errorf("%w: line too long", ErrMalformed)
		}
		return nil, false, nil
	}
	line = make([]byte, idx)
	copy(line, data[:idx])
	p.buf.Next(idx + 2)
	return line, true, nil
}

const maxLineLength = 64 * 1024

func (p *Parser) parseRequestLine(line []byte) error {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	p.method = parts[0]
	p.path = parts[1]
	p.httpVersion = parts[2]
	if !strings.HasPrefix(p.httpVersion, "HTTP/") {
		return fmt.Errorf("%w: bad HTTP version %q", ErrMalformed, p.httpVersion)
	}
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
	}
	name := strings.TrimSpace(string(line[:idx]))
	value := strings.TrimSpace(string(line[idx+1:]))
	if name == "" {
		return fmt.Errorf("%w: empty header name", ErrMalformed)
	}
	p.headers.Add(name, value)
	return nil
}

// finishHeaders decides framing per RFC 7230: chunked wins if both
// Content-Length and Transfer-Encoding: chunked are present.
func (p *Parser) finishHeaders() error {
	if te := p.headers.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		p.chunked = true
		p.chunkDecoder = newChunkDecoder()
		p.state = StateBody
		return nil
	}
	if cl := p.headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, cl)
		}
		p.contentLength = n
		p.hasLength = true
	}
	if p.contentLength == 0 {
		p.state = StateComplete
		return nil
	}
	p.state = StateBody
	return nil
}

// Parse returns the ParsedRequest once IsComplete is true. It returns false
// if the parser has not yet reached StateComplete.
func (p *Parser) Parse() (ParsedRequest, bool) {
	if p.state != StateComplete {
		return ParsedRequest{}, false
	}
	body := p.body.Bytes()
	raw := p.reconstructRaw(body)
	return ParsedRequest{
		Method:      p.method,
		Path:        p.path,
		HTTPVersion: p.httpVersion,
		Headers:     p.headers,
		Body:        append([]byte(nil), body...),
		Raw:         raw,
	}, true
}

// reconstructRaw rebuilds the request from parsed fields: request line,
// headers in arrival order, and the decoded body. The forwarder does not
// send Raw; it writes the request from the parsed fields itself.
func (p *Parser) reconstructRaw(body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", p.method, p.path, p.httpVersion)
	for _, kv := range p.headers.entries {
		fmt.Fprintf(&buf, "%s: %s\r\n", kv.Key, kv.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// Reset clears parser state for the next request on the same keep-alive
// connection, preserving any bytes already buffered past the prior request.
func (p *Parser) Reset() {
	p.state = StateRequestLine
	p.method = ""
	p.path = ""
	p.httpVersion = ""
	p.headers = NewHeader()
	p.contentLength = 0
	p.hasLength = false
	p.chunked = false
	p.chunkDecoder = nil
	p.body.Reset()
}

// chunkDecoder incrementally decodes a chunked transfer-encoded body.
// It accumulates undecoded bytes in pending and only advances its read
// offset once a full chunk (size line + data + trailing CRLF) is available,
// so a call on a partial chunk never writes partial or duplicate data.
type chunkDecoder struct {
	pending []byte
}

func newChunkDecoder() *chunkDecoder { return &chunkDecoder{} }

// feed attempts to decode as many complete chunks as are available in src,
// appending decoded data to dst. It returns done=true once the zero-length
// terminating chunk (and trailing CRLF) has been consumed.
func (c *chunkDecoder) feed(src *bytes.Buffer, dst *bytes.Buffer) (done bool, err error) {
	c.pending = append(c.pending, src.Bytes()...)
	src.Reset()

	offset := 0
	for {
		rest := c.pending[offset:]
		lineEnd := bytes.Index(rest, []byte("\r\n"))
		if lineEnd < 0 {
			break // incomplete size line; wait for more bytes
		}
		sizeLine := rest[:lineEnd]
		sizeStr, _, _ := strings.Cut(string(sizeLine), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return false, fmt.Errorf("bad chunk size %q: %w", sizeLine, err)
		}

		chunkStart := lineEnd + 2
		if size == 0 {
			// Terminating chunk: need the trailing CRLF (no trailers supported).
			if len(rest) < chunkStart+2 {
				break
			}
			offset += chunkStart + 2
			// Hand bytes past the terminator back to src for the next request.
			src.Write(c.pending[offset:])
			c.pending = nil
			return true, nil
		}

		need := chunkStart + int(size) + 2 // chunk data + trailing CRLF
		if len(rest) < need {
			break // incomplete chunk; wait for more bytes
		}

		dst.Write(rest[chunkStart : chunkStart+int(size)])
		offset += need
	}

	c.pending = c.pending[offset:]
	return false, nil
}
