// Package dispatcher implements the CONNECT dispatcher (spec.md §4.B-§4.D):
// it terminates the CONNECT tunnel, mints a leaf certificate for the
// requested host, parses the decrypted HTTP/1.1 stream one request at a
// time, and routes each parsed request to passthrough, intercept, or
// sync-inject handling.
package dispatcher

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/madappgang/claudish-proxy/internal/adapter"
	"github.com/madappgang/claudish-proxy/internal/certmanager"
	"github.com/madappgang/claudish-proxy/internal/classifier"
	"github.com/madappgang/claudish-proxy/internal/convstore"
	"github.com/madappgang/claudish-proxy/internal/forwarder"
	"github.com/madappgang/claudish-proxy/internal/httpparse"
	"github.com/madappgang/claudish-proxy/internal/provider"
	"github.com/madappgang/claudish-proxy/internal/sse"
)

// readBufferSize is the chunk size read from the decrypted TLS connection
// per loop iteration, matching the forwarder's streaming buffer (spec.md
// §4.B).
const readBufferSize = 8 * 1024

// Dispatcher accepts CONNECT tunnels, terminates TLS with a freshly minted
// leaf certificate per host, and routes each decrypted request.
type Dispatcher struct {
	certs      *certmanager.Manager
	classifier *classifier.Classifier
	conv       *convstore.Store
	forward    *forwarder.Forwarder
	registry   *provider.Registry
	adapters   []adapter.Capability
	client     *http.Client
	log        *slog.Logger
}

// New returns a Dispatcher wiring every component named in spec.md §4.B-§4.D.
func New(
	certs *certmanager.Manager,
	cl *classifier.Classifier,
	conv *convstore.Store,
	fwd *forwarder.Forwarder,
	registry *provider.Registry,
	adapters []adapter.Capability,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		certs:      certs,
		classifier: cl,
		conv:       conv,
		forward:    fwd,
		registry:   registry,
		adapters:   adapters,
		client:     &http.Client{Timeout: 0}, // streaming responses: no overall deadline
		log:        log,
	}
}

// Serve accepts connections from lis until ctx is done or Accept fails.
func (d *Dispatcher) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		go d.handleConnection(ctx, conn)
	}
}

// handleConnection terminates one CONNECT tunnel: it reads the CONNECT
// request, replies 200, then performs a TLS handshake minting a leaf
// certificate for the tunneled host via SNI (spec.md §4.A, §4.B).
func (d *Dispatcher) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	host, err := readConnectTarget(conn)
	if err != nil {
		d.log.Debug("Discarding connection: CONNECT parse failed", "error", err)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		d.log.Debug("Writing CONNECT reply failed", "host", host, "error", err)
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			sniHost := hello.ServerName
			if sniHost == "" {
				sniHost = stripPort(host)
			}
			certPEM, keyPEM, err := d.certs.GetCertForDomain(sniHost)
			if err != nil {
				return nil, err
			}
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	})
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		d.log.Debug("TLS handshake with client failed", "host", host, "error", err)
		return
	}

	d.serveRequests(ctx, tlsConn, stripPort(host))
}

// serveRequests feeds the decrypted stream into an incremental parser,
// routing one fully-parsed request at a time, until the connection closes
// (spec.md §4.B, §4.D).
func (d *Dispatcher) serveRequests(ctx context.Context, conn net.Conn, host string) {
	parser := httpparse.NewParser()
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if err := parser.Feed(buf[:n]); err != nil {
				d.log.Debug("Malformed request on decrypted stream", "host", host, "error", err)
				return
			}
		}

		for parser.IsComplete() {
			req, ok := parser.Parse()
			if !ok {
				break
			}
			if !d.routeOne(ctx, conn, req, host) {
				return
			}
			parser.Reset()
			if err := parser.Feed(nil); err != nil {
				d.log.Debug("Malformed pipelined request", "host", host, "error", err)
				return
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				d.log.Debug("Client connection closed", "host", host, "error", readErr)
			}
			return
		}
	}
}

// routeOne classifies and dispatches a single parsed request. It returns
// false if the connection should be closed (unrecoverable write failure).
func (d *Dispatcher) routeOne(ctx context.Context, conn net.Conn, req httpparse.ParsedRequest, host string) bool {
	if forwarder.IsWebSocketUpgrade(req) {
		return d.routeWebSocketUpgrade(ctx, conn, req, host)
	}

	d.classifier.Observe(req)
	decision, convUUID, model := d.classifier.Decide(req)

	switch decision {
	case classifier.DecisionIntercept:
		return d.routeIntercept(ctx, conn, req, convUUID, model)
	case classifier.DecisionSyncInject:
		return d.routeSyncInject(ctx, conn, req, host, convUUID)
	default:
		return d.routePassthrough(ctx, conn, req, host)
	}
}

// routeWebSocketUpgrade switches the tunnel to pure byte piping once a
// client request upgrades to WebSocket (spec.md §4.C step 7). Never
// observed from Claude Code's own traffic, but intercepting proxies must
// not break other WebSocket-bearing tools tunneled through the same CONNECT
// port. Returns false (caller closes conn) once piping ends either way.
func (d *Dispatcher) routeWebSocketUpgrade(ctx context.Context, conn net.Conn, req httpparse.ParsedRequest, host string) bool {
	if err := d.forward.PipeWebSocket(ctx, conn, req, host, forwarder.ModeNative); err != nil {
		d.log.Debug("WebSocket piping ended", "host", host, "error", err)
	}
	return false
}

// routePassthrough forwards req to host unmodified and streams the
// response back verbatim (spec.md §4.D.1).
func (d *Dispatcher) routePassthrough(ctx context.Context, conn net.Conn, req httpparse.ParsedRequest, host string) bool {
	if _, err := d.forward.ForwardWithRetry(ctx, conn, req, host, forwarder.ModeNative, 3); err != nil {
		d.log.Debug("Passthrough forward failed", "host", host, "error", err)
		return false
	}
	return true
}

// routeIntercept builds a canonical request, prepares and sends it to the
// resolved provider, and translates the streamed response back into the
// Anthropic Messages SSE schema on conn (spec.md §4.D.2, §4.F).
func (d *Dispatcher) routeIntercept(ctx context.Context, conn net.Conn, req httpparse.ParsedRequest, convUUID, model string) bool {
	messageID := "msg_" + uuid.New().String()

	canonical, err := canonicalRequestFromBody(req.Body)
	if err != nil {
		return d.writeSSEError(conn, messageID, model, "could not parse request body")
	}
	canonical.Stream = true

	var chosen adapter.Capability
	for _, candidate := range d.adapters {
		if candidate.Recognize(model) {
			chosen = candidate
			break
		}
	}
	if chosen == nil {
		d.log.Warn("No adapter recognizes routed model", "model", model)
		return d.writeSSEError(conn, messageID, model, fmt.Sprintf("no provider configured for %q", model))
	}

	prepared, err := chosen.PrepareRequest(ctx, canonical, model)
	if err != nil {
		d.log.Warn("Preparing upstream request failed", "model", model, "error", err)
		return d.writeSSEError(conn, messageID, model, "failed preparing upstream request")
	}

	resp, err := d.client.Do(prepared.HTTPRequest)
	if err != nil {
		d.log.Warn("Upstream request failed", "model", model, "error", err)
		return d.writeSSEError(conn, messageID, model, "upstream request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		d.log.Warn("Upstream returned an error status", "model", model, "status", resp.StatusCode, "body", string(body))
		return d.writeSSEError(conn, messageID, model, fmt.Sprintf("upstream error %d", resp.StatusCode))
	}

	if err := writeSSEResponseHead(conn); err != nil {
		return false
	}
	cw := newChunkedWriter(conn)
	w := sse.NewWriter(cw)

	result, err := chosen.TranslateResponseStream(ctx, resp.Body, w, adapter.TranslateOpts{
		MessageID:   messageID,
		Model:       model,
		ToolNameMap: prepared.ToolNameMap,
	})
	if err != nil {
		d.log.Warn("Translating upstream response stream failed", "model", model, "error", err)
	}
	if err := cw.Close(); err != nil {
		return false
	}

	if result.FullText != "" {
		d.conv.Append(convUUID, canonical.ParentMessageUUID, userTextFromCanonical(canonical), result.FullText)
	}
	return true
}

// routeSyncInject fetches the conversation-sync response unmodified, then
// splices any stored Injected Messages into it before relaying it to the
// client, falling back to an unmodified forward on any failure (spec.md
// §4.D.3-§4.D.4).
func (d *Dispatcher) routeSyncInject(ctx context.Context, conn net.Conn, req httpparse.ParsedRequest, host, convUUID string) bool {
	captured := &captureWriter{}

	statusCode, err := d.forward.Forward(ctx, captured, req, host, forwarder.ModeNative)
	if err != nil {
		d.log.Debug("Sync-inject upstream fetch failed", "host", host, "error", err)
		return false
	}
	if statusCode != http.StatusOK || !captured.headDone {
		d.log.Debug("Sync-inject passthrough fallback", "host", host, "status", statusCode)
		return relayCapturedUnmodified(conn, captured)
	}

	decoded, err := decodeBody(captured.bodyBuf.String(), captured.headers.Get("Content-Encoding"))
	if err != nil {
		d.log.Warn("Decompressing sync response failed, relaying unmodified", "conversation", convUUID, "error", err)
		return relayCapturedUnmodified(conn, captured)
	}

	merged, err := mergeInjectedMessages(decoded, d.conv.Get(convUUID))
	if err != nil {
		d.log.Warn("Merging injected messages failed, relaying unmodified", "conversation", convUUID, "error", err)
		return relayCapturedUnmodified(conn, captured)
	}

	return writeMergedSyncResponse(conn, captured.headers, merged) == nil
}

// relayCapturedUnmodified writes the already-buffered upstream response
// (head and body, still in its original encoding) straight to conn, the
// fallback path whenever sync-inject merging cannot proceed (spec.md
// §4.D.4).
func relayCapturedUnmodified(conn net.Conn, captured *captureWriter) bool {
	if _, err := conn.Write([]byte(captured.head.String())); err != nil {
		return false
	}
	_, err := conn.Write([]byte(captured.bodyBuf.String()))
	return err == nil
}

// decodeBody decompresses body per the upstream Content-Encoding, or
// returns it unchanged for an empty/identity encoding.
func decodeBody(body, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return []byte(body), nil
	case "gzip":
		r, err := gzip.NewReader(strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("dispatcher: opening gzip body: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("dispatcher: unsupported Content-Encoding %q", contentEncoding)
	}
}

// userTextFromCanonical extracts the last user-authored text block from a
// canonical request, used as the stored Injected Message's user text.
func userTextFromCanonical(req adapter.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		for _, b := range m.Content {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// readConnectTarget reads a "CONNECT host:port HTTP/1.1" request line and
// its headers (discarded) off conn, returning the tunneled host:port.
func readConnectTarget(conn net.Conn) (string, error) {
	raw, err := readHeaderBlock(conn)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 {
		return "", fmt.Errorf("dispatcher: empty CONNECT request")
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || parts[0] != http.MethodConnect {
		return "", fmt.Errorf("dispatcher: expected CONNECT, got %q", lines[0])
	}
	return parts[1], nil
}

// readHeaderBlock reads raw bytes off r one small read at a time, up to and
// including the blank line terminating an HTTP header block, without
// over-reading into the byte stream the caller hands off next (here, the
// TLS ClientHello that immediately follows the CONNECT reply).
func readHeaderBlock(r io.Reader) ([]byte, error) {
	var out []byte
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n > 0 {
			out = append(out, one[0])
			if bytes.HasSuffix(out, []byte("\r\n\r\n")) {
				return out, nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("dispatcher: reading header block: %w", err)
		}
		if len(out) > 16*1024 {
			return nil, fmt.Errorf("dispatcher: CONNECT header block too large")
		}
	}
}

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// writeSSEError writes a complete Anthropic Messages SSE error response
// and returns true (the connection stays open for further pipelined
// requests), matching spec.md §4.F.3's "never leave the client hanging".
func (d *Dispatcher) writeSSEError(conn net.Conn, messageID, model, text string) bool {
	if err := writeSSEResponseHead(conn); err != nil {
		return false
	}
	cw := newChunkedWriter(conn)
	if err := sse.WriteErrorResponse(cw, messageID, model, text); err != nil {
		d.log.Debug("Writing SSE error response failed", "error", err)
	}
	return cw.Close() == nil
}

// writeSSEResponseHead writes a chunked, text/event-stream HTTP response
// head directly to a raw client socket (there is no net/http.ResponseWriter
// this deep inside the TLS-terminated tunnel).
func writeSSEResponseHead(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: text/event-stream\r\n"+
		"Cache-Control: no-cache\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Connection: keep-alive\r\n\r\n")
	return err
}

// chunkedWriter frames writes as HTTP/1.1 chunked-transfer-encoding chunks.
type chunkedWriter struct {
	w io.Writer
}

func newChunkedWriter(w io.Writer) *chunkedWriter { return &chunkedWriter{w: w} }

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the terminating zero-length chunk.
func (c *chunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// captureWriter buffers a forwarded response's head (status line + headers)
// separately from its body, so the sync-inject branch can re-splice the
// body before relaying either one to the client.
type captureWriter struct {
	head     strings.Builder
	headers  http.Header
	bodyBuf  strings.Builder
	headDone bool
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.headDone {
		c.bodyBuf.Write(p)
		return len(p), nil
	}
	c.head.Write(p)
	if idx := strings.Index(c.head.String(), "\r\n\r\n"); idx >= 0 {
		headStr := c.head.String()
		c.headers = parseHeaderLines(headStr[:idx])
		c.bodyBuf.WriteString(headStr[idx+4:])
		c.head.Reset()
		c.head.WriteString(headStr[:idx+4])
		c.headDone = true
	}
	return len(p), nil
}

func parseHeaderLines(block string) http.Header {
	h := http.Header{}
	lines := strings.Split(block, "\r\n")
	for _, line := range lines[1:] { // skip the status line
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}

// writeMergedSyncResponse writes a 200 response carrying merged as the body,
// with Content-Length recomputed and Content-Encoding removed (the body was
// already decompressed by the time it reaches mergeInjectedMessages).
func writeMergedSyncResponse(conn net.Conn, headers http.Header, merged []byte) error {
	out := headers.Clone()
	out.Del("Content-Encoding")
	out.Set("Content-Length", fmt.Sprintf("%d", len(merged)))
	out.Del("Transfer-Encoding")

	bw := bufio.NewWriter(conn)
	if _, err := io.WriteString(bw, "HTTP/1.1 200 OK\r\n"); err != nil {
		return err
	}
	if err := out.Write(bw); err != nil {
		return err
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(merged); err != nil {
		return err
	}
	return bw.Flush()
}
