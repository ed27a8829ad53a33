// Package forwarder implements the upstream forwarder (spec.md §4.E): given
// a parsed request and a target host, it opens a TLS http/1.1 connection,
// writes the request bytes essentially as parsed, and streams the
// response back to the client connection in real time without ever
// buffering a streaming response whole.
package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/madappgang/claudish-proxy/internal/httpparse"
)

// copyBufferSize matches the teacher forwarder's choice: smaller than Go's
// default io.Copy buffer, so streaming SSE responses read comparatively
// smoothly to talking to the origin directly.
const copyBufferSize = 8 * 1024

// hopHeaders are stripped before forwarding in both directions, per
// RFC 9110 (https://datatracker.ietf.org/doc/html/rfc9110#name-message-forwarding).
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Dialer opens a TLS connection to host:443 pinned to ALPN http/1.1. It is
// the seam for swapping in a browser-fingerprinted TLS client (spec.md
// §4.E); NativeDialer is the only in-tree implementation (see DESIGN.md).
type Dialer interface {
	DialTLS(ctx context.Context, host string) (net.Conn, error)
}

// NativeDialer dials with the standard library's crypto/tls stack.
type NativeDialer struct {
	Timeout time.Duration
}

// DialTLS implements Dialer using crypto/tls with ALPN pinned to
// http/1.1, per spec.md's non-goal forbidding HTTP/2/QUIC upstream.
func (d NativeDialer) DialTLS(ctx context.Context, host string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName: host,
			NextProtos: []string{"http/1.1"},
			MinVersion: tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", host, err)
	}
	return conn, nil
}

// Forwarder forwards parsed requests to real origins over TLS.
type Forwarder struct {
	native      Dialer
	fingerprint Dialer // optional; nil when no fingerprinted client is configured
	log         *slog.Logger
}

// New returns a Forwarder using native as the default dialer and an
// optional fingerprinted dialer for hosts that reject stock TLS stacks.
// fingerprint may be nil (spec.md §9, Open Question iii).
func New(native, fingerprint Dialer, log *slog.Logger) *Forwarder {
	return &Forwarder{native: native, fingerprint: fingerprint, log: log}
}

// Mode selects which Dialer variant to use for a single Forward call.
type Mode int

// Forwarding modes (spec.md §4.E).
const (
	ModeNative Mode = iota
	ModeFingerprinted
)

// Forward writes req to host over TLS and streams the response bytes back
// to w verbatim as they arrive, never buffering a streaming response
// whole. Accept-Encoding is stripped from the outbound request to keep
// responses readable (spec.md §4.E). Returns the response status line's
// code, or an error on connection/handshake/mid-stream failure.
func (f *Forwarder) Forward(ctx context.Context, w io.Writer, req httpparse.ParsedRequest, host string, mode Mode) (statusCode int, err error) {
	dialer := f.native
	if mode == ModeFingerprinted && f.fingerprint != nil {
		dialer = f.fingerprint
	}

	conn, err := dialer.DialTLS(ctx, host)
	if err != nil {
		if mode == ModeFingerprinted {
			f.log.Warn("Fingerprinted dial failed, falling back to native TLS", "host", host, "error", err)
			conn, err = f.native.DialTLS(ctx, host)
		}
		if err != nil {
			return 0, fmt.Errorf("connecting to %s: %w", host, err)
		}
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := writeRequest(conn, req); err != nil {
		return 0, fmt.Errorf("writing request to %s: %w", host, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return 0, fmt.Errorf("reading response from %s: %w", host, err)
	}
	defer resp.Body.Close()

	delHopHeaders(resp.Header)

	if err := writeResponseHead(w, resp); err != nil {
		return resp.StatusCode, fmt.Errorf("writing response head from %s: %w", host, err)
	}

	if _, err := io.CopyBuffer(w, resp.Body, make([]byte, copyBufferSize)); err != nil {
		if errors.Is(err, context.Canceled) {
			f.log.Warn("Connection closed by client before forwarding finished", "host", host, "error", err)
		} else {
			f.log.Error("Failed streaming response body", "host", host, "error", err)
		}
		return resp.StatusCode, err
	}

	return resp.StatusCode, nil
}

// ForwardWithRetry retries transient connection failures (refused,
// handshake failure) with exponential backoff before the response has
// started streaming. Once bytes have reached w, failures are not retried,
// matching spec.md §4.E's "partial responses ... are not retried" rule.
func (f *Forwarder) ForwardWithRetry(ctx context.Context, w io.Writer, req httpparse.ParsedRequest, host string, mode Mode, attempts uint) (statusCode int, err error) {
	err = retry.Do(
		func() error {
			var rerr error
			statusCode, rerr = f.Forward(ctx, w, req, host, mode)
			if rerr != nil && statusCode != 0 {
				// The response head was read, so bytes may already be on w.
				return retry.Unrecoverable(rerr)
			}
			return rerr
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
	)
	return statusCode, err
}

// writeRequest writes the request line, headers (minus hop-by-hop and
// Accept-Encoding), and body to conn, exactly as parsed.
func writeRequest(w io.Writer, req httpparse.ParsedRequest) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method, req.Path, req.HTTPVersion); err != nil {
		return err
	}
	for _, key := range req.Headers.Keys() {
		if strings.EqualFold(key, "Accept-Encoding") || isHopHeader(key) {
			continue
		}
		for _, v := range req.Headers.Values(key) {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := bw.Write(req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeResponseHead writes the status line and headers of resp to w, so
// that callers forwarding directly onto a raw client socket produce a
// complete, well-formed HTTP response rather than a bare body.
func writeResponseHead(w io.Writer, resp *http.Response) error {
	bw := bufio.NewWriter(w)
	statusLine := resp.Status
	if statusLine == "" {
		statusLine = http.StatusText(resp.StatusCode)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, strings.TrimSpace(strings.TrimPrefix(statusLine, fmt.Sprintf("%d", resp.StatusCode)))); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func delHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// IsWebSocketUpgrade reports whether req is an HTTP/1.1 WebSocket upgrade
// handshake (RFC 6455 §4.2.1): Connection contains "Upgrade" and Upgrade is
// "websocket" (case-insensitive in both).
func IsWebSocketUpgrade(req httpparse.ParsedRequest) bool {
	hasUpgradeToken := false
	for _, v := range req.Headers.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "Upgrade") {
				hasUpgradeToken = true
			}
		}
	}
	return hasUpgradeToken && strings.EqualFold(strings.TrimSpace(req.Headers.Get("Upgrade")), "websocket")
}

// PipeWebSocket dials host, forwards the upgrade handshake request verbatim
// (including the Connection/Upgrade headers that Forward strips as
// hop-by-hop), and then pipes raw bytes bidirectionally between clientConn
// and the upstream connection until either side closes or ctx is done
// (spec.md §4.C step 7: "On WebSocket upgrade ... switches to pure byte
// piping in both directions").
func (f *Forwarder) PipeWebSocket(ctx context.Context, clientConn net.Conn, req httpparse.ParsedRequest, host string, mode Mode) error {
	dialer := f.native
	if mode == ModeFingerprinted && f.fingerprint != nil {
		dialer = f.fingerprint
	}

	upstream, err := dialer.DialTLS(ctx, host)
	if err != nil {
		if mode == ModeFingerprinted {
			f.log.Warn("Fingerprinted dial failed, falling back to native TLS", "host", host, "error", err)
			upstream, err = f.native.DialTLS(ctx, host)
		}
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", host, err)
		}
	}
	defer upstream.Close()

	if err := writeUpgradeRequest(upstream, req); err != nil {
		return fmt.Errorf("writing websocket handshake to %s: %w", host, err)
	}

	go func() {
		<-ctx.Done()
		_ = upstream.Close()
		_ = clientConn.Close()
	}()

	errs := make(chan error, 2)
	go func() {
		_, err := io.CopyBuffer(upstream, clientConn, make([]byte, copyBufferSize))
		errs <- err
	}()
	go func() {
		_, err := io.CopyBuffer(clientConn, upstream, make([]byte, copyBufferSize))
		errs <- err
	}()

	err = <-errs
	_ = upstream.Close()
	_ = clientConn.Close()
	<-errs
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("piping websocket stream to %s: %w", host, err)
	}
	return nil
}

// writeUpgradeRequest writes req to w exactly as parsed, including
// Connection/Upgrade, which Forward's writeRequest strips as hop-by-hop.
func writeUpgradeRequest(w io.Writer, req httpparse.ParsedRequest) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method, req.Path, req.HTTPVersion); err != nil {
		return err
	}
	for _, key := range req.Headers.Keys() {
		if strings.EqualFold(key, "Accept-Encoding") {
			continue
		}
		for _, v := range req.Headers.Values(key) {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := bw.Write(req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}
