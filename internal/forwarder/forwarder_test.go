package forwarder

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madappgang/claudish-proxy/internal/httpparse"
)

// testTLSServer starts a minimal TLS server on loopback that writes a fixed
// HTTP response for any request, returning its address and a dialer that
// trusts its self-signed cert.
func testTLSServer(t *testing.T, response string) (addr string, dialer Dialer) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"127.0.0.1"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	lis, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				_, _ = conn.Write([]byte(response))
			}()
		}
	}()
	t.Cleanup(func() { lis.Close() })

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return lis.Addr().String(), fakeDialer{addr: lis.Addr().String(), pool: pool}
}

type fakeDialer struct {
	addr string
	pool *x509.CertPool
}

func (f fakeDialer) DialTLS(ctx context.Context, _ string) (net.Conn, error) {
	d := tls.Dialer{Config: &tls.Config{RootCAs: f.pool, ServerName: "127.0.0.1"}}
	return d.DialContext(ctx, "tcp", f.addr)
}

func TestForwardStreamsResponseVerbatim(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	_, dialer := testTLSServer(t, response)

	f := New(dialer, nil, slog.New(slog.DiscardHandler))
	req := httpparse.ParsedRequest{Method: "GET", Path: "/api/me", HTTPVersion: "HTTP/1.1", Headers: httpparse.NewHeader()}

	var out bytes.Buffer
	status, err := f.Forward(context.Background(), &out, req, "127.0.0.1", ModeNative)

	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, response, out.String())
}

func TestForwardFallsBackFromFingerprintedToNative(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	_, nativeDialer := testTLSServer(t, response)

	brokenFingerprint := fakeDialer{addr: "127.0.0.1:1", pool: x509.NewCertPool()}
	f := New(nativeDialer, brokenFingerprint, slog.New(slog.DiscardHandler))
	req := httpparse.ParsedRequest{Method: "GET", Path: "/", HTTPVersion: "HTTP/1.1", Headers: httpparse.NewHeader()}

	var out bytes.Buffer
	status, err := f.Forward(context.Background(), &out, req, "127.0.0.1", ModeFingerprinted)

	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, response, out.String())
}

func TestIsWebSocketUpgradeDetectsHandshake(t *testing.T) {
	upgrade := httpparse.NewHeader()
	upgrade.Add("Connection", "Upgrade")
	upgrade.Add("Upgrade", "websocket")
	assert.True(t, IsWebSocketUpgrade(httpparse.ParsedRequest{Headers: upgrade}))

	plain := httpparse.NewHeader()
	plain.Add("Connection", "keep-alive")
	assert.False(t, IsWebSocketUpgrade(httpparse.ParsedRequest{Headers: plain}))

	multiToken := httpparse.NewHeader()
	multiToken.Add("Connection", "keep-alive, Upgrade")
	multiToken.Add("Upgrade", "WebSocket")
	assert.True(t, IsWebSocketUpgrade(httpparse.ParsedRequest{Headers: multiToken}))
}

// testTLSEchoServer starts a loopback TLS server that echoes every byte it
// reads back to the client, used to exercise PipeWebSocket's bidirectional
// byte piping without a real WebSocket library on either end.
func testTLSEchoServer(t *testing.T) Dialer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"127.0.0.1"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	lis, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { lis.Close() })

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return fakeDialer{addr: lis.Addr().String(), pool: pool}
}

func TestPipeWebSocketPipesBytesBidirectionally(t *testing.T) {
	dialer := testTLSEchoServer(t)
	f := New(dialer, nil, slog.New(slog.DiscardHandler))

	headers := httpparse.NewHeader()
	headers.Add("Host", "chat.example.com")
	headers.Add("Connection", "Upgrade")
	headers.Add("Upgrade", "websocket")
	req := httpparse.ParsedRequest{Method: "GET", Path: "/ws", HTTPVersion: "HTTP/1.1", Headers: headers}

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.PipeWebSocket(ctx, server, req, "127.0.0.1", ModeNative) }()

	// The echo server reflects the handshake request itself first; drain
	// exactly that many bytes before asserting on the payload echo below.
	var handshake bytes.Buffer
	require.NoError(t, writeUpgradeRequest(&handshake, req))
	echoedHandshake := make([]byte, handshake.Len())
	_, err := io.ReadFull(client, echoedHandshake)
	require.NoError(t, err)
	assert.Equal(t, handshake.Bytes(), echoedHandshake)

	payload := []byte("hello-over-websocket")
	_, err = client.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	cancel()
	<-done
}

func TestWriteRequestStripsAcceptEncodingAndHopHeaders(t *testing.T) {
	headers := httpparse.NewHeader()
	headers.Add("Host", "api.anthropic.com")
	headers.Add("Accept-Encoding", "gzip")
	headers.Add("Connection", "keep-alive")
	req := httpparse.ParsedRequest{Method: "GET", Path: "/x", HTTPVersion: "HTTP/1.1", Headers: headers}

	var out bytes.Buffer
	require.NoError(t, writeRequest(&out, req))

	got := out.String()
	assert.Contains(t, got, "Host: api.anthropic.com")
	assert.NotContains(t, got, "Accept-Encoding")
	assert.NotContains(t, got, "Connection")
}
