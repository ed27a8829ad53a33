// Package netutil provides context-aware process and server lifecycle
// helpers, adapted from the forwarder's own serve-and-shutdown pattern.
package netutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
)

// SignalContext returns a context that is canceled on the given signal. The
// signal isn't watched after its first occurrence. Call the returned cancel
// function to stop watching and release the internal goroutine.
func SignalContext(ctx context.Context, sig os.Signal) (context.Context, context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(ctx, sig)
	done := make(chan struct{}, 1)
	stopDone := make(chan struct{}, 1)

	go func() {
		defer func() { stopDone <- struct{}{} }()
		defer stop()
		select {
		case <-sigCtx.Done():
			fmt.Println("\rSignal caught. Press ctrl+c again to terminate the program immediately.")
		case <-done:
		}
	}()

	cancelFunc := func() {
		done <- struct{}{}
		<-stopDone
	}

	return sigCtx, cancelFunc
}

// HTTPServeContext runs an [*http.Server] on listener and shuts it down
// when ctx is canceled. If server.TLSConfig is nil, it serves plain HTTP.
// Blocks until the server has shut down.
func HTTPServeContext(ctx context.Context, server *http.Server, listener net.Listener, log *slog.Logger) error {
	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if server.TLSConfig == nil {
			log.Info("Starting HTTP server", "endpoint", listener.Addr().String())
			serveErr <- server.Serve(listener)
		} else {
			log.Info("Starting HTTPS server", "endpoint", listener.Addr().String())
			serveErr <- server.ServeTLS(listener, "", "")
		}
	}()

	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			log.Info("Shutting down server", "endpoint", listener.Addr().String())
			err = server.Shutdown(context.Background())
		case err = <-serveErr:
		}
	}()

	wg.Wait()
	return err
}

// ListenLocalhost binds a TCP listener to 127.0.0.1 on the given port, or a
// random free port when port is 0. Both dispatcher and control API bind
// only to loopback, per spec.md §6.
func ListenLocalhost(port int) (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on 127.0.0.1:%d: %w", port, err)
	}
	return lis, nil
}
